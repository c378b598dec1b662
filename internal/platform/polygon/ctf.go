// Package polygon submits Conditional Token Framework transactions on
// Polygon and answers the wallet balance queries used for preflight checks.
package polygon

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

const (
	ctfABIJSON = `[
	{"type":"function","name":"mergePositions","stateMutability":"nonpayable","outputs":[],"inputs":[
		{"name":"collateralToken","type":"address"},
		{"name":"parentCollectionId","type":"bytes32"},
		{"name":"conditionId","type":"bytes32"},
		{"name":"partition","type":"uint256[]"},
		{"name":"amount","type":"uint256"}]}
	]`

	negRiskABIJSON = `[
	{"type":"function","name":"mergePositions","stateMutability":"nonpayable","outputs":[],"inputs":[
		{"name":"conditionId","type":"bytes32"},
		{"name":"amount","type":"uint256"}]}
	]`

	erc20ABIJSON = `[
	{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],
	 "outputs":[{"name":"","type":"uint256"}]}
	]`

	collateralDecimals = 6
	weiDecimals        = 18
)

var (
	ctfABI     = mustParseABI(ctfABIJSON)
	negRiskABI = mustParseABI(negRiskABIJSON)
	erc20ABI   = mustParseABI(erc20ABIJSON)
)

func mustParseABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(fmt.Sprintf("polygon: parse abi: %v", err))
	}
	return parsed
}

// Backend is the subset of ethclient.Client the CTF client needs.
type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// TxSigner signs transactions for the wallet that owns the positions.
type TxSigner interface {
	Address() common.Address
	SignTx(tx *types.Transaction) (*types.Transaction, error)
}

// Config holds contract addresses and gas policy.
type Config struct {
	ConditionalTokens  common.Address
	NegRiskAdapter     common.Address
	Collateral         common.Address
	MaticPriceUSD      float64
	GasLimitMultiplier float64
	MergeGasUnits      uint64
	FallbackGasUSD     float64
	ReceiptTimeout     time.Duration
	ReceiptPoll        time.Duration
}

// DefaultConfig returns the Polygon mainnet contract set.
func DefaultConfig() Config {
	return Config{
		ConditionalTokens:  common.HexToAddress("0x4D97DCd97eC945f40cF65F87097ACe5EA0476045"),
		NegRiskAdapter:     common.HexToAddress("0xd91E80cF2E7be2e162c6513ceD06f1dD0dA35296"),
		Collateral:         common.HexToAddress("0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174"),
		MaticPriceUSD:      0.50,
		GasLimitMultiplier: 1.2,
		MergeGasUnits:      80_000,
		FallbackGasUSD:     0.02,
		ReceiptTimeout:     120 * time.Second,
		ReceiptPoll:        2 * time.Second,
	}
}

// CTFClient merges complete outcome sets back into collateral.
type CTFClient struct {
	cfg     Config
	backend Backend
	signer  TxSigner
	logger  *slog.Logger

	// Serialises nonce allocation for the wallet.
	sendMu sync.Mutex

	priceMu       sync.RWMutex
	maticPriceUSD float64
}

var _ domain.SettlementClient = (*CTFClient)(nil)

// Dial connects to a Polygon JSON-RPC endpoint.
func Dial(ctx context.Context, rpcURL string, cfg Config, signer TxSigner, logger *slog.Logger) (*CTFClient, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("polygon: dial %s: %w", rpcURL, err)
	}
	return NewCTFClient(client, cfg, signer, logger), nil
}

// NewCTFClient wraps an existing backend.
func NewCTFClient(backend Backend, cfg Config, signer TxSigner, logger *slog.Logger) *CTFClient {
	if cfg.GasLimitMultiplier <= 0 {
		cfg.GasLimitMultiplier = 1.2
	}
	if cfg.ReceiptTimeout <= 0 {
		cfg.ReceiptTimeout = 120 * time.Second
	}
	if cfg.ReceiptPoll <= 0 {
		cfg.ReceiptPoll = 2 * time.Second
	}
	if cfg.MergeGasUnits == 0 {
		cfg.MergeGasUnits = 80_000
	}
	return &CTFClient{
		cfg:           cfg,
		backend:       backend,
		signer:        signer,
		logger:        logger.With(slog.String("component", "ctf")),
		maticPriceUSD: cfg.MaticPriceUSD,
	}
}

// SetMaticPrice updates the MATIC/USD rate used for gas accounting.
func (c *CTFClient) SetMaticPrice(usd float64) {
	if usd <= 0 {
		return
	}
	c.priceMu.Lock()
	c.maticPriceUSD = usd
	c.priceMu.Unlock()
}

func (c *CTFClient) maticPrice() float64 {
	c.priceMu.RLock()
	defer c.priceMu.RUnlock()
	return c.maticPriceUSD
}

// MergePositions submits a merge and waits for its receipt. A mined but
// reverted transaction is reported as an unsuccessful TxResult together
// with domain.ErrTxReverted.
func (c *CTFClient) MergePositions(ctx context.Context, req domain.MergeRequest) (domain.TxResult, error) {
	to, data, err := c.mergeCall(req)
	if err != nil {
		return domain.TxResult{Error: err.Error()}, err
	}

	tx, gasPrice, err := c.send(ctx, to, data)
	if err != nil {
		return domain.TxResult{Error: err.Error()}, err
	}
	log := c.logger.With(slog.String("tx", tx.Hash().Hex()), slog.String("condition_id", req.ConditionID))
	log.Info("merge submitted", slog.Float64("amount", req.Amount))

	receipt, err := c.waitMined(ctx, tx.Hash())
	if err != nil {
		return domain.TxResult{TxHash: tx.Hash().Hex(), Error: err.Error()}, err
	}

	res := domain.TxResult{
		TxHash:     tx.Hash().Hex(),
		GasUsed:    receipt.GasUsed,
		GasCostUSD: c.gasCostUSD(new(big.Int).Mul(new(big.Int).SetUint64(receipt.GasUsed), gasPrice)),
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		res.Error = domain.ErrTxReverted.Error()
		log.Warn("merge reverted", slog.Uint64("gas_used", receipt.GasUsed))
		return res, fmt.Errorf("polygon: merge %s: %w", tx.Hash().Hex(), domain.ErrTxReverted)
	}
	res.Success = true
	log.Info("merge confirmed",
		slog.Uint64("gas_used", receipt.GasUsed),
		slog.Float64("gas_usd", res.GasCostUSD),
	)
	return res, nil
}

// EstimateMergeGasUSD prices a typical merge at the current gas price. The
// configured fallback is returned alongside any RPC error.
func (c *CTFClient) EstimateMergeGasUSD(ctx context.Context) (float64, error) {
	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return c.cfg.FallbackGasUSD, fmt.Errorf("polygon: suggest gas price: %w", err)
	}
	wei := new(big.Int).Mul(new(big.Int).SetUint64(c.cfg.MergeGasUnits), gasPrice)
	return c.gasCostUSD(wei), nil
}

// CollateralBalance returns the wallet's collateral (USDC) balance.
func (c *CTFClient) CollateralBalance(ctx context.Context) (float64, error) {
	data, err := erc20ABI.Pack("balanceOf", c.signer.Address())
	if err != nil {
		return 0, fmt.Errorf("polygon: pack balanceOf: %w", err)
	}
	to := c.cfg.Collateral
	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return 0, fmt.Errorf("polygon: balanceOf: %w", err)
	}
	vals, err := erc20ABI.Unpack("balanceOf", out)
	if err != nil || len(vals) != 1 {
		return 0, fmt.Errorf("polygon: unpack balanceOf: %v", err)
	}
	raw, ok := vals[0].(*big.Int)
	if !ok {
		return 0, errors.New("polygon: unexpected balanceOf result")
	}
	return decimal.NewFromBigInt(raw, -collateralDecimals).InexactFloat64(), nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// mergeCall resolves the target contract and calldata. Neg-risk markets
// merge through the adapter; everything else goes to the CTF contract with
// the full index-set partition and a zero parent collection.
func (c *CTFClient) mergeCall(req domain.MergeRequest) (common.Address, []byte, error) {
	condition, err := parseConditionID(req.ConditionID)
	if err != nil {
		return common.Address{}, nil, err
	}
	amount, err := toCollateralUnits(req.Amount)
	if err != nil {
		return common.Address{}, nil, err
	}

	if req.NegRisk {
		data, err := negRiskABI.Pack("mergePositions", condition, amount)
		if err != nil {
			return common.Address{}, nil, fmt.Errorf("polygon: pack neg-risk merge: %w", err)
		}
		return c.cfg.NegRiskAdapter, data, nil
	}

	partition, err := fullPartition(req.OutcomeCount)
	if err != nil {
		return common.Address{}, nil, err
	}
	data, err := ctfABI.Pack("mergePositions", c.cfg.Collateral, [32]byte{}, condition, partition, amount)
	if err != nil {
		return common.Address{}, nil, fmt.Errorf("polygon: pack merge: %w", err)
	}
	return c.cfg.ConditionalTokens, data, nil
}

func (c *CTFClient) send(ctx context.Context, to common.Address, data []byte) (*types.Transaction, *big.Int, error) {
	from := c.signer.Address()

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("polygon: suggest gas price: %w", err)
	}
	estimate, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, GasPrice: gasPrice, Data: data})
	if err != nil {
		return nil, nil, fmt.Errorf("polygon: estimate gas: %w", err)
	}
	gasLimit := uint64(float64(estimate) * c.cfg.GasLimitMultiplier)

	nonce, err := c.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, nil, fmt.Errorf("polygon: pending nonce: %w", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gasLimit,
		To:       &to,
		Value:    big.NewInt(0),
		Data:     data,
	})
	signed, err := c.signer.SignTx(tx)
	if err != nil {
		return nil, nil, fmt.Errorf("polygon: %w", err)
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return nil, nil, fmt.Errorf("polygon: send transaction: %w", err)
	}
	return signed, gasPrice, nil
}

// waitMined polls for a receipt until ReceiptTimeout elapses.
func (c *CTFClient) waitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ReceiptTimeout)
	defer cancel()

	ticker := time.NewTicker(c.cfg.ReceiptPoll)
	defer ticker.Stop()
	for {
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			c.logger.Debug("receipt lookup failed", slog.String("tx", hash.Hex()), slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("polygon: wait for receipt %s: %w", hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *CTFClient) gasCostUSD(wei *big.Int) float64 {
	matic := decimal.NewFromBigInt(wei, -weiDecimals)
	return matic.Mul(decimal.NewFromFloat(c.maticPrice())).InexactFloat64()
}

func parseConditionID(s string) ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X"))
	if err != nil || len(raw) != 32 {
		return out, fmt.Errorf("polygon: invalid condition id %q", s)
	}
	copy(out[:], raw)
	return out, nil
}

// toCollateralUnits converts a share amount to 6-decimal base units,
// truncating any remainder.
func toCollateralUnits(amount float64) (*big.Int, error) {
	d := decimal.NewFromFloat(amount).Truncate(collateralDecimals)
	if !d.IsPositive() {
		return nil, fmt.Errorf("polygon: merge amount %v must be positive", amount)
	}
	return d.Shift(collateralDecimals).BigInt(), nil
}

// fullPartition returns the index sets {1, 2, 4, ...} covering every outcome.
func fullPartition(outcomes int) ([]*big.Int, error) {
	if outcomes < 2 || outcomes > 255 {
		return nil, fmt.Errorf("polygon: invalid outcome count %d", outcomes)
	}
	out := make([]*big.Int, outcomes)
	for i := range out {
		out[i] = new(big.Int).Lsh(big.NewInt(1), uint(i))
	}
	return out, nil
}
