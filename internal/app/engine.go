package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/polyarb/internal/arbitrage"
	"github.com/alanyoungcy/polyarb/internal/config"
	"github.com/alanyoungcy/polyarb/internal/costmodel"
	"github.com/alanyoungcy/polyarb/internal/crypto"
	"github.com/alanyoungcy/polyarb/internal/domain"
	"github.com/alanyoungcy/polyarb/internal/executor"
	"github.com/alanyoungcy/polyarb/internal/feed"
	"github.com/alanyoungcy/polyarb/internal/orderbook"
	"github.com/alanyoungcy/polyarb/internal/platform/polygon"
	"github.com/alanyoungcy/polyarb/internal/platform/polymarket"
	"github.com/alanyoungcy/polyarb/internal/service"
	"github.com/alanyoungcy/polyarb/internal/settlement"
)

// Engine holds the running components of one process. Executor, Merger,
// Settlement and Arb are nil in scan mode.
type Engine struct {
	Costs       *costmodel.Live
	Books       *orderbook.Store
	Feed        *feed.BookFeed
	Coordinator *arbitrage.Coordinator
	Markets     *service.MarketService
	Risk        *service.RiskService
	Events      *service.EventPublisher

	Executor   *executor.Executor
	Merger     *settlement.Merger
	Settlement domain.SettlementClient
	Arb        *service.ArbService
}

// Trading reports whether the engine places orders.
func (e *Engine) Trading() bool { return e.Arb != nil }

// buildEngine assembles the detector, feed and, outside scan mode, the
// execution pipeline.
func buildEngine(ctx context.Context, cfg *config.Config, deps *Dependencies, logger *slog.Logger) (*Engine, error) {
	mode := strings.ToLower(cfg.Mode)
	eng := &Engine{}

	var bus domain.EventBus
	if deps.EventBus != nil {
		bus = deps.EventBus
	}
	eng.Events = service.NewEventPublisher(bus, logger.With(slog.String("component", "events")))

	eng.Costs = costmodel.NewLive(costmodel.New(costmodel.Config{
		TakerFeeBps:     cfg.Cost.TakerFeeBps,
		MakerFeeBps:     cfg.Cost.MakerFeeBps,
		MergeGasUSD:     cfg.Cost.MergeGasUSD,
		SwapSpreadBps:   cfg.Cost.SwapSpreadBps,
		SafetyBufferBps: cfg.Cost.SafetyBufferBps,
	}))

	binary := arbitrage.NewBinaryDetector(arbitrage.BinaryConfig{
		MinEdgeBps: cfg.Binary.MinEdgeBps,
		MinSize:    cfg.Binary.MinSize,
		MaxSize:    cfg.Binary.MaxSize,
		IsMaker:    cfg.Binary.IsMaker,
	}, eng.Costs)
	categorical := arbitrage.NewCategoricalDetector(arbitrage.CategoricalConfig{
		MinEdgeBps:  cfg.Categorical.MinEdgeBps,
		MinSize:     cfg.Categorical.MinSize,
		MaxSize:     cfg.Categorical.MaxSize,
		MaxOutcomes: cfg.Categorical.MaxOutcomes,
		IsMaker:     cfg.Categorical.IsMaker,
	}, eng.Costs)

	eng.Books = orderbook.NewStore()
	eng.Coordinator = arbitrage.NewCoordinator(arbitrage.CoordinatorConfig{
		Cooldown:        cfg.Detector.Cooldown.Duration,
		CooldownEntries: cfg.Detector.CooldownEntries,
		ScanHistory:     cfg.Detector.ScanHistory,
	}, binary, categorical, eng.Books, eng.Events, logger.With(slog.String("component", "coordinator")))

	ws := polymarket.NewWSClient(polymarket.WSConfig{
		URL:                   cfg.Polymarket.WsHost,
		BatchSize:             cfg.Feed.BatchSize,
		BatchDelay:            cfg.Feed.BatchDelay.Duration,
		InitialReconnectDelay: cfg.Feed.InitialReconnectDelay.Duration,
		MaxReconnectDelay:     cfg.Feed.MaxReconnectDelay.Duration,
		MaxReconnectAttempts:  cfg.Feed.MaxReconnectAttempts,
	}, logger)
	eng.Feed = feed.New(ws, eng.Books, deps.BookMirror, logger.With(slog.String("component", "feed")))
	eng.Feed.OnBookUpdate(eng.Coordinator.OnBookUpdate)

	eng.Markets = service.NewMarketService(
		polymarket.NewGammaClient(cfg.Polymarket.GammaHost),
		eng.Coordinator,
		eng.Feed,
		service.MarketConfig{
			RefreshInterval: cfg.Catalog.RefreshInterval.Duration,
			MinLiquidity:    cfg.Catalog.MinLiquidity,
			MaxMarkets:      cfg.Catalog.MaxMarkets,
		},
		logger.With(slog.String("component", "market_service")),
	)

	var (
		gateway domain.OrderGateway
		err     error
	)
	switch mode {
	case "scan":
	case "paper":
		gateway = executor.NewPaperGateway(eng.Books)
		eng.Settlement = settlement.NewPaperClient(cfg.Risk.PaperBalanceUSD, cfg.Cost.MergeGasUSD)
	case "run":
		gateway, eng.Settlement, err = buildLiveClients(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("app: unsupported mode %q", cfg.Mode)
	}

	var balances service.BalanceSource
	if eng.Settlement != nil {
		balances = eng.Settlement
	}
	eng.Risk = service.NewRiskService(service.RiskConfig{
		KillSwitch:      cfg.Risk.KillSwitch,
		Simulation:      mode == "scan",
		MinBalanceUSD:   cfg.Risk.MinBalanceUSD,
		MaxNotionalUSD:  cfg.Risk.MaxNotionalUSD,
		BalanceCacheTTL: cfg.Risk.BalanceCacheTTL.Duration,
	}, balances, logger.With(slog.String("component", "risk_service")))

	if gateway == nil {
		return eng, nil
	}

	eng.Executor = executor.New(executor.Config{
		MaxConcurrentTrades: cfg.Executor.MaxConcurrentTrades,
		FillTimeout:         cfg.Executor.FillTimeout.Duration,
		PollInterval:        cfg.Executor.PollInterval.Duration,
		CancelTimeout:       cfg.Executor.CancelTimeout.Duration,
		PlaceTimeout:        cfg.Executor.PlaceTimeout.Duration,
		HistorySize:         cfg.Executor.HistorySize,
		OrderType:           domain.OrderType(strings.ToUpper(cfg.Executor.OrderType)),
	}, gateway, eng.Events, logger.With(slog.String("component", "executor")))

	eng.Merger = settlement.New(settlement.Config{
		MinMergeAmount: cfg.Merger.MinMergeAmount,
		MaxRetries:     cfg.Merger.MaxRetries,
		BaseBackoff:    cfg.Merger.BaseBackoff.Duration,
		HistorySize:    cfg.Merger.HistorySize,
		LockTTL:        cfg.Merger.LockTTL.Duration,
	}, eng.Settlement, deps.LockManager, eng.Events, logger.With(slog.String("component", "merger")))

	var notifier service.Notifier
	if deps.Notifier != nil && deps.Notifier.Enabled() {
		notifier = deps.Notifier
	}
	eng.Arb = service.NewArbService(
		service.ArbConfig{
			QueueSize:    cfg.Detector.QueueSize,
			DrainTimeout: cfg.Executor.ShutdownTimeout.Duration,
		},
		eng.Risk,
		eng.Executor,
		eng.Merger,
		deps.TradeStore,
		deps.MergeStore,
		notifier,
		logger.With(slog.String("component", "arb_service")),
	)
	eng.Coordinator.OnOpportunity(eng.Arb.Submit)

	return eng, nil
}

// buildLiveClients opens the wallet and connects the CLOB gateway and the
// on-chain settlement client.
func buildLiveClients(ctx context.Context, cfg *config.Config, logger *slog.Logger) (domain.OrderGateway, domain.SettlementClient, error) {
	key, err := crypto.LoadKey(crypto.KeyConfig{
		RawPrivateKey:    cfg.Wallet.PrivateKey,
		EncryptedKeyPath: cfg.Wallet.EncryptedKeyPath,
		KeyPassword:      cfg.Wallet.KeyPassword,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("app: load wallet key: %w", err)
	}
	signer, err := crypto.NewSigner(key, int64(cfg.Polymarket.ChainID), crypto.Exchanges{
		Standard: common.HexToAddress(cfg.Polymarket.Exchange),
		NegRisk:  common.HexToAddress(cfg.Polymarket.NegRiskExchange),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("app: create signer: %w", err)
	}

	var auth *crypto.HMACAuth
	if cfg.Wallet.APIKey != "" {
		auth = &crypto.HMACAuth{
			Key:        cfg.Wallet.APIKey,
			Secret:     cfg.Wallet.APISecret,
			Passphrase: cfg.Wallet.APIPassphrase,
		}
	}
	clob, err := polymarket.NewClobClient(polymarket.ClobConfig{
		BaseURL:  cfg.Polymarket.ClobHost,
		TickSize: cfg.Polymarket.TickSize,
		Timeout:  cfg.Polymarket.RequestTimeout.Duration,
	}, signer, auth)
	if err != nil {
		return nil, nil, fmt.Errorf("app: clob client: %w", err)
	}
	if auth == nil {
		if _, err := clob.DeriveAPIKey(ctx); err != nil {
			return nil, nil, fmt.Errorf("app: derive api key: %w", err)
		}
		logger.InfoContext(ctx, "app: derived clob api credentials",
			slog.String("address", signer.Address().Hex()),
		)
	}

	polyCfg := polygon.DefaultConfig()
	polyCfg.ConditionalTokens = common.HexToAddress(cfg.Polygon.ConditionalTokens)
	polyCfg.NegRiskAdapter = common.HexToAddress(cfg.Polygon.NegRiskAdapter)
	polyCfg.Collateral = common.HexToAddress(cfg.Polygon.Collateral)
	polyCfg.MaticPriceUSD = cfg.Polygon.MaticPriceUSD
	polyCfg.FallbackGasUSD = cfg.Cost.MergeGasUSD
	if cfg.Polygon.GasLimitMultiplier > 0 {
		polyCfg.GasLimitMultiplier = cfg.Polygon.GasLimitMultiplier
	}
	if cfg.Polygon.MergeGasUnits > 0 {
		polyCfg.MergeGasUnits = cfg.Polygon.MergeGasUnits
	}
	if cfg.Polygon.ReceiptTimeout.Duration > 0 {
		polyCfg.ReceiptTimeout = cfg.Polygon.ReceiptTimeout.Duration
	}
	ctf, err := polygon.Dial(ctx, cfg.Polygon.RPCURL, polyCfg, signer, logger.With(slog.String("component", "ctf")))
	if err != nil {
		return nil, nil, fmt.Errorf("app: polygon: %w", err)
	}

	logger.InfoContext(ctx, "app: live trading wallet ready",
		slog.String("address", signer.Address().Hex()),
		slog.Int("chain_id", cfg.Polymarket.ChainID),
	)
	return clob, ctf, nil
}
