// Package config defines the top-level configuration for the arbitrage
// engine and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by POLYARB_* environment variables.
type Config struct {
	Wallet      WalletConfig      `toml:"wallet"`
	Polymarket  PolymarketConfig  `toml:"polymarket"`
	Polygon     PolygonConfig     `toml:"polygon"`
	Feed        FeedConfig        `toml:"feed"`
	Cost        CostConfig        `toml:"cost"`
	Binary      DetectorConfig    `toml:"binary"`
	Categorical CategoricalConfig `toml:"categorical"`
	Detector    CoordinatorConfig `toml:"detector"`
	Executor    ExecutorConfig    `toml:"executor"`
	Merger      MergerConfig      `toml:"merger"`
	Risk        RiskConfig        `toml:"risk"`
	Catalog     CatalogConfig     `toml:"catalog"`
	Postgres    PostgresConfig    `toml:"postgres"`
	Redis       RedisConfig       `toml:"redis"`
	S3          S3Config          `toml:"s3"`
	Archive     ArchiveConfig     `toml:"archive"`
	Notify      NotifyConfig      `toml:"notify"`
	Server      ServerConfig      `toml:"server"`
	Mode        string            `toml:"mode"`
	LogLevel    string            `toml:"log_level"`
}

// WalletConfig holds the signing key and the optional L2 API credentials.
// When the API credentials are empty they are derived from the key at
// startup.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
	APIKey           string `toml:"api_key"`
	APISecret        string `toml:"api_secret"`
	APIPassphrase    string `toml:"api_passphrase"`
}

// PolymarketConfig holds exchange endpoints and order signing parameters.
type PolymarketConfig struct {
	ClobHost        string   `toml:"clob_host"`
	GammaHost       string   `toml:"gamma_host"`
	WsHost          string   `toml:"ws_host"`
	ChainID         int      `toml:"chain_id"`
	TickSize        string   `toml:"tick_size"`
	Exchange        string   `toml:"exchange"`
	NegRiskExchange string   `toml:"neg_risk_exchange"`
	RequestTimeout  duration `toml:"request_timeout"`
}

// PolygonConfig holds the RPC endpoint, contract addresses and gas policy
// for on-chain merges.
type PolygonConfig struct {
	RPCURL             string   `toml:"rpc_url"`
	ConditionalTokens  string   `toml:"conditional_tokens"`
	NegRiskAdapter     string   `toml:"neg_risk_adapter"`
	Collateral         string   `toml:"collateral"`
	MaticPriceUSD      float64  `toml:"matic_price_usd"`
	GasLimitMultiplier float64  `toml:"gas_limit_multiplier"`
	MergeGasUnits      uint64   `toml:"merge_gas_units"`
	ReceiptTimeout     duration `toml:"receipt_timeout"`
}

// FeedConfig tunes the market data websocket.
type FeedConfig struct {
	BatchSize             int      `toml:"batch_size"`
	BatchDelay            duration `toml:"batch_delay"`
	InitialReconnectDelay duration `toml:"initial_reconnect_delay"`
	MaxReconnectDelay     duration `toml:"max_reconnect_delay"`
	MaxReconnectAttempts  int      `toml:"max_reconnect_attempts"`
	MirrorBooks           bool     `toml:"mirror_books"`
	MirrorTTL             duration `toml:"mirror_ttl"`
}

// CostConfig holds the execution cost assumptions.
type CostConfig struct {
	TakerFeeBps        float64  `toml:"taker_fee_bps"`
	MakerFeeBps        float64  `toml:"maker_fee_bps"`
	MergeGasUSD        float64  `toml:"merge_gas_usd"`
	SwapSpreadBps      float64  `toml:"swap_spread_bps"`
	SafetyBufferBps    float64  `toml:"safety_buffer_bps"`
	GasRefreshInterval duration `toml:"gas_refresh_interval"`
}

// DetectorConfig holds the thresholds for binary markets.
type DetectorConfig struct {
	MinEdgeBps float64 `toml:"min_edge_bps"`
	MinSize    float64 `toml:"min_size"`
	MaxSize    float64 `toml:"max_size"`
	IsMaker    bool    `toml:"is_maker"`
}

// CategoricalConfig holds the thresholds for markets with more than two
// outcomes.
type CategoricalConfig struct {
	DetectorConfig
	MaxOutcomes int `toml:"max_outcomes"`
}

// CoordinatorConfig tunes opportunity routing.
type CoordinatorConfig struct {
	Cooldown        duration `toml:"cooldown"`
	CooldownEntries int      `toml:"cooldown_entries"`
	ScanHistory     int      `toml:"scan_history"`
	QueueSize       int      `toml:"queue_size"`
	StatsInterval   duration `toml:"stats_interval"`
	ScanInterval    duration `toml:"scan_interval"`
	ScanTop         int      `toml:"scan_top"`
}

// ExecutorConfig tunes the order saga.
type ExecutorConfig struct {
	MaxConcurrentTrades int      `toml:"max_concurrent_trades"`
	FillTimeout         duration `toml:"fill_timeout"`
	PollInterval        duration `toml:"poll_interval"`
	CancelTimeout       duration `toml:"cancel_timeout"`
	PlaceTimeout        duration `toml:"place_timeout"`
	HistorySize         int      `toml:"history_size"`
	OrderType           string   `toml:"order_type"`
	ShutdownTimeout     duration `toml:"shutdown_timeout"`
}

// MergerConfig tunes settlement.
type MergerConfig struct {
	MinMergeAmount float64  `toml:"min_merge_amount"`
	MaxRetries     int      `toml:"max_retries"`
	BaseBackoff    duration `toml:"base_backoff"`
	HistorySize    int      `toml:"history_size"`
	LockTTL        duration `toml:"lock_ttl"`
}

// RiskConfig holds the pre-trade gates.
type RiskConfig struct {
	KillSwitch      bool     `toml:"kill_switch"`
	MinBalanceUSD   float64  `toml:"min_balance_usd"`
	MaxNotionalUSD  float64  `toml:"max_notional_usd"`
	BalanceCacheTTL duration `toml:"balance_cache_ttl"`
	PaperBalanceUSD float64  `toml:"paper_balance_usd"`
}

// CatalogConfig tunes the market catalog refresh.
type CatalogConfig struct {
	RefreshInterval duration `toml:"refresh_interval"`
	MinLiquidity    float64  `toml:"min_liquidity"`
	MaxMarkets      int      `toml:"max_markets"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Enabled         bool     `toml:"enabled"`
	DSN             string   `toml:"dsn"`
	Host            string   `toml:"host"`
	Port            int      `toml:"port"`
	Database        string   `toml:"database"`
	User            string   `toml:"user"`
	Password        string   `toml:"password"`
	SSLMode         string   `toml:"ssl_mode"`
	PoolMaxConns    int      `toml:"pool_max_conns"`
	PoolMinConns    int      `toml:"pool_min_conns"`
	MaxConnLifetime duration `toml:"max_conn_lifetime"`
	RunMigrations   bool     `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	KeyPrefix  string `toml:"key_prefix"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ArchiveConfig schedules the trade-history export.
type ArchiveConfig struct {
	Enabled  bool   `toml:"enabled"`
	Cron     string `toml:"cron"`
	Prefix   string `toml:"prefix"`
	PageSize int    `toml:"page_size"`
	// LookbackDays is how many complete days each run covers. Days that are
	// already archived are skipped, so a larger value only backfills gaps.
	LookbackDays int `toml:"lookback_days"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled bool   `toml:"enabled"`
	Port    int    `toml:"port"`
	APIKey  string `toml:"api_key"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Polymarket: PolymarketConfig{
			ClobHost:        "https://clob.polymarket.com",
			GammaHost:       "https://gamma-api.polymarket.com",
			WsHost:          "wss://ws-subscriptions-clob.polymarket.com/ws/market",
			ChainID:         137,
			TickSize:        "0.01",
			Exchange:        "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E",
			NegRiskExchange: "0xC5d563A36AE78145C45a50134d48A1215220f80a",
			RequestTimeout:  duration{10 * time.Second},
		},
		Polygon: PolygonConfig{
			RPCURL:             "https://polygon-rpc.com",
			ConditionalTokens:  "0x4D97DCd97eC945f40cF65F87097ACe5EA0476045",
			NegRiskAdapter:     "0xd91E80cF2E7be2e162c6513ceD06f1dD0dA35296",
			Collateral:         "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174",
			MaticPriceUSD:      0.50,
			GasLimitMultiplier: 1.2,
			MergeGasUnits:      80_000,
			ReceiptTimeout:     duration{120 * time.Second},
		},
		Feed: FeedConfig{
			BatchSize:             100,
			BatchDelay:            duration{100 * time.Millisecond},
			InitialReconnectDelay: duration{time.Second},
			MaxReconnectDelay:     duration{60 * time.Second},
			MaxReconnectAttempts:  10,
			MirrorTTL:             duration{10 * time.Minute},
		},
		Cost: CostConfig{
			TakerFeeBps:        20,
			MakerFeeBps:        0,
			MergeGasUSD:        0.02,
			SwapSpreadBps:      5,
			SafetyBufferBps:    10,
			GasRefreshInterval: duration{5 * time.Minute},
		},
		Binary: DetectorConfig{
			MinEdgeBps: 50,
			MinSize:    10,
			MaxSize:    100,
		},
		Categorical: CategoricalConfig{
			DetectorConfig: DetectorConfig{
				MinEdgeBps: 100,
				MinSize:    5,
				MaxSize:    50,
			},
			MaxOutcomes: 10,
		},
		Detector: CoordinatorConfig{
			Cooldown:        duration{5 * time.Second},
			CooldownEntries: 10_000,
			ScanHistory:     100,
			QueueSize:       256,
			StatsInterval:   duration{60 * time.Second},
			ScanInterval:    duration{30 * time.Second},
			ScanTop:         5,
		},
		Executor: ExecutorConfig{
			MaxConcurrentTrades: 5,
			FillTimeout:         duration{30 * time.Second},
			PollInterval:        duration{500 * time.Millisecond},
			CancelTimeout:       duration{5 * time.Second},
			PlaceTimeout:        duration{10 * time.Second},
			HistorySize:         100,
			OrderType:           "GTC",
			ShutdownTimeout:     duration{30 * time.Second},
		},
		Merger: MergerConfig{
			MinMergeAmount: 1.0,
			MaxRetries:     3,
			BaseBackoff:    duration{time.Second},
			HistorySize:    100,
			LockTTL:        duration{3 * time.Minute},
		},
		Risk: RiskConfig{
			MinBalanceUSD:   10,
			MaxNotionalUSD:  500,
			BalanceCacheTTL: duration{60 * time.Second},
			PaperBalanceUSD: 1_000,
		},
		Catalog: CatalogConfig{
			RefreshInterval: duration{300 * time.Second},
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "polyarb",
			User:            "postgres",
			SSLMode:         "disable",
			PoolMaxConns:    10,
			PoolMinConns:    2,
			MaxConnLifetime: duration{time.Hour},
			RunMigrations:   true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			KeyPrefix:  "polyarb",
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "polyarb-data",
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			Cron:         "15 0 * * *",
			Prefix:       "polyarb",
			PageSize:     500,
			LookbackDays: 3,
		},
		Server: ServerConfig{
			Enabled: true,
			Port:    8000,
		},
		Notify: NotifyConfig{
			Events: []string{"trade_completed", "trade_failed", "merge_failed"},
		},
		Mode:     "scan",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"run":   true,
	"scan":  true,
	"paper": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validOrderTypes = map[string]bool{
	"GTC": true,
	"FOK": true,
	"FAK": true,
}

// NeedsWallet reports whether the mode places real orders.
func (c *Config) NeedsWallet() bool {
	return strings.EqualFold(c.Mode, "run")
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: run, scan, paper)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Wallet is only needed when real orders are placed.
	if c.NeedsWallet() {
		if c.Wallet.PrivateKey == "" && c.Wallet.EncryptedKeyPath == "" {
			errs = append(errs, "wallet: either private_key or encrypted_key_path must be set for mode "+c.Mode)
		}
		if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
			errs = append(errs, "wallet: key_password is required when encrypted_key_path is set")
		}
		if c.Polygon.RPCURL == "" {
			errs = append(errs, "polygon: rpc_url must not be empty for mode "+c.Mode)
		}
	}
	// L2 credentials are all-or-nothing.
	ak := c.Wallet.APIKey != ""
	as := c.Wallet.APISecret != ""
	ap := c.Wallet.APIPassphrase != ""
	if (ak || as || ap) && !(ak && as && ap) {
		errs = append(errs, "wallet: api_key, api_secret, and api_passphrase must all be set together")
	}

	if c.Polymarket.ClobHost == "" {
		errs = append(errs, "polymarket: clob_host must not be empty")
	}
	if c.Polymarket.GammaHost == "" {
		errs = append(errs, "polymarket: gamma_host must not be empty")
	}
	if c.Polymarket.WsHost == "" {
		errs = append(errs, "polymarket: ws_host must not be empty")
	}
	if c.Polymarket.ChainID <= 0 {
		errs = append(errs, "polymarket: chain_id must be positive")
	}
	for name, addr := range map[string]string{
		"polymarket: exchange":          c.Polymarket.Exchange,
		"polymarket: neg_risk_exchange": c.Polymarket.NegRiskExchange,
		"polygon: conditional_tokens":   c.Polygon.ConditionalTokens,
		"polygon: neg_risk_adapter":     c.Polygon.NegRiskAdapter,
		"polygon: collateral":           c.Polygon.Collateral,
	} {
		if !common.IsHexAddress(addr) {
			errs = append(errs, fmt.Sprintf("%s is not a hex address: %q", name, addr))
		}
	}
	if c.Polygon.MaticPriceUSD <= 0 {
		errs = append(errs, "polygon: matic_price_usd must be > 0")
	}

	if c.Cost.TakerFeeBps < 0 || c.Cost.MakerFeeBps < 0 || c.Cost.SwapSpreadBps < 0 || c.Cost.SafetyBufferBps < 0 {
		errs = append(errs, "cost: basis-point parameters must be >= 0")
	}
	if c.Cost.MergeGasUSD < 0 {
		errs = append(errs, "cost: merge_gas_usd must be >= 0")
	}

	errs = append(errs, c.Binary.validate("binary")...)
	errs = append(errs, c.Categorical.validate("categorical")...)
	if c.Categorical.MaxOutcomes < 3 {
		errs = append(errs, "categorical: max_outcomes must be >= 3")
	}

	if c.Detector.Cooldown.Duration < 0 {
		errs = append(errs, "detector: cooldown must be >= 0")
	}
	if c.Detector.StatsInterval.Duration < time.Second || c.Detector.ScanInterval.Duration < time.Second {
		errs = append(errs, "detector: stats_interval and scan_interval must be >= 1s")
	}
	if c.Detector.ScanTop < 0 {
		errs = append(errs, "detector: scan_top must be >= 0")
	}

	if c.Executor.MaxConcurrentTrades < 1 {
		errs = append(errs, "executor: max_concurrent_trades must be >= 1")
	}
	if c.Executor.FillTimeout.Duration <= 0 || c.Executor.PollInterval.Duration <= 0 {
		errs = append(errs, "executor: fill_timeout and poll_interval must be > 0")
	}
	if !validOrderTypes[strings.ToUpper(c.Executor.OrderType)] {
		errs = append(errs, fmt.Sprintf("executor: unknown order_type %q (valid: GTC, FOK, FAK)", c.Executor.OrderType))
	}

	if c.Merger.MaxRetries < 1 {
		errs = append(errs, "merger: max_retries must be >= 1")
	}
	if c.Merger.MinMergeAmount < 0 {
		errs = append(errs, "merger: min_merge_amount must be >= 0")
	}

	if c.Risk.MinBalanceUSD < 0 || c.Risk.MaxNotionalUSD < 0 {
		errs = append(errs, "risk: min_balance_usd and max_notional_usd must be >= 0")
	}

	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must be between 0 and pool_max_conns")
		}
	}

	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
	}

	if c.Archive.Enabled {
		if !c.S3.Enabled || !c.Postgres.Enabled {
			errs = append(errs, "archive: requires both s3 and postgres to be enabled")
		}
		if strings.TrimSpace(c.Archive.Cron) == "" {
			errs = append(errs, "archive: cron must not be empty")
		}
		if c.Archive.LookbackDays < 1 {
			errs = append(errs, "archive: lookback_days must be >= 1")
		}
	}

	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func (d DetectorConfig) validate(section string) []string {
	var errs []string
	if d.MinEdgeBps < 0 {
		errs = append(errs, section+": min_edge_bps must be >= 0")
	}
	if d.MinSize <= 0 {
		errs = append(errs, section+": min_size must be > 0")
	}
	if d.MaxSize < d.MinSize {
		errs = append(errs, section+": max_size must be >= min_size")
	}
	return errs
}
