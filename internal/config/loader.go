package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "POLYARB_"

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies POLYARB_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after
// Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known POLYARB_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	// ── Wallet ──
	setStr(&cfg.Wallet.PrivateKey, "WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.EncryptedKeyPath, "WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "WALLET_KEY_PASSWORD")
	setStr(&cfg.Wallet.APIKey, "WALLET_API_KEY")
	setStr(&cfg.Wallet.APISecret, "WALLET_API_SECRET")
	setStr(&cfg.Wallet.APIPassphrase, "WALLET_API_PASSPHRASE")

	// ── Polymarket ──
	setStr(&cfg.Polymarket.ClobHost, "POLYMARKET_CLOB_HOST")
	setStr(&cfg.Polymarket.GammaHost, "POLYMARKET_GAMMA_HOST")
	setStr(&cfg.Polymarket.WsHost, "POLYMARKET_WS_HOST")
	setInt(&cfg.Polymarket.ChainID, "POLYMARKET_CHAIN_ID")
	setStr(&cfg.Polymarket.TickSize, "POLYMARKET_TICK_SIZE")

	// ── Polygon ──
	setStr(&cfg.Polygon.RPCURL, "POLYGON_RPC_URL")
	setFloat64(&cfg.Polygon.MaticPriceUSD, "POLYGON_MATIC_PRICE_USD")

	// ── Feed ──
	setBool(&cfg.Feed.MirrorBooks, "FEED_MIRROR_BOOKS")
	setInt(&cfg.Feed.MaxReconnectAttempts, "FEED_MAX_RECONNECT_ATTEMPTS")

	// ── Cost ──
	setFloat64(&cfg.Cost.TakerFeeBps, "COST_TAKER_FEE_BPS")
	setFloat64(&cfg.Cost.MakerFeeBps, "COST_MAKER_FEE_BPS")
	setFloat64(&cfg.Cost.MergeGasUSD, "COST_MERGE_GAS_USD")
	setFloat64(&cfg.Cost.SwapSpreadBps, "COST_SWAP_SPREAD_BPS")
	setFloat64(&cfg.Cost.SafetyBufferBps, "COST_SAFETY_BUFFER_BPS")

	// ── Detectors ──
	setFloat64(&cfg.Binary.MinEdgeBps, "BINARY_MIN_EDGE_BPS")
	setFloat64(&cfg.Binary.MaxSize, "BINARY_MAX_SIZE")
	setFloat64(&cfg.Categorical.MinEdgeBps, "CATEGORICAL_MIN_EDGE_BPS")
	setFloat64(&cfg.Categorical.MaxSize, "CATEGORICAL_MAX_SIZE")
	setInt(&cfg.Categorical.MaxOutcomes, "CATEGORICAL_MAX_OUTCOMES")
	setDuration(&cfg.Detector.Cooldown, "DETECTOR_COOLDOWN")

	// ── Executor / Merger ──
	setInt(&cfg.Executor.MaxConcurrentTrades, "EXECUTOR_MAX_CONCURRENT_TRADES")
	setDuration(&cfg.Executor.FillTimeout, "EXECUTOR_FILL_TIMEOUT")
	setStr(&cfg.Executor.OrderType, "EXECUTOR_ORDER_TYPE")
	setFloat64(&cfg.Merger.MinMergeAmount, "MERGER_MIN_MERGE_AMOUNT")
	setInt(&cfg.Merger.MaxRetries, "MERGER_MAX_RETRIES")

	// ── Risk ──
	setBool(&cfg.Risk.KillSwitch, "RISK_KILL_SWITCH")
	setFloat64(&cfg.Risk.MinBalanceUSD, "RISK_MIN_BALANCE_USD")
	setFloat64(&cfg.Risk.MaxNotionalUSD, "RISK_MAX_NOTIONAL_USD")

	// ── Catalog ──
	setDuration(&cfg.Catalog.RefreshInterval, "CATALOG_REFRESH_INTERVAL")
	setFloat64(&cfg.Catalog.MinLiquidity, "CATALOG_MIN_LIQUIDITY")
	setInt(&cfg.Catalog.MaxMarkets, "CATALOG_MAX_MARKETS")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "REDIS_ADDR")
	setStr(&cfg.Redis.Password, "REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "REDIS_POOL_SIZE")
	setBool(&cfg.Redis.TLSEnabled, "REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "REDIS_KEY_PREFIX")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "S3_ENDPOINT")
	setStr(&cfg.S3.Region, "S3_REGION")
	setStr(&cfg.S3.Bucket, "S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "S3_FORCE_PATH_STYLE")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "ARCHIVE_ENABLED")
	setStr(&cfg.Archive.Cron, "ARCHIVE_CRON")
	setStr(&cfg.Archive.Prefix, "ARCHIVE_PREFIX")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "SERVER_ENABLED")
	setInt(&cfg.Server.Port, "SERVER_PORT")
	setStr(&cfg.Server.APIKey, "SERVER_API_KEY")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "MODE")
	setStr(&cfg.LogLevel, "LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty. Keys are given without EnvPrefix.
// ---------------------------------------------------------------------------

func getenv(key string) string { return os.Getenv(EnvPrefix + key) }

func setStr(dst *string, key string) {
	if v := getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
