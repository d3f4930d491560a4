package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies LOANLEDGER_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known LOANLEDGER_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Ledger ──
	setStr(&cfg.Ledger.RPCURL, "LOANLEDGER_LEDGER_RPC_URL")
	setStr(&cfg.Ledger.ContractAddress, "LOANLEDGER_LEDGER_CONTRACT_ADDRESS")
	setStr(&cfg.Ledger.CollateralToken, "LOANLEDGER_LEDGER_COLLATERAL_TOKEN")
	setInt64(&cfg.Ledger.ChainID, "LOANLEDGER_LEDGER_CHAIN_ID")
	setUint64(&cfg.Ledger.Confirmations, "LOANLEDGER_LEDGER_CONFIRMATIONS")
	setUint64(&cfg.Ledger.MaxBlockRange, "LOANLEDGER_LEDGER_MAX_BLOCK_RANGE")
	setUint(&cfg.Ledger.MaxRetries, "LOANLEDGER_LEDGER_MAX_RETRIES")
	setDuration(&cfg.Ledger.ConfirmTimeout, "LOANLEDGER_LEDGER_CONFIRM_TIMEOUT")
	setUint64(&cfg.Ledger.GasLimit, "LOANLEDGER_LEDGER_GAS_LIMIT")

	// ── Wallet ──
	setStr(&cfg.Wallet.PrivateKey, "LOANLEDGER_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.EncryptedKeyPath, "LOANLEDGER_WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "LOANLEDGER_WALLET_KEY_PASSWORD")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "LOANLEDGER_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "LOANLEDGER_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "LOANLEDGER_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "LOANLEDGER_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "LOANLEDGER_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "LOANLEDGER_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "LOANLEDGER_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "LOANLEDGER_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "LOANLEDGER_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "LOANLEDGER_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "LOANLEDGER_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "LOANLEDGER_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "LOANLEDGER_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "LOANLEDGER_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "LOANLEDGER_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "LOANLEDGER_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "LOANLEDGER_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "LOANLEDGER_S3_REGION")
	setStr(&cfg.S3.Bucket, "LOANLEDGER_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "LOANLEDGER_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "LOANLEDGER_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "LOANLEDGER_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "LOANLEDGER_S3_FORCE_PATH_STYLE")

	// ── Reconcile ──
	setDuration(&cfg.Reconcile.Interval, "LOANLEDGER_RECONCILE_INTERVAL")
	setDuration(&cfg.Reconcile.LockTTL, "LOANLEDGER_RECONCILE_LOCK_TTL")

	// ── Monitor ──
	setDuration(&cfg.Monitor.HealthInterval, "LOANLEDGER_MONITOR_HEALTH_INTERVAL")
	setDuration(&cfg.Monitor.SettlementInterval, "LOANLEDGER_MONITOR_SETTLEMENT_INTERVAL")
	setDuration(&cfg.Monitor.SettleDelay, "LOANLEDGER_MONITOR_SETTLE_DELAY")
	setDuration(&cfg.Monitor.ValuationMaxAge, "LOANLEDGER_MONITOR_VALUATION_MAX_AGE")
	setDuration(&cfg.Monitor.ValuationCacheTTL, "LOANLEDGER_MONITOR_VALUATION_CACHE_TTL")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "LOANLEDGER_ARCHIVE_ENABLED")
	setDuration(&cfg.Archive.Interval, "LOANLEDGER_ARCHIVE_INTERVAL")
	setDuration(&cfg.Archive.RetainFor, "LOANLEDGER_ARCHIVE_RETAIN_FOR")
	setInt(&cfg.Archive.BatchSize, "LOANLEDGER_ARCHIVE_BATCH_SIZE")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "LOANLEDGER_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "LOANLEDGER_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.WebhookURL, "LOANLEDGER_NOTIFY_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Transitions, "LOANLEDGER_NOTIFY_TRANSITIONS")

	// ── Top-level ──
	setStr(&cfg.Mode, "LOANLEDGER_MODE")
	setStr(&cfg.LogLevel, "LOANLEDGER_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setUint(dst *uint, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			*dst = uint(n)
		}
	}
}

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
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
