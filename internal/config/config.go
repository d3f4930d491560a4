// Package config defines the top-level configuration for the loan ledger
// service and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by LOANLEDGER_* environment variables.
type Config struct {
	Ledger    LedgerConfig    `toml:"ledger"`
	Wallet    WalletConfig    `toml:"wallet"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Reconcile ReconcileConfig `toml:"reconcile"`
	Monitor   MonitorConfig   `toml:"monitor"`
	Archive   ArchiveConfig   `toml:"archive"`
	Notify    NotifyConfig    `toml:"notify"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// LedgerConfig holds the lending contract endpoint and chain parameters.
type LedgerConfig struct {
	RPCURL          string   `toml:"rpc_url"`
	ContractAddress string   `toml:"contract_address"`
	CollateralToken string   `toml:"collateral_token"`
	ChainID         int64    `toml:"chain_id"`
	Confirmations   uint64   `toml:"confirmations"`
	MaxBlockRange   uint64   `toml:"max_block_range"`
	MaxRetries      uint     `toml:"max_retries"`
	ConfirmTimeout  duration `toml:"confirm_timeout"`
	GasLimit        uint64   `toml:"gas_limit"`
}

// WalletConfig holds the service wallet credentials used to sign ledger
// transactions.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ReconcileConfig holds event reconciliation parameters.
type ReconcileConfig struct {
	Interval duration `toml:"interval"`
	LockTTL  duration `toml:"lock_ttl"`
}

// MonitorConfig holds health and settlement monitor parameters.
type MonitorConfig struct {
	HealthInterval     duration `toml:"health_interval"`
	SettlementInterval duration `toml:"settlement_interval"`
	SettleDelay        duration `toml:"settle_delay"`
	ValuationMaxAge    duration `toml:"valuation_max_age"`
	ValuationCacheTTL  duration `toml:"valuation_cache_ttl"`
}

// ArchiveConfig holds cold-storage archival parameters.
type ArchiveConfig struct {
	Enabled   bool     `toml:"enabled"`
	Interval  duration `toml:"interval"`
	RetainFor duration `toml:"retain_for"`
	BatchSize int      `toml:"batch_size"`
}

// NotifyConfig holds notification channel credentials. Transitions filters
// which lifecycle transitions are forwarded; an empty list forwards all.
type NotifyConfig struct {
	TelegramToken  string   `toml:"telegram_token"`
	TelegramChatID string   `toml:"telegram_chat_id"`
	WebhookURL     string   `toml:"webhook_url"`
	Transitions    []string `toml:"transitions"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
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

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Ledger: LedgerConfig{
			ChainID:        8453,
			Confirmations:  5,
			MaxBlockRange:  2000,
			MaxRetries:     5,
			ConfirmTimeout: duration{2 * time.Minute},
			GasLimit:       500_000,
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "loanledger",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "loanledger-data",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Reconcile: ReconcileConfig{
			Interval: duration{30 * time.Second},
			LockTTL:  duration{30 * time.Second},
		},
		Monitor: MonitorConfig{
			HealthInterval:     duration{time.Minute},
			SettlementInterval: duration{5 * time.Minute},
			SettleDelay:        duration{10 * time.Minute},
			ValuationMaxAge:    duration{5 * time.Minute},
			ValuationCacheTTL:  duration{15 * time.Minute},
		},
		Archive: ArchiveConfig{
			Enabled:   false,
			Interval:  duration{24 * time.Hour},
			RetainFor: duration{90 * 24 * time.Hour},
			BatchSize: 1000,
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode. "sync" runs
// only the event reconciler, "monitor" adds the health and settlement
// sweeps, and "full" additionally runs the archiver.
var validModes = map[string]bool{
	"sync":    true,
	"monitor": true,
	"full":    true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: sync, monitor, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Ledger
	if c.Ledger.RPCURL == "" {
		errs = append(errs, "ledger: rpc_url must not be empty")
	}
	if c.Ledger.ContractAddress == "" {
		errs = append(errs, "ledger: contract_address must not be empty")
	}
	if c.Ledger.ChainID <= 0 {
		errs = append(errs, "ledger: chain_id must be positive")
	}
	if c.Ledger.MaxBlockRange == 0 {
		errs = append(errs, "ledger: max_block_range must be >= 1")
	}

	// Wallet is only needed in modes that write to the ledger.
	needsWallet := c.Mode == "monitor" || c.Mode == "full"
	if needsWallet {
		if c.Wallet.PrivateKey == "" && c.Wallet.EncryptedKeyPath == "" {
			errs = append(errs, "wallet: either private_key or encrypted_key_path must be set for mode "+c.Mode)
		}
		if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
			errs = append(errs, "wallet: key_password is required when encrypted_key_path is set")
		}
		if c.Ledger.CollateralToken == "" {
			errs = append(errs, "ledger: collateral_token must not be empty for mode "+c.Mode)
		}
	}

	// Postgres
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
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// Intervals
	if c.Reconcile.Interval.Duration <= 0 {
		errs = append(errs, "reconcile: interval must be positive")
	}
	if c.Monitor.HealthInterval.Duration <= 0 {
		errs = append(errs, "monitor: health_interval must be positive")
	}
	if c.Monitor.SettlementInterval.Duration <= 0 {
		errs = append(errs, "monitor: settlement_interval must be positive")
	}

	// Archive needs object storage.
	if c.Archive.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when archive is enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archive is enabled")
		}
		if c.Archive.Interval.Duration <= 0 {
			errs = append(errs, "archive: interval must be positive")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
