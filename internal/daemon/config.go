// Package daemon holds the process-level configuration shared by the wallet
// and shop services.
package daemon

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Config is the top-level configuration, read from config.toml.
type Config struct {
	Wallet WalletConfig `toml:"wallet"`
	Shop   ShopConfig   `toml:"shop"`
	API    APIConfig    `toml:"api"`
	Log    LogConfig    `toml:"log"`
}

// WalletConfig configures the wallet service.
type WalletConfig struct {
	Addr         string `toml:"addr"`
	Driver       string `toml:"driver"` // "sqlite" or "postgres"
	DatabaseURL  string `toml:"database_url"`
	DataDir      string `toml:"data_dir"`
	WelcomeGrant int64  `toml:"welcome_grant"`
}

// ShopConfig configures the shop service and its reconciler.
type ShopConfig struct {
	Addr              string        `toml:"addr"`
	WalletURL         string        `toml:"wallet_url"`
	WalletTimeout     time.Duration `toml:"wallet_timeout"`
	DataDir           string        `toml:"data_dir"`
	ReconcileInterval time.Duration `toml:"reconcile_interval"`
	ReconcileGrace    time.Duration `toml:"reconcile_grace"`
	ReconcileWorkers  int           `toml:"reconcile_workers"`
}

// APIConfig is shared by both HTTP servers.
type APIConfig struct {
	CORSOrigins    []string      `toml:"cors_origins"`
	Metrics        bool          `toml:"metrics"`
	RequestTimeout time.Duration `toml:"request_timeout"`
}

// LogConfig selects the zap level and encoder.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // "json" or "console"
}

// Storage drivers for the wallet ledger.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() Config {
	home := Home()
	return Config{
		Wallet: WalletConfig{
			Addr:         "127.0.0.1:8081",
			Driver:       DriverSQLite,
			DataDir:      filepath.Join(home, "wallet"),
			WelcomeGrant: 200,
		},
		Shop: ShopConfig{
			Addr:              "127.0.0.1:8080",
			WalletURL:         "http://127.0.0.1:8081",
			WalletTimeout:     5 * time.Second,
			DataDir:           filepath.Join(home, "shop"),
			ReconcileInterval: 30 * time.Second,
			ReconcileGrace:    time.Minute,
			ReconcileWorkers:  4,
		},
		API: APIConfig{
			Metrics:        true,
			RequestTimeout: 15 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Home returns the EcoHub state directory ($ECOHUB_HOME or ~/.ecohub).
func Home() string {
	if env := os.Getenv("ECOHUB_HOME"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".ecohub")
}

// DefaultPath is the config file used when none is given.
func DefaultPath() string {
	return filepath.Join(Home(), "config.toml")
}

// ─── Loading ────────────────────────────────────────────────────────────────

// Load reads the config at path over the defaults. A missing file is not an
// error. A .env file in the working directory is loaded first, then ECOHUB_*
// variables override whatever the file set.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := DefaultConfig()
	if path == "" {
		path = DefaultPath()
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) error {
		v, ok := os.LookupEnv(key)
		if !ok {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
		return nil
	}

	str("ECOHUB_WALLET_ADDR", &c.Wallet.Addr)
	str("ECOHUB_WALLET_DRIVER", &c.Wallet.Driver)
	str("ECOHUB_DATABASE_URL", &c.Wallet.DatabaseURL)
	str("ECOHUB_WALLET_DATA_DIR", &c.Wallet.DataDir)
	str("ECOHUB_SHOP_ADDR", &c.Shop.Addr)
	str("ECOHUB_WALLET_URL", &c.Shop.WalletURL)
	str("ECOHUB_SHOP_DATA_DIR", &c.Shop.DataDir)
	str("ECOHUB_LOG_LEVEL", &c.Log.Level)
	str("ECOHUB_LOG_FORMAT", &c.Log.Format)

	if v, ok := os.LookupEnv("ECOHUB_WELCOME_GRANT"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("ECOHUB_WELCOME_GRANT: %w", err)
		}
		c.Wallet.WelcomeGrant = n
	}
	if v, ok := os.LookupEnv("ECOHUB_CORS_ORIGINS"); ok {
		c.API.CORSOrigins = nil
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				c.API.CORSOrigins = append(c.API.CORSOrigins, o)
			}
		}
	}

	for key, dst := range map[string]*time.Duration{
		"ECOHUB_WALLET_TIMEOUT":     &c.Shop.WalletTimeout,
		"ECOHUB_RECONCILE_INTERVAL": &c.Shop.ReconcileInterval,
		"ECOHUB_RECONCILE_GRACE":    &c.Shop.ReconcileGrace,
	} {
		if err := dur(key, dst); err != nil {
			return err
		}
	}
	return nil
}

// Validate rejects configs the services cannot start with.
func (c Config) Validate() error {
	switch c.Wallet.Driver {
	case DriverSQLite:
	case DriverPostgres:
		if c.Wallet.DatabaseURL == "" {
			return errors.New("wallet.database_url is required for the postgres driver")
		}
	default:
		return fmt.Errorf("wallet.driver %q: want %q or %q", c.Wallet.Driver, DriverSQLite, DriverPostgres)
	}
	if c.Wallet.WelcomeGrant < 0 {
		return errors.New("wallet.welcome_grant must not be negative")
	}
	if c.Shop.WalletTimeout <= 0 || c.Shop.ReconcileInterval <= 0 {
		return errors.New("shop.wallet_timeout and shop.reconcile_interval must be positive")
	}
	// A debit may still commit until the wallet's own request timeout fires.
	if c.Shop.ReconcileGrace <= c.API.RequestTimeout {
		return fmt.Errorf("shop.reconcile_grace (%s) must exceed api.request_timeout (%s)",
			c.Shop.ReconcileGrace, c.API.RequestTimeout)
	}
	if c.Shop.ReconcileWorkers <= 0 {
		return errors.New("shop.reconcile_workers must be positive")
	}
	return nil
}
