package daemon

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	t.Setenv("ECOHUB_HOME", "/var/lib/ecohub")
	cfg := DefaultConfig()

	if cfg.Wallet.Driver != DriverSQLite {
		t.Errorf("Wallet.Driver = %q, want %q", cfg.Wallet.Driver, DriverSQLite)
	}
	if cfg.Wallet.WelcomeGrant != 200 {
		t.Errorf("Wallet.WelcomeGrant = %d, want %d", cfg.Wallet.WelcomeGrant, 200)
	}
	if cfg.Wallet.DataDir != filepath.Join("/var/lib/ecohub", "wallet") {
		t.Errorf("Wallet.DataDir = %q", cfg.Wallet.DataDir)
	}
	if cfg.Shop.ReconcileInterval != 30*time.Second {
		t.Errorf("Shop.ReconcileInterval = %s, want 30s", cfg.Shop.ReconcileInterval)
	}
	if cfg.Shop.ReconcileWorkers != 4 {
		t.Errorf("Shop.ReconcileWorkers = %d, want %d", cfg.Shop.ReconcileWorkers, 4)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "info")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("DefaultConfig().Validate() = %v", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Wallet.WelcomeGrant != 200 {
		t.Errorf("WelcomeGrant = %d, want default 200", cfg.Wallet.WelcomeGrant)
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	data := `
[wallet]
addr = ":9001"
welcome_grant = 500

[shop]
wallet_url = "http://wallet:9001"
wallet_timeout = "2s"
reconcile_grace = "90s"

[api]
cors_origins = ["https://ecohub.example"]

[log]
level = "debug"
format = "console"
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Wallet.Addr != ":9001" {
		t.Errorf("Wallet.Addr = %q", cfg.Wallet.Addr)
	}
	if cfg.Wallet.WelcomeGrant != 500 {
		t.Errorf("WelcomeGrant = %d, want 500", cfg.Wallet.WelcomeGrant)
	}
	if cfg.Shop.WalletTimeout != 2*time.Second {
		t.Errorf("WalletTimeout = %s, want 2s", cfg.Shop.WalletTimeout)
	}
	if cfg.Shop.ReconcileGrace != 90*time.Second {
		t.Errorf("ReconcileGrace = %s, want 1m30s", cfg.Shop.ReconcileGrace)
	}
	if len(cfg.API.CORSOrigins) != 1 {
		t.Errorf("CORSOrigins = %v", cfg.API.CORSOrigins)
	}
	// Untouched keys keep their defaults.
	if cfg.Shop.ReconcileWorkers != 4 {
		t.Errorf("ReconcileWorkers = %d, want 4", cfg.Shop.ReconcileWorkers)
	}
}

func TestLoad_BadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[wallet\naddr ="), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load() should fail on malformed TOML")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("ECOHUB_WALLET_URL", "http://10.0.0.5:8081")
	t.Setenv("ECOHUB_WELCOME_GRANT", "50")
	t.Setenv("ECOHUB_RECONCILE_INTERVAL", "5s")
	t.Setenv("ECOHUB_LOG_LEVEL", "warn")
	t.Setenv("ECOHUB_CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("ECOHUB_WALLET_DRIVER", "postgres")
	t.Setenv("ECOHUB_DATABASE_URL", "postgres://localhost/ecohub")

	cfg, err := Load(filepath.Join(t.TempDir(), "config.toml"))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Shop.WalletURL != "http://10.0.0.5:8081" {
		t.Errorf("WalletURL = %q", cfg.Shop.WalletURL)
	}
	if cfg.Wallet.WelcomeGrant != 50 {
		t.Errorf("WelcomeGrant = %d, want 50", cfg.Wallet.WelcomeGrant)
	}
	if cfg.Shop.ReconcileInterval != 5*time.Second {
		t.Errorf("ReconcileInterval = %s, want 5s", cfg.Shop.ReconcileInterval)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level = %q, want warn", cfg.Log.Level)
	}
	if len(cfg.API.CORSOrigins) != 2 || cfg.API.CORSOrigins[1] != "https://b.example" {
		t.Errorf("CORSOrigins = %v", cfg.API.CORSOrigins)
	}
	if cfg.Wallet.Driver != DriverPostgres {
		t.Errorf("Driver = %q, want postgres", cfg.Wallet.Driver)
	}
}

func TestLoad_BadEnv(t *testing.T) {
	t.Setenv("ECOHUB_WALLET_TIMEOUT", "soon")
	_, err := Load(filepath.Join(t.TempDir(), "config.toml"))
	if err == nil || !strings.Contains(err.Error(), "ECOHUB_WALLET_TIMEOUT") {
		t.Errorf("Load() error = %v, want ECOHUB_WALLET_TIMEOUT parse error", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"postgres without url", func(c *Config) { c.Wallet.Driver = DriverPostgres }, false},
		{"postgres with url", func(c *Config) {
			c.Wallet.Driver = DriverPostgres
			c.Wallet.DatabaseURL = "postgres://x"
		}, true},
		{"unknown driver", func(c *Config) { c.Wallet.Driver = "mysql" }, false},
		{"negative grant", func(c *Config) { c.Wallet.WelcomeGrant = -1 }, false},
		{"grace shorter than request timeout", func(c *Config) { c.Shop.ReconcileGrace = 10 * time.Second }, false},
		{"no workers", func(c *Config) { c.Shop.ReconcileWorkers = 0 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); (err == nil) != tt.ok {
				t.Errorf("Validate() = %v, want ok=%v", err, tt.ok)
			}
		})
	}
}
