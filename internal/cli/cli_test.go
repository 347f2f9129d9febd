package cli

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/ecohub/rewards/internal/daemon"
	"github.com/ecohub/rewards/internal/infra/sqlite"
)

func writeFile(t *testing.T, name, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestReadCatalog(t *testing.T) {
	path := writeFile(t, "products.yaml", `
products:
  - id: 7
    name: Tote bag
    price: 30
    stock: 5
  - name: Beeswax wraps
    description: set of three
    price: 55
    stock: 12
`)
	products, err := readCatalog(path)
	if err != nil {
		t.Fatalf("readCatalog() error: %v", err)
	}
	if len(products) != 2 {
		t.Fatalf("len(products) = %d, want 2", len(products))
	}
	if products[0].ID != 7 || products[1].Description != "set of three" {
		t.Errorf("products = %+v", products)
	}
}

func TestReadCatalog_Invalid(t *testing.T) {
	tests := map[string]string{
		"bad yaml":   "products: [",
		"zero price": "products:\n  - name: Free lunch\n    price: 0\n",
		"no name":    "products:\n  - price: 10\n",
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := readCatalog(writeFile(t, "p.yaml", data)); err == nil {
				t.Error("readCatalog() should fail")
			}
		})
	}
}

func TestSeedCatalog_Idempotent(t *testing.T) {
	db, err := sqlite.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	products, err := readCatalog(filepath.Join("..", "..", "products.yaml"))
	if err != nil {
		t.Fatalf("readCatalog(products.yaml) error: %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := seedCatalog(ctx, db, products); err != nil {
			t.Fatalf("seed pass %d: %v", i, err)
		}
	}
	list, err := db.ListProducts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != len(products) {
		t.Errorf("catalog has %d products after two seeds, want %d", len(list), len(products))
	}
}

func TestCommandTree(t *testing.T) {
	for _, path := range [][]string{
		{"wallet", "serve"},
		{"wallet", "verify"},
		{"wallet", "history"},
		{"shop", "serve"},
		{"shop", "seed"},
		{"reconcile"},
	} {
		cmd, _, err := rootCmd.Find(path)
		if err != nil || cmd == rootCmd {
			t.Errorf("command %v not registered (err %v)", path, err)
		}
	}
}

func TestVerifyCommand(t *testing.T) {
	home := t.TempDir()
	t.Setenv("ECOHUB_HOME", home)
	t.Setenv("ECOHUB_LOG_LEVEL", "error")

	cfg := daemon.DefaultConfig()
	db, err := sqlite.Open(cfg.Wallet.DataDir)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := db.CreateAccount(context.Background(), "alice", 200); err != nil {
		t.Fatal(err)
	}
	db.Close()

	configPath = filepath.Join(home, "config.toml")
	defer func() { configPath = "" }()
	walletVerifyCmd.SetContext(context.Background())

	if err := runWalletVerify(walletVerifyCmd, []string{"alice"}); err != nil {
		t.Errorf("verify alice: %v", err)
	}
	if err := runWalletVerify(walletVerifyCmd, []string{"nobody"}); err == nil {
		t.Error("verify of an unknown account should fail")
	}
}
