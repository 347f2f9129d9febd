package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ecohub/rewards/internal/domain"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// ─── Migration Tests ────────────────────────────────────────────────────────

func TestMigrations_TablesExist(t *testing.T) {
	db := newTestDB(t)

	tables := []string{
		"accounts",
		"ledger_entries",
		"products",
		"stock_reservations",
		"orders",
		"purchase_attempts",
	}
	for _, tbl := range tables {
		t.Run(tbl, func(t *testing.T) {
			var name string
			err := db.db.QueryRow(
				`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, tbl,
			).Scan(&name)
			if err != nil {
				t.Fatalf("table %s not found: %v", tbl, err)
			}
		})
	}
}

func TestOpen_Reopen(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	if db.Path() != filepath.Join(dir, FileName) {
		t.Errorf("Path() = %q, want %q", db.Path(), filepath.Join(dir, FileName))
	}
	db.Close()

	// Migrations are idempotent.
	db, err = Open(dir)
	if err != nil {
		t.Fatalf("second Open() error: %v", err)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		t.Errorf("Ping() error: %v", err)
	}
}

// ─── Read Pool Tests ────────────────────────────────────────────────────────

func TestReadPool_QueryOnly(t *testing.T) {
	db := newTestDB(t)
	if _, err := db.rdb.Exec(`DELETE FROM accounts`); err == nil {
		t.Error("write through the read pool succeeded, want query_only refusal")
	}
}

func TestReadPool_NotBlockedByWriter(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	if _, _, err := db.CreateAccount(ctx, "alice", 200); err != nil {
		t.Fatal(err)
	}

	// Hold the only writer connection with an open write transaction.
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `UPDATE accounts SET balance = 0 WHERE account_id = 'alice'`); err != nil {
		t.Fatal(err)
	}

	rctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	b, err := db.GetBalance(rctx, "alice")
	if err != nil {
		t.Fatalf("GetBalance() during a write transaction: %v", err)
	}
	if b.Balance != 200 {
		t.Errorf("Balance = %d, want committed 200", b.Balance)
	}
	if _, err := db.History(rctx, "alice", domain.HistoryQuery{}); err != nil {
		t.Errorf("History() during a write transaction: %v", err)
	}
}
