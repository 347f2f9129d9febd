// Package sqlite is the embedded persistence layer: the reward ledger for the
// wallet service and the catalog, orders and purchase journal for the shop.
package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// FileName is the database file created inside the data directory.
const FileName = "ecohub.db"

// ReadConns is the size of the read-only pool.
const ReadConns = 4

// DB wraps two SQLite pools over one WAL database: a single writer and a
// small query-only pool, so balance, history and catalog reads do not queue
// behind writes.
type DB struct {
	db   *sql.DB
	rdb  *sql.DB
	path string
}

// Open opens (or creates) the database in dir and applies all migrations.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dir, FileName)

	// _txlock=immediate takes the write lock at BEGIN.
	dsn := "file:" + path +
		"?_pragma=busy_timeout(5000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=foreign_keys(1)" +
		"&_txlock=immediate"

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time; writers queue on the pool instead of SQLITE_BUSY.
	sqlDB.SetMaxOpenConns(1)

	db := &DB{db: sqlDB, path: path}
	if err := db.migrate(); err != nil {
		sqlDB.Close()
		return nil, err
	}

	readDB, err := sql.Open("sqlite", "file:"+path+
		"?_pragma=busy_timeout(5000)"+
		"&_pragma=query_only(1)")
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("open sqlite reader: %w", err)
	}
	readDB.SetMaxOpenConns(ReadConns)
	db.rdb = readDB
	return db, nil
}

// Close closes both pools.
func (db *DB) Close() error {
	rerr := db.rdb.Close()
	if err := db.db.Close(); err != nil {
		return err
	}
	return rerr
}

// Path returns the database file path.
func (db *DB) Path() string { return db.path }

// Ping checks both pools are reachable.
func (db *DB) Ping() error {
	if err := db.rdb.Ping(); err != nil {
		return err
	}
	return db.db.Ping()
}

func (db *DB) migrate() error {
	stmts := append(LedgerMigrations(), ShopMigrations()...)
	for _, stmt := range stmts {
		if _, err := db.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// ─── Time Encoding ──────────────────────────────────────────────────────────
// Timestamps are stored as Unix nanoseconds.

func toNanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
