// Package postgres is the networked ledger store, selected with
// wallet.driver = "postgres" when several wallet replicas share one database.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ecohub/rewards/internal/domain"
)

// Store implements domain.LedgerStore over a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

var _ domain.LedgerStore = (*Store)(nil)

// Connect opens a pool for databaseURL, checks connectivity and applies the
// ledger schema.
func Connect(ctx context.Context, databaseURL string) (*Store, error) {
	if databaseURL == "" {
		return nil, errors.New("database url is not set")
	}
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 0
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the pool.
func (s *Store) Close() { s.pool.Close() }

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// ─── Schema ─────────────────────────────────────────────────────────────────

// Migrations returns the ledger schema statements.
func Migrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			account_id TEXT PRIMARY KEY,
			balance    BIGINT NOT NULL CHECK (balance >= 0),
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ledger_entries (
			id            BIGSERIAL PRIMARY KEY,
			account_id    TEXT NOT NULL REFERENCES accounts(account_id),
			kind          TEXT NOT NULL CHECK (kind IN ('CREDIT', 'DEBIT')),
			amount        BIGINT NOT NULL CHECK (amount > 0),
			source        TEXT NOT NULL,
			note          TEXT NOT NULL DEFAULT '',
			reference     TEXT,
			balance_after BIGINT NOT NULL,
			created_at    TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_account ON ledger_entries(account_id, id)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_reference
			ON ledger_entries(account_id, reference) WHERE reference IS NOT NULL`,
	}
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range Migrations() {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// ─── Accounts ───────────────────────────────────────────────────────────────

// CreateAccount inserts the account and its signup grant in one transaction.
func (s *Store) CreateAccount(ctx context.Context, accountID string, grant int64) (domain.Balance, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.Balance{}, false, err
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	tag, err := tx.Exec(ctx, `
		INSERT INTO accounts (account_id, balance, created_at, updated_at)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (account_id) DO NOTHING`, accountID, grant, now)
	if err != nil {
		return domain.Balance{}, false, fmt.Errorf("insert account: %w", err)
	}
	created := tag.RowsAffected() == 1

	if created && grant > 0 {
		_, err = tx.Exec(ctx, `
			INSERT INTO ledger_entries (account_id, kind, amount, source, note, reference, balance_after, created_at)
			VALUES ($1, 'CREDIT', $2, $3, 'welcome grant', $4, $2, $5)`,
			accountID, grant, string(domain.SourceSignupBonus), domain.SignupReference, now)
		if err != nil {
			return domain.Balance{}, false, fmt.Errorf("insert signup entry: %w", err)
		}
	}

	b, err := scanBalance(tx.QueryRow(ctx, balanceSelect+` WHERE account_id = $1`, accountID))
	if err != nil {
		return domain.Balance{}, false, err
	}
	return b, created, tx.Commit(ctx)
}

// GetBalance retrieves an account's current balance.
func (s *Store) GetBalance(ctx context.Context, accountID string) (domain.Balance, error) {
	return scanBalance(s.pool.QueryRow(ctx, balanceSelect+` WHERE account_id = $1`, accountID))
}

// ─── Mutations ──────────────────────────────────────────────────────────────

// Apply locks the account row, so replicas sharing the database serialize on
// it, then performs the guarded balance update and appends the entry.
func (s *Store) Apply(ctx context.Context, kind domain.EntryType, m domain.Mutation) (domain.Balance, domain.LedgerEntry, error) {
	if !kind.Valid() {
		return domain.Balance{}, domain.LedgerEntry{}, fmt.Errorf("unknown entry type %q", kind)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.Balance{}, domain.LedgerEntry{}, err
	}
	defer tx.Rollback(ctx)

	current, err := scanBalance(tx.QueryRow(ctx, balanceSelect+` WHERE account_id = $1 FOR UPDATE`, m.AccountID))
	if err != nil {
		return domain.Balance{}, domain.LedgerEntry{}, err
	}

	if m.Reference != "" {
		prior, err := scanEntry(tx.QueryRow(ctx, entrySelect+` WHERE account_id = $1 AND reference = $2`, m.AccountID, m.Reference))
		switch {
		case err == nil:
			if prior.EntryType != kind || prior.Amount != m.Amount {
				return domain.Balance{}, domain.LedgerEntry{}, domain.ErrReferenceConflict
			}
			return current, prior, tx.Commit(ctx)
		case !errors.Is(err, domain.ErrEntryNotFound):
			return domain.Balance{}, domain.LedgerEntry{}, err
		}
	}

	delta := m.Amount
	if kind == domain.EntryDebit {
		delta = -m.Amount
	}
	b, err := scanBalance(tx.QueryRow(ctx, `
		UPDATE accounts
		SET balance = balance + $1,
		    updated_at = GREATEST(updated_at + interval '1 microsecond', $2)
		WHERE account_id = $3 AND balance + $1 >= 0
		RETURNING account_id, balance, created_at, updated_at`,
		delta, time.Now().UTC(), m.AccountID))
	if errors.Is(err, domain.ErrAccountNotFound) {
		// The row is locked and exists, so only the guard can have failed.
		return domain.Balance{}, domain.LedgerEntry{}, domain.ErrInsufficientFunds
	}
	if err != nil {
		return domain.Balance{}, domain.LedgerEntry{}, err
	}

	entry := domain.LedgerEntry{
		AccountID:    m.AccountID,
		EntryType:    kind,
		Amount:       m.Amount,
		Source:       m.Source,
		Note:         m.Note,
		Reference:    m.Reference,
		BalanceAfter: b.Balance,
		CreatedAt:    b.UpdatedAt,
	}
	var ref *string
	if m.Reference != "" {
		ref = &m.Reference
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO ledger_entries (account_id, kind, amount, source, note, reference, balance_after, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		entry.AccountID, string(kind), entry.Amount, string(entry.Source), entry.Note,
		ref, entry.BalanceAfter, entry.CreatedAt).Scan(&entry.ID)
	if err != nil {
		return domain.Balance{}, domain.LedgerEntry{}, fmt.Errorf("append ledger entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Balance{}, domain.LedgerEntry{}, fmt.Errorf("commit: %w", err)
	}
	return b, entry, nil
}

// ─── Transaction Log ────────────────────────────────────────────────────────

const balanceSelect = `SELECT account_id, balance, created_at, updated_at FROM accounts`

const entrySelect = `
	SELECT id, account_id, kind, amount, source, note, reference, balance_after, created_at
	FROM ledger_entries`

// History returns a page of entries for the account, oldest first.
func (s *Store) History(ctx context.Context, accountID string, q domain.HistoryQuery) ([]domain.LedgerEntry, error) {
	q = q.Normalize()
	rows, err := s.pool.Query(ctx, entrySelect+`
		WHERE account_id = $1 AND id > $2
		ORDER BY id ASC
		LIMIT $3`, accountID, q.AfterID, q.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// EntryByReference finds the entry written for an idempotency key.
func (s *Store) EntryByReference(ctx context.Context, accountID, reference string) (domain.LedgerEntry, error) {
	return scanEntry(s.pool.QueryRow(ctx, entrySelect+` WHERE account_id = $1 AND reference = $2`, accountID, reference))
}

// ─── Scanning ───────────────────────────────────────────────────────────────

func scanBalance(row pgx.Row) (domain.Balance, error) {
	var b domain.Balance
	err := row.Scan(&b.AccountID, &b.Balance, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Balance{}, domain.ErrAccountNotFound
	}
	if err != nil {
		return domain.Balance{}, err
	}
	b.CreatedAt = b.CreatedAt.UTC()
	b.UpdatedAt = b.UpdatedAt.UTC()
	return b, nil
}

func scanEntry(row pgx.Row) (domain.LedgerEntry, error) {
	var e domain.LedgerEntry
	var kind, source string
	var ref *string
	err := row.Scan(&e.ID, &e.AccountID, &kind, &e.Amount, &source, &e.Note, &ref, &e.BalanceAfter, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.LedgerEntry{}, domain.ErrEntryNotFound
	}
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	e.EntryType = domain.EntryType(kind)
	e.Source = domain.Source(source)
	if ref != nil {
		e.Reference = *ref
	}
	e.CreatedAt = e.CreatedAt.UTC()
	return e, nil
}
