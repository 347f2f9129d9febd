package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ecohub/rewards/internal/domain"
)

// ─── Ledger Schema ──────────────────────────────────────────────────────────

// LedgerMigrations returns the wallet schema statements.
// Each string is a single SQL statement (SQLite executes one at a time).
func LedgerMigrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			account_id TEXT PRIMARY KEY,
			balance    INTEGER NOT NULL CHECK (balance >= 0),
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,

		// Append-only transaction log. id order is commit order per account.
		`CREATE TABLE IF NOT EXISTS ledger_entries (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			account_id    TEXT NOT NULL REFERENCES accounts(account_id),
			kind          TEXT NOT NULL CHECK (kind IN ('CREDIT', 'DEBIT')),
			amount        INTEGER NOT NULL CHECK (amount > 0),
			source        TEXT NOT NULL,
			note          TEXT NOT NULL DEFAULT '',
			reference     TEXT,
			balance_after INTEGER NOT NULL,
			created_at    INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_account ON ledger_entries(account_id, id)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_reference
			ON ledger_entries(account_id, reference) WHERE reference IS NOT NULL`,
	}
}

// ─── Account Operations ─────────────────────────────────────────────────────

// CreateAccount inserts the account and its signup grant in one transaction.
// An existing account is returned untouched with created=false.
func (db *DB) CreateAccount(ctx context.Context, accountID string, grant int64) (domain.Balance, bool, error) {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Balance{}, false, err
	}
	defer tx.Rollback()

	now := toNanos(time.Now())
	res, err := tx.ExecContext(ctx, `
		INSERT INTO accounts (account_id, balance, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(account_id) DO NOTHING
	`, accountID, grant, now, now)
	if err != nil {
		return domain.Balance{}, false, fmt.Errorf("insert account: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.Balance{}, false, err
	}
	created := n == 1

	if created && grant > 0 {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO ledger_entries (account_id, kind, amount, source, note, reference, balance_after, created_at)
			VALUES (?, 'CREDIT', ?, ?, 'welcome grant', ?, ?, ?)
		`, accountID, grant, string(domain.SourceSignupBonus), domain.SignupReference, grant, now)
		if err != nil {
			return domain.Balance{}, false, fmt.Errorf("insert signup entry: %w", err)
		}
	}

	b, err := scanBalance(tx.QueryRowContext(ctx, `
		SELECT account_id, balance, created_at, updated_at FROM accounts WHERE account_id = ?
	`, accountID))
	if err != nil {
		return domain.Balance{}, false, err
	}
	return b, created, tx.Commit()
}

// GetBalance retrieves an account's current balance.
func (db *DB) GetBalance(ctx context.Context, accountID string) (domain.Balance, error) {
	return scanBalance(db.rdb.QueryRowContext(ctx, `
		SELECT account_id, balance, created_at, updated_at FROM accounts WHERE account_id = ?
	`, accountID))
}

// Apply performs one credit or debit. The balance update is a single
// conditional statement, so the funds check and the decrement cannot be
// separated by another writer.
func (db *DB) Apply(ctx context.Context, kind domain.EntryType, m domain.Mutation) (domain.Balance, domain.LedgerEntry, error) {
	if !kind.Valid() {
		return domain.Balance{}, domain.LedgerEntry{}, fmt.Errorf("unknown entry type %q", kind)
	}

	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Balance{}, domain.LedgerEntry{}, err
	}
	defer tx.Rollback()

	if m.Reference != "" {
		prior, err := scanEntry(tx.QueryRowContext(ctx, entrySelect+`
			WHERE account_id = ? AND reference = ?
		`, m.AccountID, m.Reference))
		switch {
		case err == nil:
			if prior.EntryType != kind || prior.Amount != m.Amount {
				return domain.Balance{}, domain.LedgerEntry{}, domain.ErrReferenceConflict
			}
			b, err := scanBalance(tx.QueryRowContext(ctx, `
				SELECT account_id, balance, created_at, updated_at FROM accounts WHERE account_id = ?
			`, m.AccountID))
			if err != nil {
				return domain.Balance{}, domain.LedgerEntry{}, err
			}
			return b, prior, tx.Commit()
		case !errors.Is(err, domain.ErrEntryNotFound):
			return domain.Balance{}, domain.LedgerEntry{}, err
		}
	}

	now := toNanos(time.Now())
	var row *sql.Row
	if kind == domain.EntryDebit {
		row = tx.QueryRowContext(ctx, `
			UPDATE accounts
			SET balance = balance - ?, updated_at = MAX(updated_at + 1, ?)
			WHERE account_id = ? AND balance >= ?
			RETURNING account_id, balance, created_at, updated_at
		`, m.Amount, now, m.AccountID, m.Amount)
	} else {
		row = tx.QueryRowContext(ctx, `
			UPDATE accounts
			SET balance = balance + ?, updated_at = MAX(updated_at + 1, ?)
			WHERE account_id = ?
			RETURNING account_id, balance, created_at, updated_at
		`, m.Amount, now, m.AccountID)
	}

	b, err := scanBalance(row)
	if errors.Is(err, domain.ErrAccountNotFound) && kind == domain.EntryDebit {
		// Either the account is missing or the guard rejected the debit.
		var exists int
		qerr := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM accounts WHERE account_id = ?`, m.AccountID).Scan(&exists)
		if qerr != nil {
			return domain.Balance{}, domain.LedgerEntry{}, qerr
		}
		if exists > 0 {
			return domain.Balance{}, domain.LedgerEntry{}, domain.ErrInsufficientFunds
		}
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
	res, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (account_id, kind, amount, source, note, reference, balance_after, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.AccountID, string(kind), entry.Amount, string(entry.Source), entry.Note,
		nullString(entry.Reference), entry.BalanceAfter, toNanos(entry.CreatedAt))
	if err != nil {
		return domain.Balance{}, domain.LedgerEntry{}, fmt.Errorf("append ledger entry: %w", err)
	}
	if entry.ID, err = res.LastInsertId(); err != nil {
		return domain.Balance{}, domain.LedgerEntry{}, err
	}

	if err := tx.Commit(); err != nil {
		return domain.Balance{}, domain.LedgerEntry{}, fmt.Errorf("commit: %w", err)
	}
	return b, entry, nil
}

// ─── Transaction Log Queries ────────────────────────────────────────────────

const entrySelect = `
	SELECT id, account_id, kind, amount, source, note, reference, balance_after, created_at
	FROM ledger_entries `

// History returns a page of entries for the account, oldest first.
func (db *DB) History(ctx context.Context, accountID string, q domain.HistoryQuery) ([]domain.LedgerEntry, error) {
	q = q.Normalize()
	rows, err := db.rdb.QueryContext(ctx, entrySelect+`
		WHERE account_id = ? AND id > ?
		ORDER BY id ASC
		LIMIT ?
	`, accountID, q.AfterID, q.Limit)
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
func (db *DB) EntryByReference(ctx context.Context, accountID, reference string) (domain.LedgerEntry, error) {
	return scanEntry(db.rdb.QueryRowContext(ctx, entrySelect+`
		WHERE account_id = ? AND reference = ?
	`, accountID, reference))
}

// ─── Scanning ───────────────────────────────────────────────────────────────

type scanner interface {
	Scan(dest ...any) error
}

func scanBalance(row scanner) (domain.Balance, error) {
	var b domain.Balance
	var created, updated int64
	err := row.Scan(&b.AccountID, &b.Balance, &created, &updated)
	if err == sql.ErrNoRows {
		return domain.Balance{}, domain.ErrAccountNotFound
	}
	if err != nil {
		return domain.Balance{}, err
	}
	b.CreatedAt = fromNanos(created)
	b.UpdatedAt = fromNanos(updated)
	return b, nil
}

func scanEntry(row scanner) (domain.LedgerEntry, error) {
	var e domain.LedgerEntry
	var kind, source string
	var ref sql.NullString
	var created int64
	err := row.Scan(&e.ID, &e.AccountID, &kind, &e.Amount, &source, &e.Note, &ref, &e.BalanceAfter, &created)
	if err == sql.ErrNoRows {
		return domain.LedgerEntry{}, domain.ErrEntryNotFound
	}
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	e.EntryType = domain.EntryType(kind)
	e.Source = domain.Source(source)
	e.Reference = ref.String
	e.CreatedAt = fromNanos(created)
	return e, nil
}
