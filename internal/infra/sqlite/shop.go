package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ecohub/rewards/internal/domain"
)

// ─── Shop Schema ────────────────────────────────────────────────────────────

// ShopMigrations returns the catalog, order and purchase journal statements.
func ShopMigrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS products (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			name        TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			price       INTEGER NOT NULL CHECK (price > 0),
			stock       INTEGER NOT NULL CHECK (stock >= 0),
			created_at  INTEGER NOT NULL,
			updated_at  INTEGER NOT NULL
		)`,

		// One row per purchase token holding a unit of stock.
		`CREATE TABLE IF NOT EXISTS stock_reservations (
			token      TEXT PRIMARY KEY,
			product_id INTEGER NOT NULL REFERENCES products(id),
			created_at INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS orders (
			id            TEXT PRIMARY KEY,
			user_id       TEXT NOT NULL,
			product_id    INTEGER NOT NULL,
			price_paid    INTEGER NOT NULL,
			attempt_token TEXT NOT NULL UNIQUE,
			purchased_at  INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_user ON orders(user_id, purchased_at)`,

		`CREATE TABLE IF NOT EXISTS purchase_attempts (
			token      TEXT PRIMARY KEY,
			user_id    TEXT NOT NULL,
			product_id INTEGER NOT NULL,
			price      INTEGER NOT NULL DEFAULT 0,
			state      TEXT NOT NULL,
			order_id   TEXT NOT NULL DEFAULT '',
			error_kind TEXT NOT NULL DEFAULT '',
			error      TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_attempts_state ON purchase_attempts(state, updated_at)`,
	}
}

// ─── Product Operations ─────────────────────────────────────────────────────

const productSelect = `
	SELECT id, name, description, price, stock, created_at, updated_at FROM products `

// CreateProduct inserts a product and returns it with its assigned id.
func (db *DB) CreateProduct(ctx context.Context, p domain.Product) (domain.Product, error) {
	if err := p.Validate(); err != nil {
		return domain.Product{}, err
	}
	now := time.Now().UTC()
	res, err := db.db.ExecContext(ctx, `
		INSERT INTO products (name, description, price, stock, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, p.Name, p.Description, p.Price, p.Stock, toNanos(now), toNanos(now))
	if err != nil {
		return domain.Product{}, fmt.Errorf("insert product: %w", err)
	}
	if p.ID, err = res.LastInsertId(); err != nil {
		return domain.Product{}, err
	}
	p.CreatedAt, p.UpdatedAt = now, now
	return p, nil
}

// UpsertProduct inserts or replaces the product with p.ID. Used by seeding.
func (db *DB) UpsertProduct(ctx context.Context, p domain.Product) (domain.Product, error) {
	if p.ID == 0 {
		return db.CreateProduct(ctx, p)
	}
	if err := p.Validate(); err != nil {
		return domain.Product{}, err
	}
	now := toNanos(time.Now())
	_, err := db.db.ExecContext(ctx, `
		INSERT INTO products (id, name, description, price, stock, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name        = excluded.name,
			description = excluded.description,
			price       = excluded.price,
			stock       = excluded.stock,
			updated_at  = excluded.updated_at
	`, p.ID, p.Name, p.Description, p.Price, p.Stock, now, now)
	if err != nil {
		return domain.Product{}, fmt.Errorf("upsert product: %w", err)
	}
	return db.GetProduct(ctx, p.ID)
}

// UpdateProduct overwrites name, description, price and stock.
func (db *DB) UpdateProduct(ctx context.Context, p domain.Product) (domain.Product, error) {
	if err := p.Validate(); err != nil {
		return domain.Product{}, err
	}
	res, err := db.db.ExecContext(ctx, `
		UPDATE products SET name = ?, description = ?, price = ?, stock = ?, updated_at = ?
		WHERE id = ?
	`, p.Name, p.Description, p.Price, p.Stock, toNanos(time.Now()), p.ID)
	if err != nil {
		return domain.Product{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Product{}, domain.ErrProductNotFound
	}
	return db.GetProduct(ctx, p.ID)
}

// DeleteProduct removes a product. A product with units held by purchases
// in flight is refused with ErrProductInUse; orders keep their product id.
// Reservations already turned into orders are dropped with the product.
func (db *DB) DeleteProduct(ctx context.Context, id int64) error {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var held int
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM stock_reservations r
		WHERE r.product_id = ?
		  AND NOT EXISTS (SELECT 1 FROM orders o WHERE o.attempt_token = r.token)
	`, id).Scan(&held); err != nil {
		return err
	}
	if held > 0 {
		return domain.ErrProductInUse
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM stock_reservations WHERE product_id = ?`, id); err != nil {
		return fmt.Errorf("drop consumed reservations: %w", err)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM products WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete product: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrProductNotFound
	}
	return tx.Commit()
}

// GetProduct retrieves a product by id.
func (db *DB) GetProduct(ctx context.Context, id int64) (domain.Product, error) {
	return scanProduct(db.rdb.QueryRowContext(ctx, productSelect+`WHERE id = ?`, id))
}

// ListProducts returns every product ordered by id.
func (db *DB) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := db.rdb.QueryContext(ctx, productSelect+`ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ─── Stock Reservations ─────────────────────────────────────────────────────

// Reserve takes one unit of stock for token. The decrement is guarded by
// stock > 0 in the same statement. Reserving the same token twice is a no-op.
func (db *DB) Reserve(ctx context.Context, productID int64, token string) error {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var held int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM stock_reservations WHERE token = ?`, token).Scan(&held); err != nil {
		return err
	}
	if held > 0 {
		return tx.Commit()
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE products SET stock = stock - 1, updated_at = ?
		WHERE id = ? AND stock > 0
	`, toNanos(time.Now()), productID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM products WHERE id = ?`, productID).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return domain.ErrProductNotFound
		}
		return domain.ErrOutOfStock
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO stock_reservations (token, product_id, created_at) VALUES (?, ?, ?)
	`, token, productID, toNanos(time.Now())); err != nil {
		return fmt.Errorf("insert reservation: %w", err)
	}
	return tx.Commit()
}

// Release returns the unit held by token to stock. Releasing an unknown or
// already released token does nothing.
func (db *DB) Release(ctx context.Context, token string) error {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var productID int64
	err = tx.QueryRowContext(ctx, `
		DELETE FROM stock_reservations WHERE token = ? RETURNING product_id
	`, token).Scan(&productID)
	if err == sql.ErrNoRows {
		return tx.Commit()
	}
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE products SET stock = stock + 1, updated_at = ? WHERE id = ?
	`, toNanos(time.Now()), productID); err != nil {
		return err
	}
	return tx.Commit()
}

// ─── Order Operations ───────────────────────────────────────────────────────

const orderSelect = `
	SELECT id, user_id, product_id, price_paid, attempt_token, purchased_at FROM orders `

// CreateOrder writes a completed purchase. A second order for the same
// attempt is rejected with ErrAlreadyExists.
func (db *DB) CreateOrder(ctx context.Context, o domain.Order) error {
	_, err := db.db.ExecContext(ctx, `
		INSERT INTO orders (id, user_id, product_id, price_paid, attempt_token, purchased_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, o.ID, o.UserID, o.ProductID, o.PricePaid, o.AttemptToken, toNanos(o.PurchasedAt))
	if err != nil && isUniqueViolation(err) {
		return fmt.Errorf("order for attempt %s: %w", o.AttemptToken, domain.ErrAlreadyExists)
	}
	return err
}

// OrderByAttempt finds the order written for a purchase token.
func (db *DB) OrderByAttempt(ctx context.Context, token string) (domain.Order, error) {
	return scanOrder(db.rdb.QueryRowContext(ctx, orderSelect+`WHERE attempt_token = ?`, token))
}

// ListOrders returns a user's orders, oldest first.
func (db *DB) ListOrders(ctx context.Context, userID string) ([]domain.Order, error) {
	rows, err := db.rdb.QueryContext(ctx, orderSelect+`WHERE user_id = ? ORDER BY purchased_at, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// ─── Purchase Attempt Journal ───────────────────────────────────────────────

const attemptSelect = `
	SELECT token, user_id, product_id, price, state, order_id, error_kind, error, created_at, updated_at
	FROM purchase_attempts `

// CreateAttempt journals a new purchase attempt.
func (db *DB) CreateAttempt(ctx context.Context, a domain.Attempt) error {
	_, err := db.db.ExecContext(ctx, `
		INSERT INTO purchase_attempts (token, user_id, product_id, price, state, order_id, error_kind, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.Token, a.UserID, a.ProductID, a.Price, string(a.State), a.OrderID,
		string(a.ErrorKind), a.Error, toNanos(a.CreatedAt), toNanos(a.UpdatedAt))
	if err != nil && isUniqueViolation(err) {
		return fmt.Errorf("attempt %s: %w", a.Token, domain.ErrAlreadyExists)
	}
	return err
}

// SaveAttempt persists the mutable fields of an attempt.
func (db *DB) SaveAttempt(ctx context.Context, a domain.Attempt) error {
	res, err := db.db.ExecContext(ctx, `
		UPDATE purchase_attempts
		SET price = ?, state = ?, order_id = ?, error_kind = ?, error = ?, updated_at = ?
		WHERE token = ?
	`, a.Price, string(a.State), a.OrderID, string(a.ErrorKind), a.Error, toNanos(a.UpdatedAt), a.Token)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrAttemptNotFound
	}
	return nil
}

// GetAttempt retrieves an attempt by token.
func (db *DB) GetAttempt(ctx context.Context, token string) (domain.Attempt, error) {
	return scanAttempt(db.rdb.QueryRowContext(ctx, attemptSelect+`WHERE token = ?`, token))
}

// PendingAttempts lists attempts in states last updated before olderThan.
func (db *DB) PendingAttempts(ctx context.Context, states []domain.PurchaseState, olderThan time.Time, limit int) ([]domain.Attempt, error) {
	if len(states) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	args := make([]any, 0, len(states)+2)
	for _, s := range states {
		args = append(args, string(s))
	}
	args = append(args, toNanos(olderThan), limit)

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(states)), ",")
	rows, err := db.rdb.QueryContext(ctx, attemptSelect+`
		WHERE state IN (`+placeholders+`) AND updated_at < ?
		ORDER BY updated_at ASC
		LIMIT ?
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ─── Scanning ───────────────────────────────────────────────────────────────

func scanProduct(row scanner) (domain.Product, error) {
	var p domain.Product
	var created, updated int64
	err := row.Scan(&p.ID, &p.Name, &p.Description, &p.Price, &p.Stock, &created, &updated)
	if err == sql.ErrNoRows {
		return domain.Product{}, domain.ErrProductNotFound
	}
	if err != nil {
		return domain.Product{}, err
	}
	p.CreatedAt = fromNanos(created)
	p.UpdatedAt = fromNanos(updated)
	return p, nil
}

func scanOrder(row scanner) (domain.Order, error) {
	var o domain.Order
	var purchased int64
	err := row.Scan(&o.ID, &o.UserID, &o.ProductID, &o.PricePaid, &o.AttemptToken, &purchased)
	if err == sql.ErrNoRows {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	if err != nil {
		return domain.Order{}, err
	}
	o.PurchasedAt = fromNanos(purchased)
	return o, nil
}

func scanAttempt(row scanner) (domain.Attempt, error) {
	var a domain.Attempt
	var state, kind string
	var created, updated int64
	err := row.Scan(&a.Token, &a.UserID, &a.ProductID, &a.Price, &state, &a.OrderID, &kind, &a.Error, &created, &updated)
	if err == sql.ErrNoRows {
		return domain.Attempt{}, domain.ErrAttemptNotFound
	}
	if err != nil {
		return domain.Attempt{}, err
	}
	a.State = domain.PurchaseState(state)
	a.ErrorKind = domain.ErrorKind(kind)
	a.CreatedAt = fromNanos(created)
	a.UpdatedAt = fromNanos(updated)
	return a, nil
}

// isUniqueViolation reports a primary key or unique index conflict.
func isUniqueViolation(err error) bool {
	var target interface{ Code() int }
	if errors.As(err, &target) {
		// SQLITE_CONSTRAINT_PRIMARYKEY (1555) / SQLITE_CONSTRAINT_UNIQUE (2067)
		return target.Code() == 1555 || target.Code() == 2067
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
