package domain

import (
	"context"
	"time"
)

// ─── Service Interfaces ─────────────────────────────────────────────────────
// These interfaces define boundaries between layers.
// Infrastructure implements them; application layer depends on them.

// LedgerStore is the durable account → balance mapping plus its transaction
// log. Implementations must make Apply a single atomic unit: the balance
// check, the balance write and the appended entry commit together or not at all.
type LedgerStore interface {
	// CreateAccount inserts the account with a signup grant, or returns the
	// existing balance with created=false.
	CreateAccount(ctx context.Context, accountID string, grant int64) (b Balance, created bool, err error)

	GetBalance(ctx context.Context, accountID string) (Balance, error)

	// Apply credits or debits the account. A debit that would go negative
	// fails with ErrInsufficientFunds. A mutation whose Reference was already
	// applied returns the stored entry without changing the balance.
	Apply(ctx context.Context, kind EntryType, m Mutation) (Balance, LedgerEntry, error)

	// History returns entries oldest first.
	History(ctx context.Context, accountID string, q HistoryQuery) ([]LedgerEntry, error)

	EntryByReference(ctx context.Context, accountID, reference string) (LedgerEntry, error)
}

// Wallet is what the shop needs from the wallet service.
type Wallet interface {
	Debit(ctx context.Context, m Mutation) (Balance, error)
	Credit(ctx context.Context, m Mutation) (Balance, error)
	FindByReference(ctx context.Context, accountID, reference string) (LedgerEntry, error)
}

// Catalog is the product collaborator. Reserve is an atomic
// check-and-decrement keyed by the purchase token; Release undoes a
// reservation at most once.
type Catalog interface {
	GetProduct(ctx context.Context, id int64) (Product, error)
	Reserve(ctx context.Context, productID int64, token string) error
	Release(ctx context.Context, token string) error
}

// OrderStore persists completed purchases.
type OrderStore interface {
	CreateOrder(ctx context.Context, o Order) error
	OrderByAttempt(ctx context.Context, token string) (Order, error)
	ListOrders(ctx context.Context, userID string) ([]Order, error)
}

// AttemptStore journals the purchase state machine.
type AttemptStore interface {
	// CreateAttempt fails with ErrAlreadyExists for a reused token.
	CreateAttempt(ctx context.Context, a Attempt) error
	SaveAttempt(ctx context.Context, a Attempt) error
	GetAttempt(ctx context.Context, token string) (Attempt, error)
	// PendingAttempts lists attempts in the given states last touched
	// before olderThan, oldest first.
	PendingAttempts(ctx context.Context, states []PurchaseState, olderThan time.Time, limit int) ([]Attempt, error)
}
