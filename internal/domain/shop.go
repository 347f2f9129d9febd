package domain

import (
	"fmt"
	"strings"
	"time"
)

// ─── Shop Types ─────────────────────────────────────────────────────────────

// Product is a catalog item priced in reward coins.
type Product struct {
	ID          int64     `json:"id" yaml:"id"`
	Name        string    `json:"name" yaml:"name"`
	Description string    `json:"description,omitempty" yaml:"description"`
	Price       int64     `json:"price" yaml:"price"`
	Stock       int64     `json:"stock" yaml:"stock"`
	CreatedAt   time.Time `json:"created_at" yaml:"-"`
	UpdatedAt   time.Time `json:"updated_at" yaml:"-"`
}

// Validate checks the fields a catalog write needs.
func (p Product) Validate() error {
	if p.Name == "" || p.Price <= 0 || p.Stock < 0 {
		return ErrInvalidProduct
	}
	return nil
}

// Order records a completed purchase. PricePaid is the amount actually
// debited and never follows later catalog price changes.
type Order struct {
	ID           string    `json:"order_id"`
	UserID       string    `json:"user_id"`
	ProductID    int64     `json:"product_id"`
	PricePaid    int64     `json:"price_paid"`
	AttemptToken string    `json:"attempt_token"`
	PurchasedAt  time.Time `json:"purchased_at"`
}

// ─── Purchase State Machine ─────────────────────────────────────────────────
//
//	INITIATED → PRICED → DEBITING → DEBITED → ORDER_WRITTEN
//	                              │         └→ REFUNDING → REFUNDED
//	                              ├→ DEBIT_FAILED
//	                              └→ DEBIT_UNKNOWN → (reconciler) DEBITED | DEBIT_FAILED

// PurchaseState is the lifecycle position of one purchase attempt.
type PurchaseState string

const (
	StateInitiated    PurchaseState = "INITIATED"
	StatePriced       PurchaseState = "PRICED"
	StateDebiting     PurchaseState = "DEBITING"
	StateDebited      PurchaseState = "DEBITED"
	StateOrderWritten PurchaseState = "ORDER_WRITTEN"
	StateRefunding    PurchaseState = "REFUNDING"
	StateRefunded     PurchaseState = "REFUNDED"
	StateDebitFailed  PurchaseState = "DEBIT_FAILED"
	StateDebitUnknown PurchaseState = "DEBIT_UNKNOWN"
)

// purchaseStates lists every state in lifecycle order.
var purchaseStates = []PurchaseState{
	StateInitiated, StatePriced, StateDebiting, StateDebitUnknown,
	StateDebited, StateRefunding, StateOrderWritten, StateRefunded, StateDebitFailed,
}

var purchaseTransitions = map[PurchaseState][]PurchaseState{
	StateInitiated:    {StatePriced, StateDebitFailed},
	StatePriced:       {StateDebiting, StateDebitFailed},
	StateDebiting:     {StateDebited, StateDebitFailed, StateDebitUnknown},
	StateDebited:      {StateOrderWritten, StateRefunding},
	StateRefunding:    {StateRefunded},
	StateDebitUnknown: {StateDebited, StateDebitFailed},
	StateOrderWritten: {},
	StateRefunded:     {},
	StateDebitFailed:  {},
}

// CanTransition reports whether from → to is a legal move.
func CanTransition(from, to PurchaseState) bool {
	for _, s := range purchaseTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible without
// outside intervention. DEBIT_UNKNOWN is terminal for the request that
// produced it; only the reconciler moves it on.
func (s PurchaseState) Terminal() bool {
	switch s {
	case StateOrderWritten, StateRefunded, StateDebitFailed, StateDebitUnknown:
		return true
	}
	return false
}

// NeedsReconciliation reports whether a stale attempt in s must be finished
// by the reconciler: every in-flight state, plus DEBIT_UNKNOWN.
func (s PurchaseState) NeedsReconciliation() bool {
	return !s.Terminal() || s == StateDebitUnknown
}

// ReconcilableStates lists the states NeedsReconciliation accepts.
func ReconcilableStates() []PurchaseState {
	var out []PurchaseState
	for _, s := range purchaseStates {
		if s.NeedsReconciliation() {
			out = append(out, s)
		}
	}
	return out
}

// Attempt is the durable journal of one purchase.
type Attempt struct {
	Token     string        `json:"token"`
	UserID    string        `json:"user_id"`
	ProductID int64         `json:"product_id"`
	Price     int64         `json:"price"`
	State     PurchaseState `json:"state"`
	OrderID   string        `json:"order_id,omitempty"`
	ErrorKind ErrorKind     `json:"error_kind,omitempty"`
	Error     string        `json:"error,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Transition moves the attempt to next, or returns ErrInvalidTransition.
func (a *Attempt) Transition(next PurchaseState) error {
	if !CanTransition(a.State, next) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, a.State, next)
	}
	a.State = next
	a.UpdatedAt = time.Now().UTC()
	return nil
}

// Fail records err on the attempt and moves it to next.
func (a *Attempt) Fail(next PurchaseState, err error) error {
	if terr := a.Transition(next); terr != nil {
		return terr
	}
	a.ErrorKind = KindOf(err)
	if err != nil {
		a.Error = err.Error()
	}
	return nil
}

// DebitReference is the wallet idempotency key for an attempt's debit.
func DebitReference(token string) string { return "purchase:" + token }

// RefundReference is the wallet idempotency key for an attempt's refund.
func RefundReference(token string) string { return "refund:" + token }

// MaxTokenLength bounds a client-supplied attempt token.
const MaxTokenLength = 128

// ValidateToken checks a client-supplied attempt token. Tokens become part
// of wallet references and URL paths, so they are limited to a small
// printable alphabet.
func ValidateToken(token string) error {
	if token == "" || len(token) > MaxTokenLength {
		return ErrInvalidToken
	}
	for i := 0; i < len(token); i++ {
		c := token[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case strings.IndexByte("._:/+=~-", c) >= 0:
		default:
			return ErrInvalidToken
		}
	}
	return nil
}
