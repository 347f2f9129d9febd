package domain

import (
	"errors"
	"fmt"
)

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors carry no infrastructure dependency.

var (
	// Lookup errors. All of them match ErrNotFound.
	ErrNotFound        = errors.New("not found")
	ErrAccountNotFound = fmt.Errorf("account %w", ErrNotFound)
	ErrProductNotFound = fmt.Errorf("product %w", ErrNotFound)
	ErrOrderNotFound   = fmt.Errorf("order %w", ErrNotFound)
	ErrAttemptNotFound = fmt.Errorf("purchase attempt %w", ErrNotFound)
	ErrEntryNotFound   = fmt.Errorf("ledger entry %w", ErrNotFound)

	// Validation errors
	ErrInvalidAmount  = errors.New("amount must be a positive whole number of coins")
	ErrInvalidAccount = errors.New("account id is required")
	ErrInvalidProduct = errors.New("product requires a name, a positive price and non-negative stock")
	ErrInvalidToken   = errors.New("idempotency key must be 1-128 characters of [A-Za-z0-9._:/+=~-]")

	ErrReservedReference = errors.New("references starting with \"system:\" are reserved")

	// Business failures
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrOutOfStock        = errors.New("product is out of stock")
	ErrProductInUse      = errors.New("product has purchases in flight")
	ErrAlreadyExists     = errors.New("already exists")
	ErrReferenceConflict = errors.New("reference already used for a different mutation")

	// Remote collaborator errors
	ErrRemoteUnavailable   = errors.New("remote service unavailable")
	ErrDebitOutcomeUnknown = errors.New("debit outcome unknown, purchase held for reconciliation")

	// Purchase state machine
	ErrInvalidTransition = errors.New("invalid purchase state transition")
	ErrAttemptInProgress = errors.New("purchase attempt still in progress")
)

// ErrorKind is the stable wire name of an error class.
type ErrorKind string

const (
	KindNotFound            ErrorKind = "not_found"
	KindInvalidAmount       ErrorKind = "invalid_amount"
	KindInvalidRequest      ErrorKind = "invalid_request"
	KindInsufficientFunds   ErrorKind = "insufficient_funds"
	KindOutOfStock          ErrorKind = "out_of_stock"
	KindAlreadyExists       ErrorKind = "already_exists"
	KindReferenceConflict   ErrorKind = "reference_conflict"
	KindRemoteUnavailable   ErrorKind = "remote_unavailable"
	KindDebitOutcomeUnknown ErrorKind = "debit_outcome_unknown"
	KindInProgress          ErrorKind = "in_progress"
	KindProductInUse        ErrorKind = "product_in_use"
	KindInternal            ErrorKind = "internal"
)

// KindOf classifies err. Order matters: an unknown debit outcome wraps
// ErrRemoteUnavailable and must be reported as the former.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrDebitOutcomeUnknown):
		return KindDebitOutcomeUnknown
	case errors.Is(err, ErrRemoteUnavailable):
		return KindRemoteUnavailable
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrInvalidAmount):
		return KindInvalidAmount
	case errors.Is(err, ErrInvalidAccount), errors.Is(err, ErrInvalidProduct),
		errors.Is(err, ErrInvalidToken), errors.Is(err, ErrReservedReference):
		return KindInvalidRequest
	case errors.Is(err, ErrInsufficientFunds):
		return KindInsufficientFunds
	case errors.Is(err, ErrOutOfStock):
		return KindOutOfStock
	case errors.Is(err, ErrAlreadyExists):
		return KindAlreadyExists
	case errors.Is(err, ErrReferenceConflict):
		return KindReferenceConflict
	case errors.Is(err, ErrAttemptInProgress):
		return KindInProgress
	case errors.Is(err, ErrProductInUse):
		return KindProductInUse
	default:
		return KindInternal
	}
}

// ErrorForKind maps a wire kind back to its sentinel. Unknown kinds map to nil.
func ErrorForKind(kind ErrorKind) error {
	switch kind {
	case KindNotFound:
		return ErrNotFound
	case KindInvalidAmount:
		return ErrInvalidAmount
	case KindInvalidRequest:
		return ErrInvalidAccount
	case KindInsufficientFunds:
		return ErrInsufficientFunds
	case KindOutOfStock:
		return ErrOutOfStock
	case KindAlreadyExists:
		return ErrAlreadyExists
	case KindReferenceConflict:
		return ErrReferenceConflict
	case KindRemoteUnavailable:
		return ErrRemoteUnavailable
	case KindDebitOutcomeUnknown:
		return ErrDebitOutcomeUnknown
	case KindInProgress:
		return ErrAttemptInProgress
	case KindProductInUse:
		return ErrProductInUse
	}
	return nil
}
