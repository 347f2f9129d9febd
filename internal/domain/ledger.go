package domain

import (
	"strings"
	"time"
)

// ─── Ledger Types ───────────────────────────────────────────────────────────
// Reward coins are whole numbers. Every balance change is one append-only
// ledger entry written in the same transaction as the balance update.

// DefaultWelcomeGrant is the balance a new account starts with.
const DefaultWelcomeGrant int64 = 200

// EntryType represents the direction of a ledger entry.
type EntryType string

const (
	EntryDebit  EntryType = "DEBIT"
	EntryCredit EntryType = "CREDIT"
)

// Valid reports whether t is one of the known entry types.
func (t EntryType) Valid() bool {
	return t == EntryDebit || t == EntryCredit
}

// Source tags where a coin movement came from. Free-form, but the services
// in this repo only ever write the constants below.
type Source string

const (
	SourceSignupBonus Source = "signup-bonus"
	SourceChallenge   Source = "challenge-completion"
	SourceWorkshop    Source = "workshop-reward"
	SourcePurchase    Source = "purchase"
	SourceAdmin       Source = "admin-adjustment"
	SourceRefundOrder Source = "refund-order-write-failure"
)

// References under ReservedReferencePrefix are written by the wallet itself
// and are refused on client mutations.
const (
	ReservedReferencePrefix = "system:"
	SignupReference         = ReservedReferencePrefix + "signup"
)

// Balance is the current state of one reward wallet.
type Balance struct {
	AccountID string    `json:"user_id"`
	Balance   int64     `json:"balance"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LedgerEntry is a single row in the transaction log.
type LedgerEntry struct {
	ID           int64     `json:"id"`
	AccountID    string    `json:"user_id"`
	EntryType    EntryType `json:"kind"`
	Amount       int64     `json:"amount"`
	Source       Source    `json:"source"`
	Note         string    `json:"note,omitempty"`
	Reference    string    `json:"reference,omitempty"`
	BalanceAfter int64     `json:"balance_after"`
	CreatedAt    time.Time `json:"created_at"`
}

// Signed returns the entry amount with the sign of its direction.
func (e LedgerEntry) Signed() int64 {
	if e.EntryType == EntryDebit {
		return -e.Amount
	}
	return e.Amount
}

// Mutation is a request to move coins in or out of one account.
// Reference is an optional idempotency key scoped to the account.
type Mutation struct {
	AccountID string `json:"user_id"`
	Amount    int64  `json:"amount"`
	Source    Source `json:"source,omitempty"`
	Note      string `json:"note,omitempty"`
	Reference string `json:"reference,omitempty"`
}

// Validate rejects mutations that must never reach the store.
func (m Mutation) Validate() error {
	if m.AccountID == "" {
		return ErrInvalidAccount
	}
	if m.Amount <= 0 {
		return ErrInvalidAmount
	}
	if strings.HasPrefix(m.Reference, ReservedReferencePrefix) {
		return ErrReservedReference
	}
	return nil
}

// WithDefaults fills the source tag when the caller left it empty.
func (m Mutation) WithDefaults() Mutation {
	if m.Source == "" {
		m.Source = SourceAdmin
	}
	return m
}

// HistoryQuery pages through the transaction log, oldest first.
// AfterID is exclusive; zero starts from the beginning.
type HistoryQuery struct {
	AfterID int64
	Limit   int
}

const (
	DefaultHistoryLimit = 100
	MaxHistoryLimit     = 1000
)

// Normalize clamps the page size into the supported range.
func (q HistoryQuery) Normalize() HistoryQuery {
	if q.Limit <= 0 {
		q.Limit = DefaultHistoryLimit
	}
	if q.Limit > MaxHistoryLimit {
		q.Limit = MaxHistoryLimit
	}
	if q.AfterID < 0 {
		q.AfterID = 0
	}
	return q
}

// Reconciliation is the result of replaying an account's log from zero.
type Reconciliation struct {
	AccountID       string `json:"user_id"`
	Balance         int64  `json:"balance"`
	Replayed        int64  `json:"replayed"`
	Records         int    `json:"records"`
	OK              bool   `json:"ok"`
	FirstMismatchID int64  `json:"first_mismatch_id,omitempty"`
}

// Replay folds entries (oldest first) into a reconciliation report against
// the stored balance. Each entry's BalanceAfter must match the running sum.
func Replay(accountID string, balance int64, entries []LedgerEntry) Reconciliation {
	r := Reconciliation{AccountID: accountID, Balance: balance, Records: len(entries)}
	var running int64
	for _, e := range entries {
		running += e.Signed()
		if r.FirstMismatchID == 0 && (running != e.BalanceAfter || running < 0) {
			r.FirstMismatchID = e.ID
		}
	}
	r.Replayed = running
	r.OK = r.FirstMismatchID == 0 && running == balance
	return r
}
