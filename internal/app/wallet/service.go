// Package wallet is the reward-coin wallet: account creation, credits and
// debits that never drive a balance negative, and the append-only transaction
// log that backs every balance.
//
// Mutations on one account are serialized by a per-account lock; mutations on
// different accounts proceed in parallel. The store commits the balance change
// and its log entry in one transaction.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ecohub/rewards/internal/domain"
	"github.com/ecohub/rewards/internal/infra/observability"
)

// Config controls wallet behavior.
type Config struct {
	WelcomeGrant int64 // coins credited on account creation (default: 200)
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{WelcomeGrant: domain.DefaultWelcomeGrant}
}

// Service implements domain.Wallet on top of a LedgerStore.
type Service struct {
	store domain.LedgerStore
	cfg   Config
	locks *lockRegistry
	log   *zap.Logger
}

var _ domain.Wallet = (*Service)(nil)

// New creates a wallet service.
func New(store domain.LedgerStore, cfg Config, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.WelcomeGrant < 0 {
		cfg.WelcomeGrant = 0
	}
	return &Service{
		store: store,
		cfg:   cfg,
		locks: newLockRegistry(),
		log:   log.Named("wallet"),
	}
}

// ─── Accounts ───────────────────────────────────────────────────────────────

// CreateAccount opens an account with the welcome grant. Calling it again for
// an existing account returns the current balance and created=false.
func (s *Service) CreateAccount(ctx context.Context, accountID string) (domain.Balance, bool, error) {
	if accountID == "" {
		return domain.Balance{}, false, domain.ErrInvalidAccount
	}

	unlock := s.locks.lock(accountID)
	defer unlock()

	b, created, err := s.store.CreateAccount(ctx, accountID, s.cfg.WelcomeGrant)
	if err != nil {
		return domain.Balance{}, false, fmt.Errorf("create account %s: %w", accountID, err)
	}
	if created {
		observability.WalletAccountsCreated.Inc()
		s.log.Info("account created",
			zap.String("account", accountID),
			zap.Int64("grant", s.cfg.WelcomeGrant))
	}
	return b, created, nil
}

// GetBalance returns the account balance or ErrAccountNotFound.
func (s *Service) GetBalance(ctx context.Context, accountID string) (domain.Balance, error) {
	return s.store.GetBalance(ctx, accountID)
}

// ─── Mutations ──────────────────────────────────────────────────────────────

// Credit adds coins to an account.
func (s *Service) Credit(ctx context.Context, m domain.Mutation) (domain.Balance, error) {
	b, _, err := s.apply(ctx, domain.EntryCredit, m)
	return b, err
}

// Debit removes coins from an account, failing with ErrInsufficientFunds
// rather than letting the balance go negative.
func (s *Service) Debit(ctx context.Context, m domain.Mutation) (domain.Balance, error) {
	b, _, err := s.apply(ctx, domain.EntryDebit, m)
	return b, err
}

// Apply is Credit/Debit returning the committed ledger entry as well.
func (s *Service) Apply(ctx context.Context, kind domain.EntryType, m domain.Mutation) (domain.Balance, domain.LedgerEntry, error) {
	return s.apply(ctx, kind, m)
}

func (s *Service) apply(ctx context.Context, kind domain.EntryType, m domain.Mutation) (b domain.Balance, e domain.LedgerEntry, err error) {
	start := time.Now()
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = string(domain.KindOf(err))
		}
		observability.WalletMutations.WithLabelValues(string(kind), outcome).Inc()
		observability.WalletMutationLatency.WithLabelValues(string(kind)).Observe(time.Since(start).Seconds())
	}()

	if err := m.Validate(); err != nil {
		return domain.Balance{}, domain.LedgerEntry{}, err
	}
	m = m.WithDefaults()

	unlock := s.locks.lock(m.AccountID)
	defer unlock()

	b, e, err = s.store.Apply(ctx, kind, m)
	if err != nil {
		if !errors.Is(err, domain.ErrInsufficientFunds) && !errors.Is(err, domain.ErrNotFound) {
			s.log.Warn("mutation failed",
				zap.String("account", m.AccountID),
				zap.String("kind", string(kind)),
				zap.Int64("amount", m.Amount),
				zap.String("reference", m.Reference),
				zap.Error(err))
		}
		return domain.Balance{}, domain.LedgerEntry{}, err
	}

	s.log.Debug("mutation applied",
		zap.String("account", m.AccountID),
		zap.String("kind", string(kind)),
		zap.Int64("amount", m.Amount),
		zap.String("source", string(m.Source)),
		zap.Int64("entry", e.ID),
		zap.Int64("balance", b.Balance))
	return b, e, nil
}

// ─── Transaction Log ────────────────────────────────────────────────────────

// History returns a page of the account's log, oldest first. Pass the last
// returned ID as AfterID to fetch the next page.
func (s *Service) History(ctx context.Context, accountID string, q domain.HistoryQuery) ([]domain.LedgerEntry, error) {
	if _, err := s.store.GetBalance(ctx, accountID); err != nil {
		return nil, err
	}
	entries, err := s.store.History(ctx, accountID, q)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []domain.LedgerEntry{}
	}
	return entries, nil
}

// FindByReference returns the entry committed under an idempotency key, or
// ErrEntryNotFound when no such mutation was ever applied.
func (s *Service) FindByReference(ctx context.Context, accountID, reference string) (domain.LedgerEntry, error) {
	if _, err := s.store.GetBalance(ctx, accountID); err != nil {
		return domain.LedgerEntry{}, err
	}
	return s.store.EntryByReference(ctx, accountID, reference)
}

// Verify replays the account's full log from zero and compares the result
// with the stored balance. The account lock is held so the replay sees a
// stable snapshot.
func (s *Service) Verify(ctx context.Context, accountID string) (domain.Reconciliation, error) {
	unlock := s.locks.lock(accountID)
	defer unlock()

	b, err := s.store.GetBalance(ctx, accountID)
	if err != nil {
		return domain.Reconciliation{}, err
	}

	var all []domain.LedgerEntry
	q := domain.HistoryQuery{Limit: domain.MaxHistoryLimit}
	for {
		page, err := s.store.History(ctx, accountID, q)
		if err != nil {
			return domain.Reconciliation{}, fmt.Errorf("read history: %w", err)
		}
		all = append(all, page...)
		if len(page) < q.Limit {
			break
		}
		q.AfterID = page[len(page)-1].ID
	}

	r := domain.Replay(accountID, b.Balance, all)
	if !r.OK {
		observability.WalletVerifyMismatches.Inc()
		s.log.Error("ledger mismatch",
			zap.String("account", accountID),
			zap.Int64("balance", r.Balance),
			zap.Int64("replayed", r.Replayed),
			zap.Int64("first_mismatch", r.FirstMismatchID))
	}
	return r, nil
}
