// Package purchase orchestrates a shop purchase across the catalog, the
// wallet service and the order store.
//
// Every attempt is journaled before each remote call. The flow is
//
//	INITIATED → PRICED → DEBITING → DEBITED → ORDER_WRITTEN
//
// with DEBIT_FAILED for definitive failures, REFUNDING → REFUNDED when the
// order cannot be written after a debit, and DEBIT_UNKNOWN when the wallet
// did not answer. DEBIT_UNKNOWN, DEBITED and REFUNDING attempts are finished
// later by Resume.
package purchase

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/ecohub/rewards/internal/domain"
	"github.com/ecohub/rewards/internal/infra/observability"
)

// Config controls orchestrator behavior.
type Config struct {
	WalletTimeout  time.Duration // per wallet call (default: 5s)
	CatalogRetries int           // extra product lookups on transient errors (default: 2)
	CatalogBackoff time.Duration // first retry delay, doubled per retry (default: 50ms)
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		WalletTimeout:  5 * time.Second,
		CatalogRetries: 2,
		CatalogBackoff: 50 * time.Millisecond,
	}
}

// Store is the shop-side persistence the orchestrator needs.
type Store interface {
	domain.Catalog
	domain.OrderStore
	domain.AttemptStore
}

// Request identifies one purchase. Token is the client idempotency key; an
// empty Token gets a fresh UUID.
type Request struct {
	UserID    string
	ProductID int64
	Token     string
}

// Orchestrator runs purchases.
type Orchestrator struct {
	store  Store
	wallet domain.Wallet
	cfg    Config
	log    *zap.Logger
	tracer *observability.Tracer
	newID  func() string
}

// New creates an orchestrator.
func New(store Store, wallet domain.Wallet, cfg Config, log *zap.Logger) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.WalletTimeout <= 0 {
		cfg.WalletTimeout = def.WalletTimeout
	}
	if cfg.CatalogRetries < 0 {
		cfg.CatalogRetries = 0
	}
	if cfg.CatalogBackoff <= 0 {
		cfg.CatalogBackoff = def.CatalogBackoff
	}
	entropy := ulid.Monotonic(rand.Reader, 0)
	return &Orchestrator{
		store:  store,
		wallet: wallet,
		cfg:    cfg,
		log:    log.Named("purchase"),
		newID: func() string {
			return ulid.MustNew(ulid.Now(), entropy).String()
		},
	}
}

// SetTracer enables span recording for purchases.
func (o *Orchestrator) SetTracer(t *observability.Tracer) { o.tracer = t }

// ─── Purchase ───────────────────────────────────────────────────────────────

// Purchase buys one unit of a product for a user. The returned attempt is
// always populated once the journal entry exists, so callers can report the
// token even on failure.
//
// Cancelling ctx aborts the purchase only until the debit is sent. After
// that the attempt is driven to a journaled state regardless.
func (o *Orchestrator) Purchase(ctx context.Context, req Request) (order domain.Order, a domain.Attempt, err error) {
	if req.UserID == "" {
		return domain.Order{}, domain.Attempt{}, domain.ErrInvalidAccount
	}
	if req.ProductID <= 0 {
		return domain.Order{}, domain.Attempt{}, domain.ErrProductNotFound
	}
	if req.Token == "" {
		req.Token = uuid.NewString()
	} else if err := domain.ValidateToken(req.Token); err != nil {
		return domain.Order{}, domain.Attempt{}, err
	}

	now := time.Now().UTC()
	a = domain.Attempt{
		Token:     req.Token,
		UserID:    req.UserID,
		ProductID: req.ProductID,
		State:     domain.StateInitiated,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.store.CreateAttempt(ctx, a); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			return o.replay(ctx, req)
		}
		return domain.Order{}, domain.Attempt{}, fmt.Errorf("journal attempt: %w", err)
	}

	ctx, span := o.tracer.StartSpan(ctx, "purchase", map[string]string{
		"token":   a.Token,
		"user":    a.UserID,
		"product": strconv.FormatInt(a.ProductID, 10),
	})
	start := time.Now()
	defer func() {
		state := string(a.State)
		observability.PurchaseOutcomes.WithLabelValues(state).Inc()
		observability.PurchaseLatency.WithLabelValues(state).Observe(time.Since(start).Seconds())
		if span.Attrs != nil {
			span.Attrs["state"] = state
		}
		o.tracer.EndSpan(span, err)
	}()

	// 1. Price snapshot.
	p, err := o.loadProduct(ctx, a.ProductID)
	if err != nil {
		return domain.Order{}, a, o.fail(ctx, &a, err)
	}
	a.Price = p.Price
	if err := o.advance(ctx, &a, domain.StatePriced); err != nil {
		return domain.Order{}, a, err
	}

	// 2. Hold one unit of stock under the attempt token.
	if err := o.store.Reserve(ctx, a.ProductID, a.Token); err != nil {
		return domain.Order{}, a, o.fail(ctx, &a, err)
	}

	// 3. Last chance for the caller to walk away.
	if err := ctx.Err(); err != nil {
		o.release(context.WithoutCancel(ctx), &a)
		return domain.Order{}, a, o.fail(context.WithoutCancel(ctx), &a, err)
	}
	if err := o.advance(ctx, &a, domain.StateDebiting); err != nil {
		o.release(context.WithoutCancel(ctx), &a)
		return domain.Order{}, a, err
	}

	ctx = context.WithoutCancel(ctx)
	if err := o.debit(ctx, &a); err != nil {
		return domain.Order{}, a, err
	}

	// 4. Record the order, refunding if that is impossible.
	order, err = o.complete(ctx, &a)
	return order, a, err
}

// loadProduct reads the product, retrying transient failures with doubling
// backoff. Not-found is final.
func (o *Orchestrator) loadProduct(ctx context.Context, id int64) (domain.Product, error) {
	delay := o.cfg.CatalogBackoff
	for attempt := 0; ; attempt++ {
		p, err := o.store.GetProduct(ctx, id)
		if err == nil {
			return p, nil
		}
		if errors.Is(err, domain.ErrNotFound) || attempt >= o.cfg.CatalogRetries {
			return domain.Product{}, err
		}
		o.log.Debug("product lookup retry", zap.Int64("product", id), zap.Int("attempt", attempt+1), zap.Error(err))

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return domain.Product{}, ctx.Err()
		case <-t.C:
		}
		delay *= 2
	}
}

// debit performs the wallet call for a DEBITING attempt and journals the
// outcome. ctx must not be cancellable by the client.
func (o *Orchestrator) debit(ctx context.Context, a *domain.Attempt) error {
	callCtx, cancel := context.WithTimeout(ctx, o.cfg.WalletTimeout)
	defer cancel()

	spanCtx, span := o.tracer.StartSpan(callCtx, "purchase.debit", map[string]string{"amount": strconv.FormatInt(a.Price, 10)})
	_, err := o.wallet.Debit(spanCtx, domain.Mutation{
		AccountID: a.UserID,
		Amount:    a.Price,
		Source:    domain.SourcePurchase,
		Note:      "product " + strconv.FormatInt(a.ProductID, 10),
		Reference: domain.DebitReference(a.Token),
	})
	o.tracer.EndSpan(span, err)

	switch {
	case err == nil:
		// The coins are gone; continue to the order even if the journal lags.
		o.advance(ctx, a, domain.StateDebited)
		return nil

	case definitive(err):
		o.release(ctx, a)
		return o.fail(ctx, a, err)

	default:
		if !errors.Is(err, domain.ErrRemoteUnavailable) {
			err = fmt.Errorf("%w: %w", domain.ErrRemoteUnavailable, err)
		}
		unknown := fmt.Errorf("%w: %w", domain.ErrDebitOutcomeUnknown, err)
		o.log.Warn("debit outcome unknown",
			zap.String("token", a.Token),
			zap.String("user", a.UserID),
			zap.Int64("amount", a.Price),
			zap.Error(err))
		o.fail(ctx, a, unknown)
		return unknown
	}
}

// definitive reports whether the wallet refused the debit, as opposed to
// failing to answer.
func definitive(err error) bool {
	return errors.Is(err, domain.ErrInsufficientFunds) ||
		errors.Is(err, domain.ErrNotFound) ||
		errors.Is(err, domain.ErrInvalidAmount) ||
		errors.Is(err, domain.ErrInvalidAccount)
}

// complete writes the order for a DEBITED attempt. On failure the debit is
// refunded and the order error returned.
func (o *Orchestrator) complete(ctx context.Context, a *domain.Attempt) (domain.Order, error) {
	order := domain.Order{
		ID:           o.newID(),
		UserID:       a.UserID,
		ProductID:    a.ProductID,
		PricePaid:    a.Price,
		AttemptToken: a.Token,
		PurchasedAt:  time.Now().UTC(),
	}
	err := o.store.CreateOrder(ctx, order)
	if errors.Is(err, domain.ErrAlreadyExists) {
		order, err = o.store.OrderByAttempt(ctx, a.Token)
	}
	if err != nil {
		werr := fmt.Errorf("write order: %w", err)
		o.log.Error("order write failed after debit, refunding",
			zap.String("token", a.Token),
			zap.String("user", a.UserID),
			zap.Int64("amount", a.Price),
			zap.Error(err))
		o.fail(ctx, a, werr)
		if rerr := o.refund(ctx, a); rerr != nil {
			o.log.Error("refund failed, left for reconciliation", zap.String("token", a.Token), zap.Error(rerr))
		}
		return domain.Order{}, werr
	}

	a.OrderID = order.ID
	if err := o.advance(ctx, a, domain.StateOrderWritten); err != nil {
		// The order exists; a journal write failure is not the customer's problem.
		o.log.Error("journal order_written failed", zap.String("token", a.Token), zap.Error(err))
	}
	o.log.Info("purchase completed",
		zap.String("token", a.Token),
		zap.String("order", order.ID),
		zap.String("user", a.UserID),
		zap.Int64("product", a.ProductID),
		zap.Int64("price", a.Price))
	return order, nil
}

// refund returns the coins of a REFUNDING attempt and frees its stock.
// Both steps are idempotent, so it may be repeated until it succeeds.
func (o *Orchestrator) refund(ctx context.Context, a *domain.Attempt) error {
	callCtx, cancel := context.WithTimeout(ctx, o.cfg.WalletTimeout)
	defer cancel()

	_, err := o.wallet.Credit(callCtx, domain.Mutation{
		AccountID: a.UserID,
		Amount:    a.Price,
		Source:    domain.SourceRefundOrder,
		Note:      "refund for purchase " + a.Token,
		Reference: domain.RefundReference(a.Token),
	})
	if err != nil {
		return fmt.Errorf("refund credit: %w", err)
	}
	if err := o.store.Release(ctx, a.Token); err != nil {
		return fmt.Errorf("release stock: %w", err)
	}
	return o.advance(ctx, a, domain.StateRefunded)
}

// ─── Journal Helpers ────────────────────────────────────────────────────────

// advance transitions the attempt and persists it.
func (o *Orchestrator) advance(ctx context.Context, a *domain.Attempt, next domain.PurchaseState) error {
	if err := a.Transition(next); err != nil {
		return err
	}
	if err := o.store.SaveAttempt(ctx, *a); err != nil {
		o.log.Error("journal write failed", zap.String("token", a.Token), zap.String("state", string(next)), zap.Error(err))
		return fmt.Errorf("journal %s: %w", next, err)
	}
	return nil
}

// fail records cause on the attempt, moves it to the matching failure state
// and returns cause.
func (o *Orchestrator) fail(ctx context.Context, a *domain.Attempt, cause error) error {
	next := domain.StateDebitFailed
	switch {
	case errors.Is(cause, domain.ErrDebitOutcomeUnknown):
		next = domain.StateDebitUnknown
	case a.State == domain.StateDebited:
		next = domain.StateRefunding
	}
	if err := a.Fail(next, cause); err != nil {
		return err
	}
	if err := o.store.SaveAttempt(ctx, *a); err != nil {
		o.log.Error("journal write failed", zap.String("token", a.Token), zap.String("state", string(next)), zap.Error(err))
	}
	return cause
}

func (o *Orchestrator) release(ctx context.Context, a *domain.Attempt) {
	if err := o.store.Release(ctx, a.Token); err != nil {
		o.log.Error("stock release failed", zap.String("token", a.Token), zap.Int64("product", a.ProductID), zap.Error(err))
	}
}

// ─── Replay ─────────────────────────────────────────────────────────────────

// replay answers a repeated request with the recorded outcome of its token.
func (o *Orchestrator) replay(ctx context.Context, req Request) (domain.Order, domain.Attempt, error) {
	a, err := o.store.GetAttempt(ctx, req.Token)
	if err != nil {
		return domain.Order{}, domain.Attempt{}, err
	}
	if a.UserID != req.UserID || a.ProductID != req.ProductID {
		return domain.Order{}, a, fmt.Errorf("%w: token %s belongs to another purchase", domain.ErrReferenceConflict, req.Token)
	}
	order, err := o.Outcome(ctx, a)
	return order, a, err
}

// Outcome reports what an attempt amounted to: its order once written, the
// recorded failure for a failed attempt, or ErrAttemptInProgress.
func (o *Orchestrator) Outcome(ctx context.Context, a domain.Attempt) (domain.Order, error) {
	switch a.State {
	case domain.StateOrderWritten:
		return o.store.OrderByAttempt(ctx, a.Token)
	case domain.StateDebitFailed, domain.StateDebitUnknown, domain.StateRefunded:
		if sentinel := domain.ErrorForKind(a.ErrorKind); sentinel != nil {
			return domain.Order{}, fmt.Errorf("%w (recorded: %s)", sentinel, a.Error)
		}
		return domain.Order{}, errors.New(a.Error)
	default:
		return domain.Order{}, fmt.Errorf("%w: %s", domain.ErrAttemptInProgress, a.State)
	}
}
