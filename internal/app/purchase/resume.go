package purchase

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ecohub/rewards/internal/domain"
)

// errDebitNeverApplied is recorded when reconciliation proves the wallet
// never committed the debit.
var errDebitNeverApplied = errors.New("reconciled: debit never applied")

// Resume drives a stale attempt to a terminal state. It is the recovery path
// for crashes and for DEBIT_UNKNOWN outcomes, and is safe to repeat: every
// wallet call reuses the attempt's idempotency keys.
//
// An attempt whose wallet state cannot be determined yet is returned
// unchanged with an error wrapping ErrRemoteUnavailable.
func (o *Orchestrator) Resume(ctx context.Context, a domain.Attempt) (domain.Attempt, error) {
	ctx, span := o.tracer.StartSpan(ctx, "purchase.resume", map[string]string{
		"token": a.Token,
		"from":  string(a.State),
	})
	var err error
	defer func() { o.tracer.EndSpan(span, err) }()

	switch a.State {
	case domain.StateInitiated, domain.StatePriced:
		// The debit was never sent.
		o.release(ctx, &a)
		err = o.fail(ctx, &a, errDebitNeverApplied)
		if errors.Is(err, errDebitNeverApplied) {
			err = nil
		}
		return a, err

	case domain.StateDebiting:
		// Died mid-call; treat like a timeout.
		unknown := fmt.Errorf("%w: interrupted during debit", domain.ErrDebitOutcomeUnknown)
		o.fail(ctx, &a, unknown)
		fallthrough

	case domain.StateDebitUnknown:
		err = o.resolveDebit(ctx, &a)
		return a, err

	case domain.StateDebited:
		_, err = o.complete(ctx, &a)
		if a.State == domain.StateRefunded {
			err = nil
		}
		return a, err

	case domain.StateRefunding:
		err = o.refund(ctx, &a)
		return a, err
	}
	return a, nil
}

// resolveDebit asks the wallet whether the attempt's debit committed.
func (o *Orchestrator) resolveDebit(ctx context.Context, a *domain.Attempt) error {
	callCtx, cancel := context.WithTimeout(ctx, o.cfg.WalletTimeout)
	defer cancel()

	entry, err := o.wallet.FindByReference(callCtx, a.UserID, domain.DebitReference(a.Token))
	switch {
	case err == nil:
		o.log.Info("debit found during reconciliation",
			zap.String("token", a.Token),
			zap.Int64("entry", entry.ID),
			zap.Int64("amount", entry.Amount))
		a.ErrorKind, a.Error = "", ""
		if err := o.advance(ctx, a, domain.StateDebited); err != nil {
			return err
		}
		_, err := o.complete(ctx, a)
		if a.State == domain.StateRefunded {
			return nil
		}
		return err

	case errors.Is(err, domain.ErrNotFound):
		// Neither the entry nor possibly the account exists: no coins moved.
		o.log.Info("debit absent, releasing attempt", zap.String("token", a.Token))
		if rerr := o.store.Release(ctx, a.Token); rerr != nil {
			return fmt.Errorf("release stock: %w", rerr)
		}
		o.fail(ctx, a, errDebitNeverApplied)
		return nil

	default:
		if !errors.Is(err, domain.ErrRemoteUnavailable) {
			err = fmt.Errorf("%w: %w", domain.ErrRemoteUnavailable, err)
		}
		return err
	}
}
