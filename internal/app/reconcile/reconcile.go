// Package reconcile finishes purchase attempts that were left mid-flight:
// debits whose outcome was never learned, and attempts interrupted by a
// crash or a failed refund.
//
// Each pass:
//  1. Lists attempts in a reconcilable state untouched for longer than Grace
//  2. Resumes each one with at most MaxConcurrent in flight
//  3. Leaves attempts whose wallet cannot be reached for the next pass
package reconcile

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ecohub/rewards/internal/domain"
	"github.com/ecohub/rewards/internal/infra/observability"
)

// Resumer drives one attempt forward. *purchase.Orchestrator implements it.
type Resumer interface {
	Resume(ctx context.Context, a domain.Attempt) (domain.Attempt, error)
}

// Config controls reconciler behavior.
type Config struct {
	Interval      time.Duration // time between passes (default: 30s)
	Grace         time.Duration // minimum attempt age (default: 1m)
	MaxConcurrent int           // attempts resumed in parallel (default: 4)
	BatchSize     int           // attempts per pass (default: 100)
}

// DefaultConfig returns safe reconciler defaults. Grace must exceed the time
// a wallet request can still commit after the shop gave up on it.
func DefaultConfig() Config {
	return Config{
		Interval:      30 * time.Second,
		Grace:         time.Minute,
		MaxConcurrent: 4,
		BatchSize:     100,
	}
}

// Reconciler periodically resumes stale purchase attempts.
type Reconciler struct {
	mu       sync.RWMutex
	config   Config
	attempts domain.AttemptStore
	resumer  Resumer
	log      *zap.Logger
	sem      chan struct{}
	active   int
	passes   int64
	resolved int64
	deferred int64
	now      func() time.Time
}

// New creates a reconciler.
func New(cfg Config, attempts domain.AttemptStore, resumer Resumer, log *zap.Logger) *Reconciler {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Grace < 0 {
		cfg.Grace = 0
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Reconciler{
		config:   cfg,
		attempts: attempts,
		resumer:  resumer,
		log:      log.Named("reconcile"),
		sem:      make(chan struct{}, cfg.MaxConcurrent),
		now:      time.Now,
	}
}

// Report summarizes one pass.
type Report struct {
	Scanned  int `json:"scanned"`
	Resolved int `json:"resolved"`
	Deferred int `json:"deferred"`
}

// Run executes passes every Interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	r.log.Info("reconciler started",
		zap.Duration("interval", r.config.Interval),
		zap.Duration("grace", r.config.Grace))

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()
	for {
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			r.log.Error("reconcile pass failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			r.log.Info("reconciler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce performs a single pass and waits for every resumed attempt.
func (r *Reconciler) RunOnce(ctx context.Context) (Report, error) {
	cutoff := r.now().Add(-r.config.Grace)
	pending, err := r.attempts.PendingAttempts(ctx, domain.ReconcilableStates(), cutoff, r.config.BatchSize)
	if err != nil {
		return Report{}, err
	}
	observability.ReconcilePending.Set(float64(len(pending)))

	rep := Report{Scanned: len(pending)}
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, a := range pending {
		select {
		case r.sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return rep, ctx.Err()
		}

		wg.Add(1)
		go func(a domain.Attempt) {
			defer wg.Done()
			defer func() { <-r.sem }()

			ok := r.resume(ctx, a)
			mu.Lock()
			if ok {
				rep.Resolved++
			} else {
				rep.Deferred++
			}
			mu.Unlock()
		}(a)
	}
	wg.Wait()

	r.mu.Lock()
	r.passes++
	r.mu.Unlock()

	if rep.Scanned > 0 {
		r.log.Info("reconcile pass complete",
			zap.Int("scanned", rep.Scanned),
			zap.Int("resolved", rep.Resolved),
			zap.Int("deferred", rep.Deferred))
	}
	return rep, nil
}

// resume drives one attempt and reports whether it reached a terminal state.
func (r *Reconciler) resume(ctx context.Context, a domain.Attempt) bool {
	r.mu.Lock()
	r.active++
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.active--
		r.mu.Unlock()
	}()

	from := a.State
	next, err := r.resumer.Resume(ctx, a)
	if err != nil {
		level := r.log.Warn
		if !errors.Is(err, domain.ErrRemoteUnavailable) {
			level = r.log.Error
		}
		level("attempt deferred",
			zap.String("token", a.Token),
			zap.String("state", string(next.State)),
			zap.Error(err))
	}

	resolved := next.State.Terminal() && next.State != domain.StateDebitUnknown
	if next.State != from {
		observability.ReconcileResolutions.WithLabelValues(string(from), string(next.State)).Inc()
		r.log.Info("attempt reconciled",
			zap.String("token", a.Token),
			zap.String("from", string(from)),
			zap.String("to", string(next.State)))
	}

	r.mu.Lock()
	if resolved {
		r.resolved++
	} else {
		r.deferred++
	}
	r.mu.Unlock()
	return resolved
}

// Stats returns reconciler statistics.
type Stats struct {
	Active   int   `json:"active"`
	Passes   int64 `json:"passes"`
	Resolved int64 `json:"resolved"`
	Deferred int64 `json:"deferred"`
	MaxSlots int   `json:"max_slots"`
}

// Stats returns current reconciler statistics.
func (r *Reconciler) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{
		Active:   r.active,
		Passes:   r.passes,
		Resolved: r.resolved,
		Deferred: r.deferred,
		MaxSlots: r.config.MaxConcurrent,
	}
}
