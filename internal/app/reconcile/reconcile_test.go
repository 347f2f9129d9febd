package reconcile

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ecohub/rewards/internal/app/purchase"
	"github.com/ecohub/rewards/internal/app/wallet"
	"github.com/ecohub/rewards/internal/domain"
	"github.com/ecohub/rewards/internal/infra/sqlite"
)

func newTestDB(t *testing.T) *sqlite.DB {
	t.Helper()
	db, err := sqlite.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// mockResumer moves every attempt to a fixed state.
type mockResumer struct {
	to       domain.PurchaseState
	err      error
	delay    time.Duration
	calls    atomic.Int32
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (m *mockResumer) Resume(ctx context.Context, a domain.Attempt) (domain.Attempt, error) {
	m.calls.Add(1)
	n := m.inFlight.Add(1)
	defer m.inFlight.Add(-1)
	for {
		p := m.peak.Load()
		if n <= p || m.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	if m.err != nil {
		return a, m.err
	}
	a.State = m.to
	return a, nil
}

func seedAttempt(t *testing.T, db *sqlite.DB, token string, state domain.PurchaseState, age time.Duration) {
	t.Helper()
	ts := time.Now().UTC().Add(-age)
	a := domain.Attempt{Token: token, UserID: "u", ProductID: 1, Price: 10, State: state, CreatedAt: ts, UpdatedAt: ts}
	if err := db.CreateAttempt(context.Background(), a); err != nil {
		t.Fatalf("CreateAttempt() error: %v", err)
	}
}

// ─── Config Tests ───────────────────────────────────────────────────────────

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.MaxConcurrent != 4 {
		t.Errorf("MaxConcurrent = %d, want 4", cfg.MaxConcurrent)
	}
	if cfg.Interval != 30*time.Second {
		t.Errorf("Interval = %v, want 30s", cfg.Interval)
	}
	if cfg.Grace != time.Minute {
		t.Errorf("Grace = %v, want 1m", cfg.Grace)
	}
}

func TestNew_FillsDefaults(t *testing.T) {
	r := New(Config{}, newTestDB(t), &mockResumer{}, nil)
	if s := r.Stats(); s.MaxSlots != 4 {
		t.Errorf("MaxSlots = %d, want 4", s.MaxSlots)
	}
}

// ─── Pass Tests ─────────────────────────────────────────────────────────────

func TestRunOnce_SelectsStaleAttempts(t *testing.T) {
	db := newTestDB(t)
	seedAttempt(t, db, "old-unknown", domain.StateDebitUnknown, time.Hour)
	seedAttempt(t, db, "old-debited", domain.StateDebited, time.Hour)
	seedAttempt(t, db, "fresh-unknown", domain.StateDebitUnknown, 0)
	seedAttempt(t, db, "old-done", domain.StateOrderWritten, time.Hour)
	seedAttempt(t, db, "old-failed", domain.StateDebitFailed, time.Hour)

	m := &mockResumer{to: domain.StateOrderWritten}
	r := New(Config{Grace: time.Minute, MaxConcurrent: 2}, db, m, zap.NewNop())

	rep, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error: %v", err)
	}
	if rep.Scanned != 2 || rep.Resolved != 2 || rep.Deferred != 0 {
		t.Errorf("report = %+v, want 2 scanned and resolved", rep)
	}
	if m.calls.Load() != 2 {
		t.Errorf("Resume calls = %d, want 2", m.calls.Load())
	}

	s := r.Stats()
	if s.Passes != 1 || s.Resolved != 2 || s.Active != 0 {
		t.Errorf("Stats() = %+v", s)
	}
}

func TestRunOnce_DefersUnreachable(t *testing.T) {
	db := newTestDB(t)
	seedAttempt(t, db, "a", domain.StateDebitUnknown, time.Hour)

	m := &mockResumer{err: domain.ErrRemoteUnavailable}
	r := New(Config{Grace: time.Minute}, db, m, zap.NewNop())

	rep, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error: %v", err)
	}
	if rep.Deferred != 1 || rep.Resolved != 0 {
		t.Errorf("report = %+v, want 1 deferred", rep)
	}
}

func TestRunOnce_BoundedConcurrency(t *testing.T) {
	db := newTestDB(t)
	for i := 0; i < 10; i++ {
		seedAttempt(t, db, string(rune('a'+i)), domain.StateRefunding, time.Hour)
	}

	m := &mockResumer{to: domain.StateRefunded, delay: 20 * time.Millisecond}
	r := New(Config{Grace: time.Minute, MaxConcurrent: 3}, db, m, zap.NewNop())

	if _, err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error: %v", err)
	}
	if peak := m.peak.Load(); peak > 3 {
		t.Errorf("peak concurrency = %d, want <= 3", peak)
	}
	if m.calls.Load() != 10 {
		t.Errorf("calls = %d, want 10", m.calls.Load())
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	db := newTestDB(t)
	r := New(Config{Interval: 10 * time.Millisecond}, db, &mockResumer{}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run() did not stop after cancel")
	}
	if r.Stats().Passes < 2 {
		t.Errorf("Passes = %d, want several", r.Stats().Passes)
	}
}

// ─── End-to-End Resolution ──────────────────────────────────────────────────

// switchWallet forwards to the real wallet but can pretend every debit reply
// was lost.
type switchWallet struct {
	*wallet.Service
	mu         sync.Mutex
	applyDebit bool
	lose       bool
}

func (w *switchWallet) Debit(ctx context.Context, m domain.Mutation) (domain.Balance, error) {
	w.mu.Lock()
	lose, apply := w.lose, w.applyDebit
	w.mu.Unlock()
	if !lose {
		return w.Service.Debit(ctx, m)
	}
	if apply {
		w.Service.Debit(ctx, m)
	}
	return domain.Balance{}, context.DeadlineExceeded
}

func TestReconciler_ResolvesBothDirections(t *testing.T) {
	ctx := context.Background()
	shop := newTestDB(t)
	w := &switchWallet{Service: wallet.New(newTestDB(t), wallet.DefaultConfig(), zap.NewNop())}
	w.CreateAccount(ctx, "alice")
	w.CreateAccount(ctx, "bob")

	p, _ := shop.CreateProduct(ctx, domain.Product{Name: "Tote bag", Price: 60, Stock: 10})
	orch := purchase.New(shop, w, purchase.Config{WalletTimeout: 50 * time.Millisecond}, zap.NewNop())

	// alice: debit committed, reply lost.
	w.lose, w.applyDebit = true, true
	_, landed, _ := orch.Purchase(ctx, purchase.Request{UserID: "alice", ProductID: p.ID})
	// bob: debit never reached the wallet.
	w.applyDebit = false
	_, lost, _ := orch.Purchase(ctx, purchase.Request{UserID: "bob", ProductID: p.ID})
	w.lose = false

	if landed.State != domain.StateDebitUnknown || lost.State != domain.StateDebitUnknown {
		t.Fatalf("states = %s/%s, want DEBIT_UNKNOWN", landed.State, lost.State)
	}

	r := New(Config{Grace: 0}, shop, orch, zap.NewNop())
	rep, err := r.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce() error: %v", err)
	}
	if rep.Resolved != 2 {
		t.Errorf("Resolved = %d, want 2", rep.Resolved)
	}

	a, _ := shop.GetAttempt(ctx, landed.Token)
	if a.State != domain.StateOrderWritten {
		t.Errorf("alice attempt = %s, want ORDER_WRITTEN", a.State)
	}
	if orders, _ := shop.ListOrders(ctx, "alice"); len(orders) != 1 {
		t.Errorf("alice orders = %d, want 1", len(orders))
	}

	b, _ := shop.GetAttempt(ctx, lost.Token)
	if b.State != domain.StateDebitFailed {
		t.Errorf("bob attempt = %s, want DEBIT_FAILED", b.State)
	}
	if bal, _ := w.GetBalance(ctx, "bob"); bal.Balance != 200 {
		t.Errorf("bob balance = %d, want 200", bal.Balance)
	}

	got, _ := shop.GetProduct(ctx, p.ID)
	if got.Stock != 9 {
		t.Errorf("stock = %d, want 9 (alice's unit kept, bob's released)", got.Stock)
	}

	// Nothing left for a second pass.
	rep, _ = r.RunOnce(ctx)
	if rep.Scanned != 0 {
		t.Errorf("second pass scanned %d, want 0", rep.Scanned)
	}
}
