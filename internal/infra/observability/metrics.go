package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ═══════════════════════════════════════════════════════════════════════════
// Prometheus Metrics
// ═══════════════════════════════════════════════════════════════════════════

// ─── Wallet Metrics ─────────────────────────────────────────────────────────

// WalletMutations counts credit/debit calls by kind and outcome
// ("ok" or an error kind such as insufficient_funds).
var WalletMutations = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "ecohub",
	Subsystem: "wallet",
	Name:      "mutations_total",
	Help:      "Total wallet mutations by kind and outcome.",
}, []string{"kind", "outcome"})

// WalletMutationLatency tracks end-to-end mutation latency including lock wait.
var WalletMutationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "ecohub",
	Subsystem: "wallet",
	Name:      "mutation_seconds",
	Help:      "Wallet mutation latency in seconds.",
	Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
}, []string{"kind"})

// WalletAccountsCreated counts accounts opened with a welcome grant.
var WalletAccountsCreated = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "ecohub",
	Subsystem: "wallet",
	Name:      "accounts_created_total",
	Help:      "Total wallet accounts created.",
})

// WalletActiveLocks is the number of accounts with an in-flight mutation.
var WalletActiveLocks = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "ecohub",
	Subsystem: "wallet",
	Name:      "active_account_locks",
	Help:      "Number of per-account locks currently held or awaited.",
})

// WalletVerifyMismatches counts replays that disagreed with the stored balance.
var WalletVerifyMismatches = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "ecohub",
	Subsystem: "wallet",
	Name:      "verify_mismatches_total",
	Help:      "Total ledger replays that did not match the stored balance.",
})

// ─── Purchase Metrics ───────────────────────────────────────────────────────

// PurchaseOutcomes counts purchase attempts by the state they ended in.
var PurchaseOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "ecohub",
	Subsystem: "purchase",
	Name:      "outcomes_total",
	Help:      "Total purchase attempts by final state.",
}, []string{"state"})

// PurchaseLatency tracks purchase latency by final state.
var PurchaseLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "ecohub",
	Subsystem: "purchase",
	Name:      "duration_seconds",
	Help:      "Purchase latency in seconds by final state.",
	Buckets:   prometheus.DefBuckets,
}, []string{"state"})

// WalletCalls counts outbound wallet calls from the shop by operation and result.
var WalletCalls = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "ecohub",
	Subsystem: "walletclient",
	Name:      "calls_total",
	Help:      "Total outbound wallet calls by operation and result.",
}, []string{"op", "result"})

// ─── Reconciler Metrics ─────────────────────────────────────────────────────

// ReconcileResolutions counts attempts resolved by the reconciler, keyed by
// the state they were found in and the state they moved to.
var ReconcileResolutions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "ecohub",
	Subsystem: "reconcile",
	Name:      "resolutions_total",
	Help:      "Total attempts resolved by the reconciler.",
}, []string{"from", "to"})

// ReconcilePending is the number of attempts found by the last pass.
var ReconcilePending = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "ecohub",
	Subsystem: "reconcile",
	Name:      "pending_attempts",
	Help:      "Attempts awaiting reconciliation at the last pass.",
})

// ─── HTTP Metrics ───────────────────────────────────────────────────────────

// HTTPRequests counts served requests by service, route pattern and status.
var HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "ecohub",
	Subsystem: "http",
	Name:      "requests_total",
	Help:      "Total HTTP requests by service, route and status code.",
}, []string{"service", "route", "code"})

// ─── Trace Metrics ──────────────────────────────────────────────────────────

// TracesRecorded tracks total spans recorded.
var TracesRecorded = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "ecohub",
	Subsystem: "traces",
	Name:      "spans_recorded_total",
	Help:      "Total trace spans recorded.",
})

// TraceErrors tracks error spans.
var TraceErrors = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "ecohub",
	Subsystem: "traces",
	Name:      "error_spans_total",
	Help:      "Total trace spans with error status.",
})
