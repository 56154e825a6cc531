// Package observability — metrics.go
//
// Prometheus metrics for the OCTOREFLEX agent.
//
// Endpoint: GET /metrics on 127.0.0.1:9091 (configurable).
// Format: Prometheus text exposition format (OpenMetrics compatible).
// Bind: loopback only — no external exposure.
//
// Metric naming convention: octoreflex_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.
//
// Cardinality control:
//   - payload/variant labels are drawn from the closed schema.Payload set
//     (at most a handful of values).
//   - PID is NOT used as a label (unbounded cardinality).
//   - Per-PID metrics are aggregated before recording.

package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for OCTOREFLEX.
type Metrics struct {
	registry *prometheus.Registry

	// ─── K-RING ───────────────────────────────────────────────────────────────

	// RingDroppedTotal is the cumulative frame-drop count sampled from the
	// ring header's dropped cursor.
	RingDroppedTotal prometheus.Counter

	// ─── U-INGEST ─────────────────────────────────────────────────────────────

	// EventsTotal counts decoded events handed to ROUTER, by payload variant.
	EventsTotal *prometheus.CounterVec

	// EvtDecodeErrorTotal counts frames popped from the ring that failed to
	// decode as a BaseEvent.
	EvtDecodeErrorTotal prometheus.Counter

	// ─── ROUTER ───────────────────────────────────────────────────────────────

	// RouterDBDropTotal counts events dropped because a TypedBus's
	// persistence queue was full, by payload variant.
	RouterDBDropTotal *prometheus.CounterVec

	// RouterBroadcastDropTotal counts broadcast sends dropped because a
	// subscriber's channel was full, by payload variant.
	RouterBroadcastDropTotal *prometheus.CounterVec

	// RouterUnhandledTotal counts payload tags ROUTER does not recognize.
	RouterUnhandledTotal *prometheus.CounterVec

	// ─── U-WRITER ─────────────────────────────────────────────────────────────

	// DBFlushDurationSeconds records batch flush transaction latency.
	DBFlushDurationSeconds prometheus.Histogram

	// DBFlushBatchSize records the number of events per flushed batch.
	DBFlushBatchSize prometheus.Histogram

	// DBFlushBatchesTotal counts completed flush transactions.
	DBFlushBatchesTotal prometheus.Counter

	// DBFlushRetriesTotal counts flush attempts retried after a locked
	// database error.
	DBFlushRetriesTotal prometheus.Counter

	// ─── MAINT ────────────────────────────────────────────────────────────────

	// MaintPurgedTotal counts rows deleted by the TTL purge cycle.
	MaintPurgedTotal prometheus.Counter

	// MaintCheckpointsTotal counts completed WAL checkpoint cycles.
	MaintCheckpointsTotal prometheus.Counter

	// ─── Anomaly engine ───────────────────────────────────────────────────────

	// AnomalyScoreHistogram records the distribution of anomaly scores.
	AnomalyScoreHistogram prometheus.Histogram

	// AnomalyEvalsTotal counts anomaly evaluations performed.
	AnomalyEvalsTotal prometheus.Counter

	// ─── Escalation ───────────────────────────────────────────────────────────

	// StateTransitionsTotal counts state transitions.
	// Labels: from_state, to_state
	StateTransitionsTotal *prometheus.CounterVec

	// TrackedEntities is the current number of process/binary identities
	// under monitoring.
	TrackedEntities prometheus.Gauge

	// ─── Budget ───────────────────────────────────────────────────────────────

	// BudgetTokensRemaining is the current token bucket level.
	BudgetTokensRemaining prometheus.Gauge

	// BudgetConsumedTotal counts total tokens consumed.
	BudgetConsumedTotal prometheus.Counter

	// BudgetRefillsTotal counts token bucket refill cycles.
	BudgetRefillsTotal prometheus.Counter

	// ─── Ledger ───────────────────────────────────────────────────────────────

	// LedgerWriteLatency records BoltDB write transaction latency.
	LedgerWriteLatency prometheus.Histogram

	// LedgerEntries is the current number of audit ledger entries.
	LedgerEntries prometheus.Gauge

	// ─── Agent ────────────────────────────────────────────────────────────────

	// AgentUptimeSeconds is the number of seconds since agent start.
	AgentUptimeSeconds prometheus.Gauge

	// startTime records when the agent started (for uptime calculation).
	startTime time.Time
}

// NewMetrics creates and registers all OCTOREFLEX Prometheus metrics.
// Returns a *Metrics with all descriptors initialised.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		RingDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "octoreflex",
			Subsystem: "ring",
			Name:      "dropped_total",
			Help:      "Cumulative frames dropped by K-RING producers due to insufficient free space.",
		}),

		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "octoreflex",
			Subsystem: "events",
			Name:      "total",
			Help:      "Total decoded events handed to the router, by payload variant.",
		}, []string{"payload"}),

		EvtDecodeErrorTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "octoreflex",
			Subsystem: "events",
			Name:      "decode_error_total",
			Help:      "Total ring frames that failed to decode as a BaseEvent.",
		}),

		RouterDBDropTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "octoreflex",
			Subsystem: "router",
			Name:      "db_drop_total",
			Help:      "Total events dropped because a typed bus persistence queue was full.",
		}, []string{"variant"}),

		RouterBroadcastDropTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "octoreflex",
			Subsystem: "router",
			Name:      "broadcast_drop_total",
			Help:      "Total broadcast sends dropped because a subscriber channel was full.",
		}, []string{"variant"}),

		RouterUnhandledTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "octoreflex",
			Subsystem: "router",
			Name:      "unhandled_total",
			Help:      "Total events carrying a payload tag the router does not recognize.",
		}, []string{"variant"}),

		DBFlushDurationSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "octoreflex",
			Subsystem: "db",
			Name:      "flush_duration_seconds",
			Help:      "Batch flush transaction latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),

		DBFlushBatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "octoreflex",
			Subsystem: "db",
			Name:      "flush_batch_size",
			Help:      "Number of events written per flush transaction.",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),

		DBFlushBatchesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "octoreflex",
			Subsystem: "db",
			Name:      "flush_batches_total",
			Help:      "Total completed flush transactions.",
		}),

		DBFlushRetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "octoreflex",
			Subsystem: "db",
			Name:      "flush_retries_total",
			Help:      "Total flush attempts retried after a database-locked error.",
		}),

		MaintPurgedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "octoreflex",
			Subsystem: "maint",
			Name:      "purged_total",
			Help:      "Total rows deleted by the TTL purge cycle.",
		}),

		MaintCheckpointsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "octoreflex",
			Subsystem: "maint",
			Name:      "checkpoints_total",
			Help:      "Total completed WAL checkpoint cycles.",
		}),

		AnomalyScoreHistogram: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "octoreflex",
			Subsystem: "anomaly",
			Name:      "score",
			Help:      "Distribution of anomaly scores computed by the Mahalanobis engine.",
			Buckets:   []float64{0.1, 0.5, 1.0, 2.0, 3.0, 5.0, 8.0, 12.0, 20.0},
		}),

		AnomalyEvalsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "octoreflex",
			Subsystem: "anomaly",
			Name:      "evals_total",
			Help:      "Total anomaly evaluations performed.",
		}),

		StateTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "octoreflex",
			Subsystem: "escalation",
			Name:      "state_transitions_total",
			Help:      "Total state transitions, by from_state and to_state.",
		}, []string{"from_state", "to_state"}),

		TrackedEntities: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "octoreflex",
			Subsystem: "escalation",
			Name:      "tracked_entities",
			Help:      "Current number of process/binary identities under active monitoring.",
		}),

		BudgetTokensRemaining: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "octoreflex",
			Subsystem: "budget",
			Name:      "tokens_remaining",
			Help:      "Current token bucket level.",
		}),

		BudgetConsumedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "octoreflex",
			Subsystem: "budget",
			Name:      "consumed_total",
			Help:      "Lifetime total tokens consumed from the budget bucket.",
		}),

		BudgetRefillsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "octoreflex",
			Subsystem: "budget",
			Name:      "refills_total",
			Help:      "Total number of token bucket refill cycles completed.",
		}),

		LedgerWriteLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "octoreflex",
			Subsystem: "ledger",
			Name:      "write_latency_seconds",
			Help:      "BoltDB write transaction latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),

		LedgerEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "octoreflex",
			Subsystem: "ledger",
			Name:      "entries",
			Help:      "Current number of audit ledger entries in BoltDB.",
		}),

		AgentUptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "octoreflex",
			Subsystem: "agent",
			Name:      "uptime_seconds",
			Help:      "Number of seconds since the agent started.",
		}),
	}

	// Register all metrics with the dedicated registry.
	reg.MustRegister(
		m.RingDroppedTotal,
		m.EventsTotal,
		m.EvtDecodeErrorTotal,
		m.RouterDBDropTotal,
		m.RouterBroadcastDropTotal,
		m.RouterUnhandledTotal,
		m.DBFlushDurationSeconds,
		m.DBFlushBatchSize,
		m.DBFlushBatchesTotal,
		m.DBFlushRetriesTotal,
		m.MaintPurgedTotal,
		m.MaintCheckpointsTotal,
		m.AnomalyScoreHistogram,
		m.AnomalyEvalsTotal,
		m.StateTransitionsTotal,
		m.TrackedEntities,
		m.BudgetTokensRemaining,
		m.BudgetConsumedTotal,
		m.BudgetRefillsTotal,
		m.LedgerWriteLatency,
		m.LedgerEntries,
		m.AgentUptimeSeconds,
		// Standard Go runtime metrics.
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ServeMetrics starts the Prometheus HTTP metrics server on the given address.
// Blocks until ctx is cancelled or the server fails.
// The server binds to addr (e.g., "127.0.0.1:9091") and serves GET /metrics.
// Returns an error only if the server fails to start or encounters a fatal error.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start uptime updater goroutine.
	go m.updateUptime(ctx)

	// Shutdown on context cancellation.
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

// updateUptime periodically updates the AgentUptimeSeconds gauge.
func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.AgentUptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}
