package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Purchase metrics
	PurchasesTotal *prometheus.CounterVec
	RefundsTotal   *prometheus.CounterVec
	RefundFailures prometheus.Counter

	// Ownership metrics
	ClaimActions  *prometheus.CounterVec
	IndexLookups  *prometheus.CounterVec
	IndexChunks   prometheus.Gauge
	IndexLoaded   prometheus.Gauge
	PreloadErrors prometheus.Counter

	// Bank metrics
	BankOps *prometheus.CounterVec

	// Upkeep metrics
	UpkeepOutcomes *prometheus.CounterVec
	SweepDuration  *prometheus.HistogramVec
	SweepsSkipped  prometheus.Counter
	ChunksRevoked  prometheus.Counter
}

// New registers every metric on reg (prometheus.DefaultRegisterer when nil).
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		PurchasesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chunkclaims_purchases_total",
				Help: "Chunk purchases by kind and outcome",
			},
			[]string{"kind", "status"},
		),
		RefundsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chunkclaims_refunds_total",
				Help: "Compensating refunds by result",
			},
			[]string{"result"},
		),
		RefundFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "chunkclaims_refund_failures_total",
			Help: "Refunds that exhausted every attempt; each one needs an operator",
		}),
		ClaimActions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chunkclaims_claim_actions_total",
				Help: "Claim, unclaim, merge and delete outcomes",
			},
			[]string{"action", "status"},
		),
		IndexLookups: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chunkclaims_index_lookups_total",
				Help: "Ownership index lookups by result",
			},
			[]string{"result"},
		),
		IndexChunks: f.NewGauge(prometheus.GaugeOpts{
			Name: "chunkclaims_index_chunks",
			Help: "Chunks currently mapped by the ownership index",
		}),
		IndexLoaded: f.NewGauge(prometheus.GaugeOpts{
			Name: "chunkclaims_index_loaded",
			Help: "1 once the ownership index finished its preload",
		}),
		PreloadErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "chunkclaims_index_preload_errors_total",
			Help: "Ownership index preloads that failed",
		}),
		BankOps: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chunkclaims_bank_operations_total",
				Help: "Claim bank operations by kind and outcome",
			},
			[]string{"kind", "status"},
		),
		UpkeepOutcomes: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chunkclaims_upkeep_outcomes_total",
				Help: "Per-claim upkeep results",
			},
			[]string{"outcome"},
		),
		SweepDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chunkclaims_upkeep_sweep_duration_seconds",
				Help:    "Duration of upkeep sweep passes",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"pass"},
		),
		SweepsSkipped: f.NewCounter(prometheus.CounterOpts{
			Name: "chunkclaims_upkeep_sweeps_skipped_total",
			Help: "Sweeps that found another sweep in progress",
		}),
		ChunksRevoked: f.NewCounter(prometheus.CounterOpts{
			Name: "chunkclaims_chunks_revoked_total",
			Help: "Chunks removed for non-payment",
		}),
	}
}

func (m *Metrics) Purchase(kind, status string) {
	if m == nil {
		return
	}
	m.PurchasesTotal.WithLabelValues(kind, status).Inc()
}

func (m *Metrics) Refund(result string) {
	if m == nil {
		return
	}
	m.RefundsTotal.WithLabelValues(result).Inc()
	if result == "failed" {
		m.RefundFailures.Inc()
	}
}

func (m *Metrics) ClaimAction(action, status string) {
	if m == nil {
		return
	}
	m.ClaimActions.WithLabelValues(action, status).Inc()
}

func (m *Metrics) IndexLookup(result string) {
	if m == nil {
		return
	}
	m.IndexLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) IndexSize(chunks int) {
	if m == nil {
		return
	}
	m.IndexChunks.Set(float64(chunks))
}

func (m *Metrics) Preloaded(failed bool) {
	if m == nil {
		return
	}
	m.IndexLoaded.Set(1)
	if failed {
		m.PreloadErrors.Inc()
	}
}

func (m *Metrics) BankOp(kind, status string) {
	if m == nil {
		return
	}
	m.BankOps.WithLabelValues(kind, status).Inc()
}

func (m *Metrics) Upkeep(outcome string) {
	if m == nil {
		return
	}
	m.UpkeepOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Sweep(pass string, seconds float64) {
	if m == nil {
		return
	}
	m.SweepDuration.WithLabelValues(pass).Observe(seconds)
}

func (m *Metrics) SweepSkipped() {
	if m == nil {
		return
	}
	m.SweepsSkipped.Inc()
}

func (m *Metrics) Revoked(n int) {
	if m == nil {
		return
	}
	m.ChunksRevoked.Add(float64(n))
}
