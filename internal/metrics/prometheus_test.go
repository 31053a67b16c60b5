package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gathered(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	total := 0.0
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				total += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				total += m.GetGauge().GetValue()
			}
		}
	}
	return total
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.Purchase("direct", "SUCCESS")
	m.Refund("failed")
	m.Upkeep("CHARGED")
	m.Preloaded(true)
}

func TestRefundFailureCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.Refund("ok")
	m.Refund("failed")
	m.Refund("failed")

	assert.Equal(t, 2.0, gathered(t, reg, "chunkclaims_refund_failures_total"))
	assert.Equal(t, 3.0, gathered(t, reg, "chunkclaims_refunds_total"))
}

func TestIndexGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.IndexSize(42)
	m.Preloaded(false)

	assert.Equal(t, 42.0, gathered(t, reg, "chunkclaims_index_chunks"))
	assert.Equal(t, 1.0, gathered(t, reg, "chunkclaims_index_loaded"))
	assert.Equal(t, 0.0, gathered(t, reg, "chunkclaims_index_preload_errors_total"))
}
