package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordBundle("applied")
		m.RecordDenial("read")
		m.RecordReload()
		m.RecordFiltered("dropped", 2)
		m.RecordEvictions("permissions", 1)
		m.RecordDelivery("delivered")
		m.SetSubscribers(3)
		m.ObserveFilter(time.Millisecond)
		m.ObserveSteps("rows", time.Millisecond)
	})
}

func TestMetrics_Counts(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordBundle("applied")
	m.RecordBundle("applied")
	m.RecordDenial("")
	m.RecordFiltered("passed", 3)
	m.RecordFiltered("passed", 0)
	m.RecordEvictions("attributes", 2)
	m.SetSubscribers(4)

	assert.InDelta(t, 2, promtest.ToFloat64(m.BundlesTotal.WithLabelValues("applied")), 0)
	assert.InDelta(t, 1, promtest.ToFloat64(m.DenialsTotal.WithLabelValues("unknown")), 0)
	assert.InDelta(t, 3, promtest.ToFloat64(m.FilteredActionsTotal.WithLabelValues("passed")), 0)
	assert.InDelta(t, 2, promtest.ToFloat64(m.CacheEvictionsTotal.WithLabelValues("attributes")), 0)
	assert.InDelta(t, 4, promtest.ToFloat64(m.Subscribers), 0)
}

func TestMetrics_RegisterTwice(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NotPanics(t, func() {
		New(reg)
		New(reg)
	})
}
