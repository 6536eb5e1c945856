package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComponentRegistry_PrefixesNames(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewComponentRegistryWith(reg, "proxy_validator", "tracker")

	c := r.NewCounter(prometheus.CounterOpts{Name: "writes_total", Help: "writes"})
	g := r.NewGaugeVec(prometheus.GaugeOpts{Name: "pending", Help: "pending"}, []string{"backend"})
	h := r.NewHistogramVec(prometheus.HistogramOpts{Name: "latency_seconds", Help: "latency", Buckets: DurationBuckets}, []string{"op"})
	c.Add(2)
	g.WithLabelValues("file").Set(3)
	h.WithLabelValues("get").Observe(0.2)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.ElementsMatch(t, []string{
		"proxy_validator_tracker_writes_total",
		"proxy_validator_tracker_pending",
		"proxy_validator_tracker_latency_seconds",
	}, names)
	assert.Equal(t, 2.0, testutil.ToFloat64(c))
}

func TestComponentRegistry_NilRegistererLeavesCollectorsUnregistered(t *testing.T) {
	r := NewComponentRegistryWith(nil, "proxy_validator", "test")

	// Registering the same name twice would panic with a real registerer.
	a := r.NewGauge(prometheus.GaugeOpts{Name: "dup", Help: "dup"})
	b := r.NewGauge(prometheus.GaugeOpts{Name: "dup", Help: "dup"})
	a.Set(1)
	assert.Equal(t, 1.0, testutil.ToFloat64(a))
	assert.Zero(t, testutil.ToFloat64(b))
}

func TestBucketsAreSorted(t *testing.T) {
	for _, buckets := range [][]float64{DurationBuckets, CountBuckets} {
		for i := 1; i < len(buckets); i++ {
			assert.Less(t, buckets[i-1], buckets[i])
		}
	}
}
