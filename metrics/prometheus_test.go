package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusRecorder_CountsByLabels(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec, err := NewPrometheusRecorder(reg)
	require.NoError(t, err)

	rec.IncCounter("payment_attempt", map[string]string{LabelCurrency: "SOL"})
	rec.IncCounter("payment_attempt", map[string]string{LabelCurrency: "SOL"})
	rec.IncCounter("payment_failure", map[string]string{LabelCurrency: "USDC", LabelOutcome: "POLICY_VIOLATION"})
	rec.ObserveLatency("transfer", 150*time.Millisecond, map[string]string{LabelOutcome: "ok"})

	assert.Equal(t, 2.0, testutil.ToFloat64(rec.counters.WithLabelValues("payment_attempt", "SOL", "")))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.counters.WithLabelValues("payment_failure", "USDC", "POLICY_VIOLATION")))
	assert.Equal(t, 1, testutil.CollectAndCount(rec.histogram))

	_, err = NewPrometheusRecorder(reg)
	assert.Error(t, err, "registering twice on one registry must fail")
}
