package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestCollector(t *testing.T) *Collector {
	t.Helper()
	return NewCollector("test", prometheus.NewRegistry(), zap.NewNop())
}

func TestNewCollector(t *testing.T) {
	collector := newTestCollector(t)

	assert.NotNil(t, collector.operationsTotal)
	assert.NotNil(t, collector.settlementsTotal)
	assert.NotNil(t, collector.channelUpdates)
	assert.NotNil(t, collector.policyDecisions)
	assert.NotNil(t, collector.breakerState)
}

func TestNewCollector_SeparateRegistries(t *testing.T) {
	// registering twice on one registry would panic; separate registries must not
	assert.NotPanics(t, func() {
		NewCollector("paycore", prometheus.NewRegistry(), nil)
		NewCollector("paycore", prometheus.NewRegistry(), nil)
	})
}

func TestCollector_RecordSettlement(t *testing.T) {
	collector := newTestCollector(t)

	collector.RecordSettlement("channel", "success", 10*time.Millisecond)
	collector.RecordSettlement("channel", "success", 20*time.Millisecond)
	collector.RecordSettlement("onchain", "failure", time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(collector.settlementsTotal.WithLabelValues("channel", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.settlementsTotal.WithLabelValues("onchain", "failure")))
}

func TestCollector_RecordPolicyDecision(t *testing.T) {
	collector := newTestCollector(t)

	collector.RecordPolicyDecision("onchain_payment", true)
	collector.RecordPolicyDecision("onchain_payment", false)
	collector.RecordPolicyDecision("onchain_payment", false)

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.policyDecisions.WithLabelValues("onchain_payment", "true")))
	assert.Equal(t, 2.0, testutil.ToFloat64(collector.policyDecisions.WithLabelValues("onchain_payment", "false")))
}

func TestCollector_BreakerAndChannels(t *testing.T) {
	collector := newTestCollector(t)

	collector.RecordBreakerState("ledger", "open", 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.breakerState.WithLabelValues("ledger")))
	collector.RecordBreakerState("ledger", "closed", 0)
	assert.Equal(t, 0.0, testutil.ToFloat64(collector.breakerState.WithLabelValues("ledger")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.breakerTransitions.WithLabelValues("ledger", "open")))

	collector.SetActiveChannels(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(collector.channelsActive))
}

func TestCollector_NilSafe(t *testing.T) {
	var collector *Collector

	assert.NotPanics(t, func() {
		collector.RecordOperation("op", "ok", time.Millisecond)
		collector.RecordSettlement("channel", "success", time.Millisecond)
		collector.RecordChannelUpdate("outbound", "committed")
		collector.RecordChannelTransition("active", "closed")
		collector.SetActiveChannels(1)
		collector.RecordPolicyDecision("channel_update", true)
		collector.RecordBreakerState("k", "open", 1)
		collector.RecordRetry("op")
		collector.RecordHTTPRequest("GET", "/", 200, time.Millisecond)
		collector.RecordRateLimited("/")
	})
}

func TestTimed(t *testing.T) {
	collector := newTestCollector(t)

	v, err := Timed(collector, "ledger.broadcast", func() (string, error) {
		return "0xabc", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "0xabc", v)

	_, err = Timed(collector, "ledger.broadcast", func() (string, error) {
		return "", errors.New("boom")
	})
	assert.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.operationsTotal.WithLabelValues("ledger.broadcast", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.operationsTotal.WithLabelValues("ledger.broadcast", "error")))

	// nil collector still runs fn
	v, err = Timed[string](nil, "noop", func() (string, error) { return "x", nil })
	require.NoError(t, err)
	assert.Equal(t, "x", v)
}
