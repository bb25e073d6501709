package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObservePass(t *testing.T) {
	r := New()
	r.ObservePass(OutcomeSuccess, 20*time.Millisecond)
	r.ObservePass(OutcomeSuccess, 30*time.Millisecond)
	r.ObservePass(OutcomeCanceled, time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.PassesTotal.WithLabelValues(OutcomeSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.PassesTotal.WithLabelValues(OutcomeCanceled)))
	assert.Equal(t, 1, testutil.CollectAndCount(r.PassDuration))
}

func TestCountersAndGauges(t *testing.T) {
	r := New()
	r.AddChanges("new", 3)
	r.AddChanges("new", 0)
	r.AddChanges("deleted", 1)
	r.SetCachedRules(42)
	r.SetAcknowledged(7)
	r.TriggerSignal("nftables")
	r.TriggerSignal("nftables")

	assert.Equal(t, 3.0, testutil.ToFloat64(r.ChangesTotal.WithLabelValues("new")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.ChangesTotal.WithLabelValues("deleted")))
	assert.Equal(t, 42.0, testutil.ToFloat64(r.CachedRules))
	assert.Equal(t, 7.0, testutil.ToFloat64(r.AcknowledgedID))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.TriggerSignals.WithLabelValues("nftables")))
}

func TestNilRegistryIsNoop(t *testing.T) {
	var r *Registry
	r.ObservePass(OutcomeFailed, time.Second)
	r.AddChanges("new", 1)
	r.SetCachedRules(1)
	r.SetAcknowledged(1)
	r.TriggerSignal("poll")
}

func TestGathererIncludesRuntimeCollectors(t *testing.T) {
	r := New()
	r.SetCachedRules(3)

	families, err := r.Gatherer().Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	assert.True(t, names["ezwatch_cached_rules"])
	assert.True(t, names["go_goroutines"])
}

func TestHandlerExposesMetrics(t *testing.T) {
	r := New()
	r.ObservePass(OutcomeSuccess, time.Millisecond)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `ezwatch_passes_total{outcome="success"} 1`))
}
