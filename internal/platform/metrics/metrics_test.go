package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorRecords(t *testing.T) {
	t.Parallel()

	c := NewCollector()
	c.RecordClaim("analysis")
	c.RecordClaim("analysis")
	c.RecordClaimConflict("analysis")
	c.RecordCompleted("analysis", 250*time.Millisecond)
	c.RecordFailed("analysis", "transient")
	c.RecordProbeFailure("generative")
	c.RecordBatch("individual", "completed", 3*time.Second, 4, 1, 1)
	c.RecordSchedulerFire("nightly", "manual")
	c.RecordSweep("expired", 3)
	c.RecordSweep("expired", 0)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.claims.WithLabelValues("analysis")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.claimConflicts.WithLabelValues("analysis")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.completions.WithLabelValues("analysis")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.failures.WithLabelValues("analysis", "transient")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.probeFailures.WithLabelValues("generative")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.batchRuns.WithLabelValues("individual", "completed")))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.batchItems.WithLabelValues("succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.schedulerFires.WithLabelValues("nightly", "manual")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.sweeps.WithLabelValues("expired")))
}

func TestNilCollectorIsNoop(t *testing.T) {
	t.Parallel()

	var c *Collector
	assert.NotPanics(t, func() {
		c.RecordClaim("analysis")
		c.RecordClaimConflict("analysis")
		c.RecordCompleted("analysis", time.Second)
		c.RecordFailed("analysis", "permanent")
		c.RecordProbeFailure("analysis")
		c.RecordBatch("object", "failed", time.Second, 0, 1, 0)
		c.RecordSchedulerFire("job", "scheduled")
		c.RecordSweep("purged", 1)
	})
}

func TestHandlerExposesMetrics(t *testing.T) {
	t.Parallel()

	c := NewCollector()
	c.RecordClaim("communication")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `contextflow_contexts_claimed_total{capability="communication"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}
