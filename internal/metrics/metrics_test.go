package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New()
	m.Task("image-process", OutcomeAck)
	m.Task("image-process", OutcomeAck)
	m.Task("image-process", OutcomeRetry)
	m.Cache(CacheMiss)
	m.JobStarted()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.tasks.WithLabelValues("image-process", OutcomeAck)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tasks.WithLabelValues("image-process", OutcomeRetry)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cache.WithLabelValues(CacheMiss)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobsStarted))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Task("c", OutcomeAck)
		m.Cache(CacheHit)
		m.JobStarted()
	})
}

func TestHandlerExposesCounters(t *testing.T) {
	m := New()
	m.JobStarted()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "weather_jobs_started_total 1")
}
