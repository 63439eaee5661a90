package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RegistersAllMetrics(t *testing.T) {
	m := New()

	m.CacheHitsTotal.Inc()
	m.CacheMissesTotal.Add(2)
	m.SessionsActive.Set(3)
	m.BundleAssembliesTotal.WithLabelValues("success").Inc()
	m.TurnsTotal.WithLabelValues("timeout").Inc()

	assert.Equal(t, float64(1), testutil.ToFloat64(m.CacheHitsTotal))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.CacheMissesTotal))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.SessionsActive))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.BundleAssembliesTotal.WithLabelValues("success")))
}

func TestHandler_ServesMetrics(t *testing.T) {
	m := New()
	m.SessionsTotal.Inc()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "kindling_sessions_created_total")
}
