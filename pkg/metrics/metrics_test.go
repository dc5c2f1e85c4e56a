package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetricsRegistersCollectors(t *testing.T) {
	m := NewMetrics(DefaultConfig())
	require.True(t, m.Enabled())

	m.BreakerCallsTotal.WithLabelValues("agent:sast", "success").Inc()
	m.BreakerCallsTotal.WithLabelValues("agent:sast", "success").Inc()
	m.HealthCheckStatus.WithLabelValues("database").Set(2)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.BreakerCallsTotal.WithLabelValues("agent:sast", "success")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.HealthCheckStatus.WithLabelValues("database")))
}

func TestDisabledMetrics(t *testing.T) {
	m := NewMetrics(&Config{Enabled: false})
	assert.False(t, m.Enabled())

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/metrics", m.Handler())

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestHandlerServesExposition(t *testing.T) {
	m := NewMetrics(DefaultConfig())
	m.BreakerShortCircuits.WithLabelValues("agent:triage").Inc()

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/metrics", m.Handler())

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "reliability_breaker_short_circuits_total")
	assert.Contains(t, w.Body.String(), `breaker="agent:triage"`)
}
