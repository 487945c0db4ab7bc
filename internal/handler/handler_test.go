package handler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func opsRouter(h *Handler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h.RegisterRoutes(r)
	r.GET("/metrics", h.MetricsHandler())
	return r
}

func get(r http.Handler, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestLiveness(t *testing.T) {
	w := get(opsRouter(NewHandler(prometheus.NewRegistry(), nil)), "/health/live")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"alive"`)
}

func TestReadiness(t *testing.T) {
	healthy := PingFunc(func(ctx context.Context) error { return nil })
	down := PingFunc(func(ctx context.Context) error { return errors.New("connection refused") })

	w := get(opsRouter(NewHandler(prometheus.NewRegistry(), map[string]Pinger{"postgres": healthy})), "/health/ready")
	assert.Equal(t, http.StatusOK, w.Code)

	w = get(opsRouter(NewHandler(prometheus.NewRegistry(), map[string]Pinger{
		"postgres": healthy,
		"redis":    down,
	})), "/health/ready")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "connection refused")
	assert.NotContains(t, w.Body.String(), "postgres")
}

func TestMetricsServesRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "broadcast_test_total", Help: "test"})
	require.NoError(t, reg.Register(c))
	c.Add(3)

	w := get(opsRouter(NewHandler(reg, nil)), "/metrics")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "broadcast_test_total 3"))
}
