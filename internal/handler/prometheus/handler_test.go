package prometheus

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func value(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestMiddlewareLabelsByRouteTemplate(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h, err := New("test", prometheus.NewRegistry())
	require.NoError(t, err)

	r := gin.New()
	r.Use(h.Middleware())
	r.GET("/broadcasts/:id", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/boom", func(c *gin.Context) { c.Status(http.StatusBadGateway) })

	for _, path := range []string{"/broadcasts/a", "/broadcasts/b", "/boom", "/missing"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	assert.Equal(t, float64(2), value(t, h.requestTotal.WithLabelValues("GET", "/broadcasts/:id", "200")))
	assert.Equal(t, float64(1), value(t, h.requestTotal.WithLabelValues("GET", "unmatched", "404")))
	assert.Equal(t, float64(1), value(t, h.errorTotal.WithLabelValues("GET", "/boom", "502")))
}

func TestNewRejectsDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New("test", reg)
	require.NoError(t, err)
	_, err = New("test", reg)
	assert.Error(t, err)
}
