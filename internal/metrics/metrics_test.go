package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusBucket(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{100, "1xx"},
		{200, "2xx"},
		{301, "3xx"},
		{402, "4xx"},
		{404, "4xx"},
		{503, "5xx"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusBucket(tt.code), "code %d", tt.code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/metrics", Handler())

	ChallengesTotal.WithLabelValues("missing_proof").Inc()

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	assert.Contains(t, body, "paymeter_active_websocket_clients")
	assert.Contains(t, body, "paymeter_challenges_total")
}

func TestMiddleware_RecordsRoutePattern(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/v1/payments/:id", func(c *gin.Context) {
		c.Status(http.StatusPaymentRequired)
	})

	before := requestCount(t, "GET", "/v1/payments/:id", "4xx")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/payments/pay_1", nil))

	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	after := requestCount(t, "GET", "/v1/payments/:id", "4xx")
	assert.Equal(t, before+1, after)
}

func requestCount(t *testing.T, labels ...string) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, HTTPRequestsTotal.WithLabelValues(labels...).Write(&m))
	return m.GetCounter().GetValue()
}
