package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	dto "github.com/prometheus/client_model/go"
)

func TestStatusBucket(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{100, "1xx"},
		{200, "2xx"},
		{201, "2xx"},
		{301, "3xx"},
		{404, "4xx"},
		{503, "5xx"},
	}

	for _, tt := range tests {
		if got := statusBucket(tt.code); got != tt.want {
			t.Errorf("statusBucket(%d) = %s, want %s", tt.code, got, tt.want)
		}
	}
}

func TestEscrowTransitionCounter(t *testing.T) {
	EscrowTransitionsTotal.Reset()

	EscrowTransitionsTotal.WithLabelValues("completed").Inc()
	EscrowTransitionsTotal.WithLabelValues("completed").Inc()

	m := &dto.Metric{}
	counter, err := EscrowTransitionsTotal.GetMetricWithLabelValues("completed")
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues: %v", err)
	}
	_ = counter.Write(m)

	if m.Counter.GetValue() != 2.0 {
		t.Errorf("expected counter value 2, got %f", m.Counter.GetValue())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/metrics", Handler())

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	// Gauges always export, even at zero.
	body := w.Body.String()
	for _, name := range []string{
		"settlement_db_open_connections",
		"settlement_goroutines",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("expected metrics output to contain %s", name)
		}
	}
}
