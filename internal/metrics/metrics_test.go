package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestRecorder_TaskProcessed(t *testing.T) {
	r := New(prometheus.NewRegistry())

	r.TaskProcessed("email-sorter", "completed", 40, 60, decimal.RequireFromString("0.11"))
	r.TaskProcessed("email-sorter", "failed", 10, 0, decimal.Zero)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.tasks.WithLabelValues("email-sorter", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.tasks.WithLabelValues("email-sorter", "failed")))
	assert.Equal(t, 50.0, testutil.ToFloat64(r.tokens.WithLabelValues("email-sorter", "input")))
	assert.InDelta(t, 0.11, testutil.ToFloat64(r.cost.WithLabelValues("email-sorter")), 1e-9)
}

func TestRecorder_NilSafe(t *testing.T) {
	var r *Recorder
	r.TaskSubmitted("data-entry")
	r.TaskThrottled()
	r.TaskProcessed("data-entry", "completed", 1, 1, decimal.NewFromInt(1))

	w := httptest.NewRecorder()
	r.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 404, w.Code)
}

func TestRecorder_Handler(t *testing.T) {
	r := New(prometheus.NewRegistry())
	r.TaskSubmitted("invoice-processor")
	r.TaskThrottled()

	w := httptest.NewRecorder()
	r.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))

	body := w.Body.String()
	assert.True(t, strings.Contains(body, `agent_tasks_submitted_total{agent_type="invoice-processor"} 1`))
	assert.True(t, strings.Contains(body, "agent_tasks_throttled_total 1"))
}
