package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewExposesCounters(t *testing.T) {
	m := New()
	m.IncProcessed()
	m.RelayStarted()
	m.RelayFinished("ok", 1)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	assert.Contains(t, body, "knocker_requests_processed_total")
	assert.Contains(t, body, "knocker_relay_outcomes_total")
	assert.True(t, strings.Contains(body, `outcome="ok"`))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.IncProcessed()
		m.RelayStarted()
		m.RelayFinished("ok", 3)
		_ = m.Handler()
	})
}
