package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zalando/knocker/config"
	"github.com/zalando/knocker/metrics"
	"github.com/zalando/knocker/reporter"
	"github.com/zalando/knocker/task"
)

func newTestServer(t *testing.T, target *httptest.Server) (*Server, *task.Supervisor) {
	t.Helper()
	cfg := &config.Config{
		StatusURL:        "/knocker/status",
		Scheme:           "http",
		Timeout:          5,
		TimeoutMax:       60,
		Retries:          1,
		RetriesMax:       10,
		BackoffFactor:    0.01,
		BackoffFactorMax: 1,
	}
	if target != nil {
		cfg.HostsOnly = []string{strings.TrimPrefix(target.URL, "http://")}
	}
	supervisor := task.NewSupervisor()
	s := New(cfg, &http.Client{}, supervisor, reporter.Noop{}, metrics.New())
	return s, supervisor
}

func TestStatusEndpoint(t *testing.T) {
	s, _ := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/knocker/status", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Status)
	assert.Equal(t, 0, body.Tasks)
}

func TestLoopBlockedWhenXKnockerPresent(t *testing.T) {
	s, _ := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/hooks/anything", nil)
	req.Header.Set("X-Knocker", "1.0.0")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotAcceptable, rec.Code)
}

func TestMissingDirectiveReturns400(t *testing.T) {
	s, _ := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/hooks/anything", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var body errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body.Errors, "knocker-host")
}

func TestNotReadyReturns423(t *testing.T) {
	s, _ := newTestServer(t, nil)
	s.Shutdown()

	req := httptest.NewRequest(http.MethodPost, "/hooks/anything", nil)
	req.Header.Set("Knocker-Host", "example.com")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusLocked, rec.Code)
}

func TestBodyTooLargeReturns413(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer target.Close()

	s, _ := newTestServer(t, target)
	s.cfg.MaxBodyBytes = 4

	req := httptest.NewRequest(http.MethodPost, "/hooks/anything", strings.NewReader("this body is too long"))
	req.Header.Set("Knocker-Host", strings.TrimPrefix(target.URL, "http://"))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestRelayAcceptsAndAcknowledges(t *testing.T) {
	var hit int32
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hit, 1)
		assert.Equal(t, "1", r.Header.Get("X-Custom"))
		w.WriteHeader(http.StatusOK)
	}))
	defer target.Close()

	s, supervisor := newTestServer(t, target)

	req := httptest.NewRequest(http.MethodPost, "/hooks/order-placed", strings.NewReader(`{"id":42}`))
	req.Header.Set("Knocker-Host", strings.TrimPrefix(target.URL, "http://"))
	req.Header.Set("X-Custom", "1")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body acceptedResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Status)
	assert.Equal(t, 9, body.BodyLength)

	deadline := time.After(2 * time.Second)
	for atomic.LoadInt32(&hit) == 0 {
		select {
		case <-deadline:
			t.Fatal("target was never hit")
		case <-time.After(time.Millisecond):
		}
	}

	assert.Equal(t, int64(1), s.Processed())
	assert.Eventually(t, func() bool { return supervisor.Len() == 0 }, 2*time.Second, time.Millisecond)
}

func TestRelayRejectsDisallowedHost(t *testing.T) {
	s, _ := newTestServer(t, nil)
	s.cfg.HostsOnly = []string{"allowed.example.com"}

	req := httptest.NewRequest(http.MethodPost, "/hooks/anything", nil)
	req.Header.Set("Knocker-Host", "not-allowed.example.com")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
