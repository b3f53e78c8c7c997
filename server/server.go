// Package server bridges the ingress HTTP protocol to the relay
// pipeline: decode directives, rewrite the request, spawn a supervised
// relay, and acknowledge the caller — plus a status endpoint and the
// loopback guard that stops knocker relaying its own callbacks into a
// cycle.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/zalando/knocker/config"
	"github.com/zalando/knocker/directive"
	"github.com/zalando/knocker/metrics"
	"github.com/zalando/knocker/relay"
	"github.com/zalando/knocker/reporter"
	"github.com/zalando/knocker/task"
	"github.com/zalando/knocker/version"
)

// Server implements http.Handler for the knocker ingress surface.
type Server struct {
	cfg        *config.Config
	client     *http.Client
	supervisor *task.Supervisor
	reporter   reporter.Reporter
	metrics    *metrics.Metrics

	ident     int
	processed atomic.Int64
	ready     atomic.Bool
}

// New builds a Server bound to client for egress and supervisor for
// tracking spawned relays. The server starts in the ready state; call
// Shutdown to stop accepting new relays ahead of a drain.
func New(cfg *config.Config, client *http.Client, supervisor *task.Supervisor, rep reporter.Reporter, m *metrics.Metrics) *Server {
	if rep == nil {
		rep = reporter.Noop{}
	}
	s := &Server{
		cfg:        cfg,
		client:     client,
		supervisor: supervisor,
		reporter:   rep,
		metrics:    m,
		ident:      os.Getpid(),
	}
	s.ready.Store(true)
	return s
}

// Shutdown marks the server as not ready, so any relay route hit from
// this point on is rejected with 423 instead of racing the supervisor's
// drain.
func (s *Server) Shutdown() {
	s.ready.Store(false)
}

// Processed returns the number of ingress requests acknowledged so far.
func (s *Server) Processed() int64 {
	return s.processed.Load()
}

type statusResponse struct {
	Status    bool   `json:"status"`
	Processed int64  `json:"processed"`
	Tasks     int    `json:"tasks"`
	Version   string `json:"version"`
	Worker    int    `json:"worker"`
}

type errorResponse struct {
	Status bool                `json:"status"`
	Errors map[string][]string `json:"errors"`
}

type acceptedResponse struct {
	Status     bool                     `json:"status"`
	Config     *directive.RequestConfig `json:"config"`
	URL        string                   `json:"url"`
	Method     string                   `json:"method"`
	Headers    []relay.KV               `json:"headers"`
	BodyLength int                      `json:"body-length"`
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet && r.URL.Path == s.cfg.StatusURL {
		s.status(w)
		return
	}
	s.relay(w, r)
}

func (s *Server) status(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, statusResponse{
		Status:    true,
		Processed: s.processed.Load(),
		Tasks:     s.supervisor.Len(),
		Version:   version.Version,
		Worker:    s.ident,
	})
}

func (s *Server) relay(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		http.Error(w, "knocker: not ready", http.StatusLocked)
		return
	}

	if _, ok := r.Header["X-Knocker"]; ok {
		writeJSON(w, http.StatusNotAcceptable, errorResponse{
			Errors: map[string][]string{"system": {"ignore requests from knocker"}},
		})
		return
	}

	rc, err := directive.Load(r.Header, s.cfg)
	if err != nil {
		var de *directive.DirectiveError
		if errors.As(err, &de) {
			writeJSON(w, http.StatusBadRequest, errorResponse{Errors: de.Errors})
			return
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Errors: map[string][]string{"system": {err.Error()}}})
		return
	}

	body, err := s.readBody(w, r)
	if err != nil {
		return
	}

	egress := relay.Rewrite(rc, r.Method, r.URL.Path, r.URL.RawQuery, r.Header, body)

	deps := relay.Deps{
		Client:               s.client,
		Supervisor:           s.supervisor,
		Reporter:             s.reporter,
		Metrics:              s.metrics,
		ReportFailedRequests: s.cfg.SentryFailedRequests,
	}
	s.supervisor.Spawn(context.Background(), func(taskCtx context.Context) {
		relay.Run(taskCtx, deps, egress, *rc)
	})

	s.processed.Add(1)
	s.metrics.IncProcessed()

	writeJSON(w, http.StatusOK, acceptedResponse{
		Status:     true,
		Config:     rc,
		URL:        egress.URL,
		Method:     egress.Method,
		Headers:    egress.Headers,
		BodyLength: len(body),
	})
}

// readBody fully buffers the ingress body, bounded by cfg.MaxBodyBytes
// when set. On a body-too-large error it writes the 413 response itself
// and returns a non-nil error so the caller stops processing.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	reader := io.Reader(r.Body)
	if s.cfg.MaxBodyBytes > 0 {
		reader = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	}

	body, err := io.ReadAll(reader)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{
				Errors: map[string][]string{"body": {"request body exceeds the configured limit"}},
			})
			return nil, err
		}
		log.Warnf("knocker: failed to read ingress body: %v", err)
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Errors: map[string][]string{"body": {"failed to read request body"}},
		})
		return nil, err
	}
	return body, nil
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Warnf("knocker: failed to encode response body: %v", err)
	}
}
