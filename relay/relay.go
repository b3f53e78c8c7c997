// Package relay implements the request rewriter and the retry/backoff
// state machine that executes one logical outbound request to
// completion: ATTEMPTING -> (BACKOFF -> ATTEMPTING)* -> DONE_OK |
// DONE_FAIL | CRASHED, followed by an optional callback emission.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	log "github.com/sirupsen/logrus"

	"github.com/zalando/knocker/directive"
	"github.com/zalando/knocker/metrics"
	"github.com/zalando/knocker/reporter"
	"github.com/zalando/knocker/task"
	"github.com/zalando/knocker/version"
)

// Deps are the shared, process-wide collaborators a relay needs: the
// pooled HTTP client, the supervisor used to spawn a callback as a new
// tracked task, the error reporter, and the metrics sink.
type Deps struct {
	Client               *http.Client
	Supervisor           *task.Supervisor
	Reporter             reporter.Reporter
	Metrics              *metrics.Metrics
	ReportFailedRequests bool
}

// Run executes egress under cfg's retry/backoff policy until it reaches a
// terminal state, then — if cfg carries a callback — spawns a new relay
// POSTing the outcome to it. Run blocks until its own terminal state is
// reached; the caller is expected to invoke it from a goroutine tracked
// by Deps.Supervisor.
func Run(ctx context.Context, deps Deps, egress Egress, cfg directive.RequestConfig) {
	deps.Metrics.RelayStarted()

	attempts := 0
	bo := &knockerBackOff{factor: cfg.BackoffFactor, max: cfg.BackoffFactorMax, rand: rand.New(rand.NewSource(time.Now().UnixNano()))}

	var lastCode int
	var crashed bool

	op := func() (struct{}, error) {
		attempts++

		attemptCtx, cancel := ctx, context.CancelFunc(func() {})
		if cfg.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, durationFromSeconds(cfg.Timeout))
		}
		defer cancel()

		req, err := http.NewRequestWithContext(attemptCtx, egress.Method, egress.URL, bytes.NewReader(egress.Body))
		if err != nil {
			crashed = true
			return struct{}{}, backoff.Permanent(fmt.Errorf("building egress request: %w", err))
		}
		for _, h := range egress.Headers {
			req.Header.Add(h.Name, h.Value)
		}

		resp, err := deps.Client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				crashed = true
				return struct{}{}, backoff.Permanent(fmt.Errorf("relay canceled: %w", ctx.Err()))
			}

			lastCode = classify(err)
			log.WithFields(log.Fields{"id": cfg.ID, "attempt": attempts, "url": egress.URL, "code": lastCode}).
				Warnf("knocker: attempt failed: %v", err)
			return struct{}{}, err
		}

		io.Copy(io.Discard, resp.Body) //nolint:errcheck
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			lastCode = resp.StatusCode
			log.WithFields(log.Fields{"id": cfg.ID, "attempt": attempts, "method": egress.Method, "url": egress.URL, "status": resp.StatusCode}).
				Infof("knocker: request #%s done (%d): %q %d %s", cfg.ID, attempts, egress.URL, resp.StatusCode, http.StatusText(resp.StatusCode))
			return struct{}{}, nil
		}

		lastCode = resp.StatusCode
		log.WithFields(log.Fields{"id": cfg.ID, "attempt": attempts, "url": egress.URL, "status": resp.StatusCode}).
			Warnf("knocker: request #%s fail (%d): %q %d", cfg.ID, attempts, egress.URL, resp.StatusCode)
		return struct{}{}, &httpStatusError{code: resp.StatusCode}
	}

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(cfg.Retries+1)),
		backoff.WithMaxElapsedTime(0),
	)

	if !crashed && ctx.Err() != nil {
		log.WithFields(log.Fields{"id": cfg.ID, "attempts": attempts, "url": egress.URL}).
			Warnf("knocker: request #%s canceled during backoff (%d)", cfg.ID, attempts)
		deps.Metrics.RelayFinished("canceled", attempts)
		return
	}

	var outcome string
	switch {
	case err == nil:
		outcome = "ok"
	case crashed:
		outcome = "crashed"
		log.WithFields(log.Fields{"id": cfg.ID, "attempts": attempts, "url": egress.URL}).
			Errorf("knocker: request #%s raised an exception (%d): %v", cfg.ID, attempts, err)
		deps.Reporter.Report(ctx, err, map[string]interface{}{"id": cfg.ID, "url": egress.URL, "attempts": attempts})
	default:
		outcome = "failed"
		log.WithFields(log.Fields{"id": cfg.ID, "attempts": attempts, "url": egress.URL, "code": lastCode}).
			Warnf("knocker: request #%s failed (%d): %q %d", cfg.ID, attempts, egress.URL, lastCode)
		if deps.ReportFailedRequests {
			deps.Reporter.Report(ctx, err, map[string]interface{}{"id": cfg.ID, "url": egress.URL, "attempts": attempts, "code": lastCode})
		}
	}

	deps.Metrics.RelayFinished(outcome, attempts)

	if err == nil || cfg.Callback == "" {
		return
	}

	code := lastCode
	if code == 0 {
		code = 999
	}
	spawnCallback(ctx, deps, egress, cfg, code)
}

// spawnCallback builds and schedules the single callback hop described in
// spec.md §4.3: a POST to cfg.Callback reusing the same retry discipline,
// with its own callback field stripped so a failing callback cannot chain.
func spawnCallback(ctx context.Context, deps Deps, egress Egress, cfg directive.RequestConfig, code int) {
	payload, err := json.Marshal(callbackPayload{
		URL:        egress.URL,
		Method:     egress.Method,
		Config:     cfg.WithoutCallback(),
		StatusCode: code,
	})
	if err != nil {
		log.WithField("id", cfg.ID).Errorf("knocker: failed to encode callback payload: %v", err)
		return
	}

	headers := make([]KV, 0, len(egress.Headers)+2)
	headers = append(headers, KV{Name: "x-knocker-origin", Value: "knocker"}, KV{Name: "x-knocker", Value: version.Version})
	for _, h := range egress.Headers {
		if h.Name == "x-knocker" {
			continue
		}
		headers = append(headers, h)
	}

	callbackEgress := Egress{Method: http.MethodPost, URL: cfg.Callback, Headers: headers, Body: payload}
	callbackCfg := cfg.WithoutCallback()

	deps.Supervisor.Spawn(ctx, func(taskCtx context.Context) {
		Run(taskCtx, deps, callbackEgress, callbackCfg)
	})
}

type callbackPayload struct {
	URL        string                  `json:"url"`
	Method     string                  `json:"method"`
	Config     directive.RequestConfig `json:"config"`
	StatusCode int                     `json:"status_code"`
}

type httpStatusError struct{ code int }

func (e *httpStatusError) Error() string { return fmt.Sprintf("target responded with status %d", e.code) }

// classify maps a transport error (never an HTTP status error — those
// carry their own code already) to the integer code used for logging,
// retry accounting, and the callback payload, per spec.md §4.3: 504 for
// timeouts, 502 for dial/DNS failures, 503 for other identified network
// errors, and 418 as the final catch-all for anything unrecognized.
func classify(err error) int {
	if errors.Is(err, context.DeadlineExceeded) {
		return 504
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return 504
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if opErr.Op == "dial" {
			return 502
		}
		return 503
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return 502
	}

	return 418
}

// knockerBackOff reproduces the spec's exact additive-jitter exponential
// backoff: min(max, factor*2^(n-1) + U), U uniform in [0,1). It is not
// the AWS full-jitter formula; the additive jitter is applied only to the
// term beyond the deterministic exponential growth.
type knockerBackOff struct {
	factor  float64
	max     float64
	attempt int
	rand    *rand.Rand
}

func (b *knockerBackOff) NextBackOff() time.Duration {
	b.attempt++
	delay := b.factor*math.Pow(2, float64(b.attempt-1)) + b.rand.Float64()
	if delay > b.max {
		delay = b.max
	}
	return durationFromSeconds(delay)
}

func (b *knockerBackOff) Reset() {
	b.attempt = 0
}

func durationFromSeconds(s float64) time.Duration {
	if s <= 0 {
		return 0
	}
	return time.Duration(s * float64(time.Second))
}
