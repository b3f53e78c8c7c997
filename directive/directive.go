// Package directive decodes and validates the knocker-* request headers
// that configure a single relay, producing a RequestConfig or a
// DirectiveError describing exactly which fields were invalid.
package directive

import (
	"encoding/json"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/zalando/knocker/config"
)

var schemeStrip = regexp.MustCompile(`^https?://`)

// recognized holds the set of knocker-* headers with typed semantics; any
// other knocker-* header is passthrough.
var recognized = map[string]bool{
	"knocker-host":           true,
	"knocker-scheme":         true,
	"knocker-callback":       true,
	"knocker-id":             true,
	"knocker-timeout":        true,
	"knocker-retries":        true,
	"knocker-backoff-factor": true,
}

// Extra is one passthrough knocker-* directive, retained verbatim under
// its original header name so it can surface again in a callback payload.
type Extra struct {
	Key   string
	Value string
}

// RequestConfig is the fully-defaulted, validated outcome of decoding a
// single ingress request's knocker-* headers. Every field is set exactly
// once by Load; nothing mutates it afterwards.
type RequestConfig struct {
	Host          string
	Scheme        string
	Callback      string // empty means absent
	ID            string
	Timeout       float64
	Retries       int
	BackoffFactor float64
	// BackoffFactorMax is the process-wide backoff delay ceiling copied
	// from config; it is not a directive and is not rendered in JSON.
	BackoffFactorMax float64
	Extra            []Extra
}

// WithoutCallback returns a shallow copy with Callback cleared, used to
// build the config payload embedded in a callback request: the callback
// relay has no callback of its own, so a failing callback cannot chain.
func (rc RequestConfig) WithoutCallback() RequestConfig {
	rc.Callback = ""
	return rc
}

// MarshalJSON renders the recognized fields under their spec.md names plus
// every passthrough knocker-* directive under its original header name.
// Go's map key sort on marshal keeps the result deterministic across
// requests with the same input.
func (rc RequestConfig) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, 7+len(rc.Extra))
	out["host"] = rc.Host
	out["scheme"] = rc.Scheme
	if rc.Callback != "" {
		out["callback"] = rc.Callback
	} else {
		out["callback"] = nil
	}
	out["id"] = rc.ID
	out["timeout"] = rc.Timeout
	out["retries"] = rc.Retries
	out["backoff_factor"] = rc.BackoffFactor
	for _, e := range rc.Extra {
		out[e.Key] = e.Value
	}
	return json.Marshal(out)
}

// DirectiveError carries one or more field-level validation messages. It
// is returned by Load whenever any directive is missing or out of range,
// and is surfaced to the ingress caller as a 400 response.
type DirectiveError struct {
	Errors map[string][]string
}

func (e *DirectiveError) Error() string {
	var parts []string
	for field, msgs := range e.Errors {
		parts = append(parts, field+": "+strings.Join(msgs, "; "))
	}
	sort.Strings(parts)
	return strings.Join(parts, ", ")
}

func newFieldErrors() map[string][]string {
	return make(map[string][]string)
}

func addErr(errs map[string][]string, field, msg string) {
	errs[field] = append(errs[field], msg)
}

// Load validates header against cfg's defaults and ceilings, returning a
// fully-defaulted RequestConfig or a *DirectiveError naming every invalid
// field. header is expected to use Go's canonical http.Header casing, as
// produced by net/http when parsing an ingress request.
func Load(header http.Header, cfg *config.Config) (*RequestConfig, error) {
	errs := newFieldErrors()
	rc := &RequestConfig{}

	host := header.Get("Knocker-Host")
	if host == "" {
		addErr(errs, "knocker-host", "required")
	} else {
		host = schemeStrip.ReplaceAllString(host, "")
		if !cfg.HostsOnly.Contains(host) {
			addErr(errs, "knocker-host", "host is not in the allowed list")
		} else {
			rc.Host = host
		}
	}

	rc.Scheme = cfg.Scheme
	if scheme := header.Get("Knocker-Scheme"); scheme != "" {
		if scheme != "http" && scheme != "https" {
			addErr(errs, "knocker-scheme", "must be one of http, https")
		} else {
			rc.Scheme = scheme
		}
	}

	if cb := header.Get("Knocker-Callback"); cb != "" {
		u, err := url.Parse(cb)
		if err != nil || !u.IsAbs() {
			addErr(errs, "knocker-callback", "must be an absolute URL")
		} else {
			rc.Callback = cb
		}
	}

	rc.ID = header.Get("Knocker-Id")
	if rc.ID == "" {
		rc.ID = strings.ReplaceAll(uuid.New().String(), "-", "")
	}

	rc.Timeout = parseRange(header, "Knocker-Timeout", "knocker-timeout", cfg.Timeout, 0, cfg.TimeoutMax, errs)
	rc.BackoffFactor = parseRange(header, "Knocker-Backoff-Factor", "knocker-backoff-factor", cfg.BackoffFactor, 0, cfg.BackoffFactorMax, errs)
	rc.BackoffFactorMax = cfg.BackoffFactorMax

	if r := header.Get("Knocker-Retries"); r == "" {
		rc.Retries = cfg.Retries
	} else if n, err := strconv.Atoi(r); err != nil {
		addErr(errs, "knocker-retries", "must be an integer")
	} else if n < 0 || n > cfg.RetriesMax {
		addErr(errs, "knocker-retries", "out of range")
	} else {
		rc.Retries = n
	}

	rc.Extra = passthrough(header)

	if len(errs) > 0 {
		return nil, &DirectiveError{Errors: errs}
	}
	return rc, nil
}

// parseRange parses a float directive, applying cfg's default when absent
// and recording a field error when present-but-invalid or out of [min, max].
func parseRange(header http.Header, canonical, field string, def, min, max float64, errs map[string][]string) float64 {
	raw := header.Get(canonical)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		addErr(errs, field, "must be a number")
		return def
	}
	if v < min || v > max {
		addErr(errs, field, "out of range")
		return def
	}
	return v
}

// passthrough collects every knocker-* header that isn't one of the
// recognized directives, sorted by header name for deterministic output.
func passthrough(header http.Header) []Extra {
	var extra []Extra
	for name := range header {
		lower := strings.ToLower(name)
		if !strings.HasPrefix(lower, "knocker-") || recognized[lower] {
			continue
		}
		extra = append(extra, Extra{Key: lower, Value: header.Get(name)})
	}
	sort.Slice(extra, func(i, j int) bool { return extra[i].Key < extra[j].Key })
	return extra
}
