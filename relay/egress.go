package relay

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"

	"github.com/zalando/knocker/directive"
	"github.com/zalando/knocker/version"
)

// KV is a single header as an ordered name/value pair. Egress and
// callback headers are represented as a slice rather than an http.Header
// so that repeated header names survive the rewrite intact, the way the
// spec's header-multiplicity note requires.
type KV struct {
	Name  string
	Value string
}

// MarshalJSON renders a header as a ["name", "value"] pair, matching the
// shape of the ack response's "headers" field.
func (kv KV) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{kv.Name, kv.Value})
}

// Egress is the fully-rewritten outbound request: a target URL, ordered
// headers, and a buffered body, ready to execute under the retry policy.
type Egress struct {
	Method  string
	URL     string
	Headers []KV
	Body    []byte
}

// droppedIngress is the set of header names never forwarded to the
// target: hop-specific (host, content-length) and knocker's own
// directives, which configure the relay rather than the payload.
func droppedIngress(name string) bool {
	lower := strings.ToLower(name)
	return lower == "host" || lower == "content-length" || strings.HasPrefix(lower, "knocker-")
}

// Rewrite builds the egress request for a single ingress request: the
// target URL comes from rc's host/scheme plus the ingress path and query,
// the body is forwarded unchanged, and the headers are the ingress
// headers minus the hop/directive headers, plus exactly one x-knocker
// header naming this binary's version.
//
// net/http's http.Header is a map keyed by canonical header name, so the
// relative order between distinct header names from the wire is already
// lost by the time ingress reaches this function; Rewrite iterates names
// in sorted order for a deterministic result and preserves the order of
// repeated values for the same header name, which is the only ordering
// net/http retains in the first place.
func Rewrite(rc *directive.RequestConfig, method, path, rawQuery string, ingress http.Header, body []byte) Egress {
	url := rc.Scheme + "://" + rc.Host + path
	if rawQuery != "" {
		url += "?" + rawQuery
	}

	names := make([]string, 0, len(ingress))
	for name := range ingress {
		if droppedIngress(name) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	headers := make([]KV, 0, len(names)+1)
	for _, name := range names {
		for _, value := range ingress[name] {
			headers = append(headers, KV{Name: strings.ToLower(name), Value: value})
		}
	}
	headers = append(headers, KV{Name: "x-knocker", Value: version.Version})

	return Egress{Method: method, URL: url, Headers: headers, Body: body}
}
