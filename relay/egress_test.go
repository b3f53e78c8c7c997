package relay

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/zalando/knocker/directive"
	"github.com/zalando/knocker/version"
)

func TestRewriteBuildsTargetURL(t *testing.T) {
	rc := &directive.RequestConfig{Host: "example.com", Scheme: "https"}
	ingress := http.Header{}

	egress := Rewrite(rc, http.MethodPost, "/hooks/order-placed", "a=1", ingress, []byte("body"))

	assert.Equal(t, "https://example.com/hooks/order-placed?a=1", egress.URL)
	assert.Equal(t, http.MethodPost, egress.Method)
	assert.Equal(t, []byte("body"), egress.Body)
}

func TestRewriteDropsHopAndDirectiveHeaders(t *testing.T) {
	rc := &directive.RequestConfig{Host: "example.com", Scheme: "https"}
	ingress := http.Header{}
	ingress.Set("Host", "ignored.example.com")
	ingress.Set("Content-Length", "4")
	ingress.Set("Knocker-Host", "example.com")
	ingress.Set("Knocker-Trace-Id", "abc")
	ingress.Set("Authorization", "Bearer token")

	egress := Rewrite(rc, http.MethodPost, "/", "", ingress, nil)

	for _, h := range egress.Headers {
		assert.NotEqual(t, "host", h.Name)
		assert.NotEqual(t, "content-length", h.Name)
		assert.NotEqual(t, "knocker-host", h.Name)
		assert.NotEqual(t, "knocker-trace-id", h.Name)
	}
}

func TestRewriteAppendsExactlyOneVersionHeader(t *testing.T) {
	rc := &directive.RequestConfig{Host: "example.com", Scheme: "https"}
	ingress := http.Header{}
	ingress.Set("Authorization", "Bearer token")

	egress := Rewrite(rc, http.MethodGet, "/", "", ingress, nil)

	count := 0
	for _, h := range egress.Headers {
		if h.Name == "x-knocker" {
			count++
			assert.Equal(t, version.Version, h.Value)
		}
	}
	assert.Equal(t, 1, count)
}

func TestRewritePreservesRepeatedHeaderOrder(t *testing.T) {
	rc := &directive.RequestConfig{Host: "example.com", Scheme: "https"}
	ingress := http.Header{}
	ingress.Add("X-Trace", "first")
	ingress.Add("X-Trace", "second")
	ingress.Add("X-Trace", "third")

	egress := Rewrite(rc, http.MethodGet, "/", "", ingress, nil)

	var values []string
	for _, h := range egress.Headers {
		if h.Name == "x-trace" {
			values = append(values, h.Value)
		}
	}
	assert.Equal(t, []string{"first", "second", "third"}, values)
}

func TestKVMarshalJSONRendersPair(t *testing.T) {
	kv := KV{Name: "x-knocker", Value: "1.0.0"}
	raw, err := kv.MarshalJSON()
	assert := assert.New(t)
	assert.NoError(err)
	assert.JSONEq(`["x-knocker","1.0.0"]`, string(raw))
}
