/*
Package knocker provides an HTTP fire-and-forget relay.

A caller submits a request to knocker and receives an immediate
acknowledgement while the request is forwarded, in the background, to a
target host named by a `Knocker-Host` request header. Delivery is retried
with exponential backoff according to caller-supplied directives, and the
final outcome can be reported to a callback URL.

Knocker took its core design and its request-directive vocabulary from
klen/knocker (https://github.com/klen/knocker), reimplemented here as a
single Go binary with one shared HTTP client per process. Horizontal scale
is achieved by running multiple processes behind a load balancer; no state
is shared or persisted between them.

# Quickstart

Build and run the default binary:

	go build ./cmd/knocker
	./knocker -address :9009

Relay a request:

	curl -X POST localhost:9009/hooks/order-placed \
	    -H 'Knocker-Host: example.com' \
	    -H 'Knocker-Callback: https://example.com/knocker-callback' \
	    -d '{"id": 42}'

For the full set of directive headers, see package directive. For the
retry/backoff state machine, see package relay.
*/
package knocker

import "github.com/zalando/knocker/version"

// Version is reported in the status endpoint and sent as the value of the
// x-knocker egress header on every relayed request.
const Version = version.Version
