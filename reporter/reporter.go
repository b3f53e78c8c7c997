// Package reporter defines the error-reporting sink consumed by the relay
// state machine: unexpected crashes are always reported when configured,
// terminal HTTP failures only when the caller opted in.
package reporter

import (
	"context"

	"github.com/getsentry/sentry-go"
	log "github.com/sirupsen/logrus"
)

// Reporter reports an exception to an external sink, with free-form
// context describing where it happened (relay id, url, attempt count).
type Reporter interface {
	Report(ctx context.Context, err error, fields map[string]interface{})
}

// Noop is the default Reporter: it does nothing. Used whenever no DSN is
// configured.
type Noop struct{}

func (Noop) Report(context.Context, error, map[string]interface{}) {}

// Sentry reports exceptions to a Sentry project via sentry-go. Construct
// with NewSentry; the zero value is not usable.
type Sentry struct {
	release string
}

// NewSentry initializes the global sentry-go client with dsn and returns a
// Reporter bound to it. Call once at startup; returns an error if the SDK
// fails to initialize (e.g. a malformed DSN).
func NewSentry(dsn, release string) (*Sentry, error) {
	if err := sentry.Init(sentry.ClientOptions{
		Dsn:     dsn,
		Release: release,
	}); err != nil {
		return nil, err
	}
	return &Sentry{release: release}, nil
}

func (s *Sentry) Report(ctx context.Context, err error, fields map[string]interface{}) {
	hub := sentry.CurrentHub().Clone()
	hub.ConfigureScope(func(scope *sentry.Scope) {
		for k, v := range fields {
			scope.SetExtra(k, v)
		}
	})

	defer func() {
		if r := recover(); r != nil {
			log.WithField("recover", r).Warn("panic while reporting to sentry")
		}
	}()

	hub.CaptureException(err)
}
