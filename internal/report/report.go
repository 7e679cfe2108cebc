// Package report forwards unexpected errors to Sentry.
package report

import (
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
)

// Reporter captures an error with searchable tags.
type Reporter interface {
	Capture(err error, tags map[string]string)
	Flush()
}

// Nop drops everything. Used when no DSN is configured.
type Nop struct{}

func (Nop) Capture(error, map[string]string) {}
func (Nop) Flush()                           {}

type SentryReporter struct {
	hub          *sentry.Hub
	flushTimeout time.Duration
}

// New returns a Sentry backed reporter, or Nop when dsn is empty.
func New(dsn, environment, release string) (Reporter, error) {
	if dsn == "" {
		return Nop{}, nil
	}
	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:         dsn,
		Environment: environment,
		Release:     release,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init sentry: %w", err)
	}
	return &SentryReporter{hub: sentry.NewHub(client, sentry.NewScope()), flushTimeout: 2 * time.Second}, nil
}

func (r *SentryReporter) Capture(err error, tags map[string]string) {
	if err == nil {
		return
	}
	r.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTags(tags)
		r.hub.CaptureException(err)
	})
}

func (r *SentryReporter) Flush() {
	r.hub.Flush(r.flushTimeout)
}
