// Package telemetry reports hard failures to Sentry when a DSN is configured.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/dpup/prefab/logging"
	"github.com/getsentry/sentry-go"

	"github.com/dpup/trailblog/server/internal/config"
)

var enabled bool

// Init configures the global Sentry client. Without a DSN error reporting is
// disabled and every capture is a no-op.
func Init(ctx context.Context, cfg config.SentryConfig) error {
	if cfg.DSN == "" {
		logging.Infow(ctx, "Sentry DSN not configured, error reporting disabled")
		return nil
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.DSN,
		Environment:      cfg.Environment,
		Release:          cfg.Release,
		TracesSampleRate: cfg.TracesSampleRate,
		BeforeSend: func(event *sentry.Event, hint *sentry.EventHint) *sentry.Event {
			return scrubEvent(event)
		},
	})
	if err != nil {
		return fmt.Errorf("sentry init: %w", err)
	}
	enabled = true

	logging.Infow(ctx, "Sentry initialized", "environment", cfg.Environment, "release", cfg.Release)
	return nil
}

// CaptureException reports err with tags attached to the event only
func CaptureException(ctx context.Context, err error, tags map[string]string) {
	if err == nil || !enabled {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTags(tags)
		sentry.CaptureException(err)
	})
}

// Flush waits for queued events; call before exit
func Flush(timeout time.Duration) bool {
	if !enabled {
		return true
	}
	return sentry.Flush(timeout)
}

// scrubEvent drops credentials and uploaded bodies before events leave the process
func scrubEvent(event *sentry.Event) *sentry.Event {
	if event == nil || event.Request == nil {
		return event
	}
	if event.Request.Headers != nil {
		delete(event.Request.Headers, "Authorization")
		delete(event.Request.Headers, "Cookie")
	}
	event.Request.Data = ""
	return event
}
