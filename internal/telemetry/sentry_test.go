package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dpup/prefab/logging"
	"github.com/getsentry/sentry-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dpup/trailblog/server/internal/config"
)

// testContext returns a context carrying a development logger
func testContext() context.Context {
	return logging.With(context.Background(), logging.NewDevLogger())
}

func TestInit_NoDSN(t *testing.T) {
	require.NoError(t, Init(testContext(), config.SentryConfig{}))
	assert.False(t, enabled)

	// Captures are no-ops while disabled
	CaptureException(testContext(), errors.New("boom"), map[string]string{"op": "test"})
	assert.True(t, Flush(time.Millisecond))
}

func TestInit_BadDSN(t *testing.T) {
	err := Init(testContext(), config.SentryConfig{DSN: "not a dsn"})
	assert.Error(t, err)
	assert.False(t, enabled)
}

func TestScrubEvent(t *testing.T) {
	event := &sentry.Event{Request: &sentry.Request{
		Headers: map[string]string{"Authorization": "Bearer x", "Cookie": "a=b", "Accept": "*/*"},
		Data:    "binary image",
	}}

	out := scrubEvent(event)
	assert.Equal(t, map[string]string{"Accept": "*/*"}, out.Request.Headers)
	assert.Empty(t, out.Request.Data)

	assert.Nil(t, scrubEvent(nil))
	bare := &sentry.Event{}
	assert.Same(t, bare, scrubEvent(bare))
}
