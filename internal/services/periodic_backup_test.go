package services

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingPruner struct {
	calls atomic.Int32
}

func (c *countingPruner) Prune(ctx context.Context) (int, error) {
	c.calls.Add(1)
	return 0, nil
}

func TestPeriodicBackupService(t *testing.T) {
	ctx := testContext()
	f := newFixture(t, allCaps)
	_, err := f.svc.CreateTrail(ctx, lineDraft("Arch"), nil)
	require.NoError(t, err)

	pruner := &countingPruner{}
	p := NewPeriodicBackupService(f.svc, pruner, 10*time.Millisecond)
	assert.False(t, p.IsRunning())

	require.NoError(t, p.Start(ctx))
	require.NoError(t, p.Start(ctx), "Starting twice is a no-op")
	assert.True(t, p.IsRunning())

	require.Eventually(t, func() bool {
		return pruner.calls.Load() >= 2
	}, 2*time.Second, 5*time.Millisecond)

	p.Stop()
	assert.False(t, p.IsRunning())
	p.Stop()

	keys, err := f.svc.Backups(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(keys), 2, "Each tick stores a backup")
}

func TestPeriodicBackupService_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(testContext())
	f := newFixture(t, allCaps)

	p := NewPeriodicBackupService(f.svc, nil, time.Hour)
	require.NoError(t, p.Start(ctx))
	cancel()

	// Stop still returns once the loop has exited on its own
	done := make(chan struct{})
	go func() {
		p.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}
