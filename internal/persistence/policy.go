package persistence

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/dpup/prefab/errors"
	"github.com/dpup/prefab/logging"
)

// PressureSignal reports storage pressure on a 0.0-1.0 scale
type PressureSignal interface {
	Pressure(ctx context.Context) (float64, error)
}

// PressureFunc adapts a function to PressureSignal
type PressureFunc func(ctx context.Context) (float64, error)

// Pressure calls f
func (f PressureFunc) Pressure(ctx context.Context) (float64, error) {
	return f(ctx)
}

// UsagePressure derives pressure from a store's usage against its quota
func UsagePressure(store Store) PressureSignal {
	return PressureFunc(func(ctx context.Context) (float64, error) {
		usage, err := store.Usage(ctx)
		if err != nil {
			return 0, err
		}
		return usage.Pressure(), nil
	})
}

// Policy decides when auxiliary backups are discarded
type Policy struct {
	// Pressure at or above which routine pruning runs
	CleanupThreshold float64
	// Backups retained by routine pruning
	KeepBackups int
}

// Maintainer applies a Policy to a Store
type Maintainer struct {
	store    Store
	pressure PressureSignal
	policy   Policy
}

// NewMaintainer creates a Maintainer. A nil signal falls back to UsagePressure.
func NewMaintainer(store Store, signal PressureSignal, policy Policy) *Maintainer {
	if signal == nil {
		signal = UsagePressure(store)
	}
	return &Maintainer{store: store, pressure: signal, policy: policy}
}

// Prune discards the oldest backups beyond KeepBackups when pressure has
// reached the cleanup threshold. It returns how many backups were removed.
func (m *Maintainer) Prune(ctx context.Context) (int, error) {
	p, err := m.pressure.Pressure(ctx)
	if err != nil {
		return 0, fmt.Errorf("read storage pressure: %w", err)
	}
	if p < m.policy.CleanupThreshold {
		return 0, nil
	}
	return m.discardBackups(ctx, m.policy.KeepBackups)
}

// PruneNow discards the oldest backups beyond KeepBackups whatever the
// current pressure
func (m *Maintainer) PruneNow(ctx context.Context) (int, error) {
	return m.discardBackups(ctx, m.policy.KeepBackups)
}

// Reclaim discards every auxiliary backup, oldest first. It is the cleanup
// step run after a write was rejected for capacity.
func (m *Maintainer) Reclaim(ctx context.Context) (int, error) {
	return m.discardBackups(ctx, 0)
}

// Pressure exposes the current pressure reading
func (m *Maintainer) Pressure(ctx context.Context) (float64, error) {
	return m.pressure.Pressure(ctx)
}

func (m *Maintainer) discardBackups(ctx context.Context, keep int) (int, error) {
	keys, err := m.store.Keys(ctx, BackupPrefix)
	if err != nil {
		return 0, err
	}
	if keep < 0 {
		keep = 0
	}
	if len(keys) <= keep {
		return 0, nil
	}

	// Keys sort by timestamp so the oldest come first
	victims := keys[:len(keys)-keep]
	if err := m.store.Delete(ctx, victims...); err != nil {
		return 0, fmt.Errorf("discard backups: %w", err)
	}

	logging.Infow(ctx, "Discarded auxiliary backups", "count", len(victims), "kept", keep)
	return len(victims), nil
}

// StartPeriodicPrune starts a goroutine that prunes backups on an interval
// until ctx is cancelled
func (m *Maintainer) StartPeriodicPrune(ctx context.Context, interval time.Duration) {
	go func() {
		defer func() {
			// Recover from any panics in the prune goroutine
			if r := recover(); r != nil {
				err, _ := errors.ParseStack(debug.Stack())
				skipFrames := 3
				numFrames := 5
				logging.Errorw(ctx, "Backup prune: recovered from panic",
					"error", r, "error.stack_trace", err.MinimalStack(skipFrames, numFrames))
			}
		}()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := m.Prune(ctx); err != nil {
					logging.Warnw(ctx, "Backup prune failed", "error", err)
				}
			}
		}
	}()
}
