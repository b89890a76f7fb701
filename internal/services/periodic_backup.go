package services

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/dpup/prefab/errors"
	"github.com/dpup/prefab/logging"
)

// Pruner discards old auxiliary backups
type Pruner interface {
	Prune(ctx context.Context) (int, error)
}

// PeriodicBackupService takes an auxiliary backup of the trail collection on
// a fixed interval and prunes old backups afterwards
type PeriodicBackupService struct {
	trails   *TrailService
	pruner   Pruner
	interval time.Duration

	// Background backup control
	mu       sync.Mutex
	stopChan chan struct{}
	done     chan struct{}
	running  bool
}

// NewPeriodicBackupService creates a new periodic backup service. pruner may be nil.
func NewPeriodicBackupService(trails *TrailService, pruner Pruner, interval time.Duration) *PeriodicBackupService {
	return &PeriodicBackupService{
		trails:   trails,
		pruner:   pruner,
		interval: interval,
	}
}

// Start begins taking backups in the background
func (p *PeriodicBackupService) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil // Already running
	}
	p.running = true
	p.stopChan = make(chan struct{})
	p.done = make(chan struct{})

	logging.Infow(ctx, "Starting periodic backups", "interval", p.interval)

	go p.backupLoop(ctx, p.stopChan, p.done)
	return nil
}

// Stop stops the backup loop and waits for an in-flight backup to finish
func (p *PeriodicBackupService) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopChan)
	done := p.done
	p.mu.Unlock()

	<-done
}

// IsRunning returns whether periodic backups are active
func (p *PeriodicBackupService) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *PeriodicBackupService) backupLoop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer func() {
		// Recover from any panics in the backup goroutine
		if r := recover(); r != nil {
			err, _ := errors.ParseStack(debug.Stack())
			skipFrames := 3
			numFrames := 5
			logging.Errorw(ctx, "Periodic backup: recovered from panic",
				"error", r, "error.stack_trace", err.MinimalStack(skipFrames, numFrames))
		}
	}()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.Infow(ctx, "Periodic backup stopping due to context cancellation")
			return
		case <-stop:
			logging.Infow(ctx, "Periodic backup stopping due to stop signal")
			return
		case <-ticker.C:
			p.runOnce(ctx)
		}
	}
}

// runOnce takes one backup then prunes
func (p *PeriodicBackupService) runOnce(ctx context.Context) {
	backupCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	if _, err := p.trails.TakeBackup(backupCtx); err != nil {
		logging.Warnw(ctx, "Periodic backup failed", "error", err)
	}

	if p.pruner == nil {
		return
	}
	if removed, err := p.pruner.Prune(backupCtx); err != nil {
		logging.Warnw(ctx, "Backup prune failed", "error", err)
	} else if removed > 0 {
		logging.Infow(ctx, "Pruned old backups", "removed", removed)
	}
}
