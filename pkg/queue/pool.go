package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fwdslsh/dispatch/pkg/config"
	"github.com/fwdslsh/dispatch/pkg/models"
)

// ForceCloser is the subset of *orchestrator.Orchestrator the sweeps need:
// marking a session closed without asking a (possibly nonexistent, in this
// process) live adapter to shut down first.
type ForceCloser interface {
	ForceClose(ctx context.Context, sessionID string) error
}

// Store is the subset of *store.Store the sweeps need.
type Store interface {
	OrphanCandidates(ctx context.Context, threshold time.Duration) ([]*models.Session, error)
	PurgeExpiredEvents(ctx context.Context, olderThan time.Duration) (int64, error)
	PurgeClosedSessions(ctx context.Context, retentionDays int) (int64, error)
}

// Supervisor runs the orphan-detection and retention-cleanup sweeps as
// independent ticker loops. Every process running against the same
// database runs its own Supervisor; sweeps are idempotent so running on
// multiple pods concurrently is safe, the same way the teacher's worker
// pool ran orphan detection independently per pod.
type Supervisor struct {
	store        Store
	orchestrator ForceCloser
	queueCfg     *config.QueueConfig
	retentionCfg *config.RetentionConfig

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu     sync.Mutex
	health SweepHealth
}

// NewSupervisor builds a Supervisor. Call Start to begin the sweep loops
// and Stop to shut them down gracefully.
func NewSupervisor(st Store, orch ForceCloser, queueCfg *config.QueueConfig, retentionCfg *config.RetentionConfig) *Supervisor {
	return &Supervisor{
		store:        st,
		orchestrator: orch,
		queueCfg:     queueCfg,
		retentionCfg: retentionCfg,
		stopCh:       make(chan struct{}),
	}
}

// Start spawns the orphan-detection and retention-cleanup goroutines.
func (sv *Supervisor) Start(ctx context.Context) {
	slog.Info("starting queue supervisor",
		"orphan_interval", sv.queueCfg.OrphanDetectionInterval,
		"retention_interval", sv.retentionCfg.CleanupInterval)

	sv.wg.Add(2)
	go func() {
		defer sv.wg.Done()
		sv.runOrphanDetection(ctx)
	}()
	go func() {
		defer sv.wg.Done()
		sv.runRetentionSweep(ctx)
	}()
}

// Stop signals both sweep loops to exit and waits for them.
func (sv *Supervisor) Stop() {
	sv.stopOnce.Do(func() { close(sv.stopCh) })
	sv.wg.Wait()
	slog.Info("queue supervisor stopped")
}

// Health returns a snapshot of the sweeps' last-run state.
func (sv *Supervisor) Health() SweepHealth {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.health
}
