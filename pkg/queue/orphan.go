package queue

import (
	"context"
	"log/slog"
	"time"
)

// runOrphanDetection periodically scans for sessions left running or idle
// with no activity in OrphanThreshold, meaning the process that was
// supposed to be running their adapter is gone. Every process running
// against the same database runs this independently; ForceClose is
// idempotent (repeated calls just re-set an already-closed status), so
// concurrent scans from multiple processes are safe.
func (sv *Supervisor) runOrphanDetection(ctx context.Context) {
	ticker := time.NewTicker(sv.queueCfg.OrphanDetectionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sv.stopCh:
			return
		case <-ticker.C:
			if err := sv.detectAndRecoverOrphans(ctx); err != nil {
				slog.Error("orphan detection failed", "error", err)
			}
		}
	}
}

func (sv *Supervisor) detectAndRecoverOrphans(ctx context.Context) error {
	orphans, err := sv.store.OrphanCandidates(ctx, sv.queueCfg.OrphanThreshold)
	if err != nil {
		return err
	}

	recovered := 0
	for _, sess := range orphans {
		if err := sv.orchestrator.ForceClose(ctx, sess.ID); err != nil {
			slog.Error("failed to force-close orphaned session", "session_id", sess.ID, "error", err)
			continue
		}
		recovered++
	}

	if len(orphans) > 0 {
		slog.Warn("recovered orphaned sessions", "found", len(orphans), "recovered", recovered)
	}

	sv.mu.Lock()
	sv.health.LastOrphanScan = time.Now()
	sv.health.OrphansRecovered += recovered
	sv.mu.Unlock()
	return nil
}

// StartupSweep force-closes every session still marked running or idle at
// process start. A fresh process has no live adapters for any session row
// yet — whatever was running before this process started is, by
// definition, orphaned. Call once before serving traffic.
func (sv *Supervisor) StartupSweep(ctx context.Context) error {
	orphans, err := sv.store.OrphanCandidates(ctx, 0)
	if err != nil {
		return err
	}
	if len(orphans) == 0 {
		return nil
	}

	slog.Warn("found sessions left running across a restart", "count", len(orphans))
	for _, sess := range orphans {
		if err := sv.orchestrator.ForceClose(ctx, sess.ID); err != nil {
			slog.Error("failed to force-close startup orphan", "session_id", sess.ID, "error", err)
			continue
		}
		slog.Info("startup orphan closed", "session_id", sess.ID)
	}
	return nil
}
