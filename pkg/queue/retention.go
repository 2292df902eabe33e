package queue

import (
	"context"
	"log/slog"
	"time"
)

// runRetentionSweep purges expired events and old closed sessions
// immediately, then on every tick of the configured interval.
func (sv *Supervisor) runRetentionSweep(ctx context.Context) {
	if err := sv.runRetentionOnce(ctx); err != nil {
		slog.Error("retention sweep failed", "error", err)
	}

	ticker := time.NewTicker(sv.retentionCfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sv.stopCh:
			return
		case <-ticker.C:
			if err := sv.runRetentionOnce(ctx); err != nil {
				slog.Error("retention sweep failed", "error", err)
			}
		}
	}
}

func (sv *Supervisor) runRetentionOnce(ctx context.Context) error {
	eventsPurged, err := sv.store.PurgeExpiredEvents(ctx, sv.retentionCfg.EventTTL)
	if err != nil {
		return err
	}

	sessionsPurged, err := sv.store.PurgeClosedSessions(ctx, sv.retentionCfg.SessionRetentionDays)
	if err != nil {
		return err
	}

	if eventsPurged > 0 || sessionsPurged > 0 {
		slog.Info("retention sweep purged rows", "events", eventsPurged, "sessions", sessionsPurged)
	}

	sv.mu.Lock()
	sv.health.LastRetentionScan = time.Now()
	sv.health.EventsPurged += eventsPurged
	sv.health.SessionsPurged += sessionsPurged
	sv.mu.Unlock()
	return nil
}
