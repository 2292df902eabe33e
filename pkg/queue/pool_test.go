package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fwdslsh/dispatch/pkg/config"
	"github.com/fwdslsh/dispatch/pkg/models"
)

type fakeStore struct {
	mu             sync.Mutex
	orphans        []*models.Session
	eventsPurged   int64
	sessionsPurged int64
}

func (f *fakeStore) OrphanCandidates(ctx context.Context, threshold time.Duration) ([]*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.orphans, nil
}

func (f *fakeStore) PurgeExpiredEvents(ctx context.Context, olderThan time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.eventsPurged, nil
}

func (f *fakeStore) PurgeClosedSessions(ctx context.Context, retentionDays int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessionsPurged, nil
}

type fakeForceCloser struct {
	mu     sync.Mutex
	closed []string
}

func (f *fakeForceCloser) ForceClose(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, sessionID)
	return nil
}

func testQueueConfig() *config.QueueConfig {
	cfg := config.DefaultQueueConfig()
	cfg.OrphanDetectionInterval = 10 * time.Millisecond
	cfg.OrphanThreshold = time.Minute
	return cfg
}

func testRetentionConfig() *config.RetentionConfig {
	cfg := config.DefaultRetentionConfig()
	cfg.CleanupInterval = 10 * time.Millisecond
	return cfg
}

func TestDetectAndRecoverOrphans_ForceClosesEachCandidate(t *testing.T) {
	st := &fakeStore{orphans: []*models.Session{{ID: "s1"}, {ID: "s2"}}}
	fc := &fakeForceCloser{}
	sv := NewSupervisor(st, fc, testQueueConfig(), testRetentionConfig())

	require.NoError(t, sv.detectAndRecoverOrphans(context.Background()))

	fc.mu.Lock()
	closed := append([]string(nil), fc.closed...)
	fc.mu.Unlock()
	assert.Len(t, closed, 2)

	health := sv.Health()
	assert.Equal(t, 2, health.OrphansRecovered)
	assert.False(t, health.LastOrphanScan.IsZero())
}

func TestStartupSweep_ClosesPreExistingRunningSessions(t *testing.T) {
	st := &fakeStore{orphans: []*models.Session{{ID: "stale"}}}
	fc := &fakeForceCloser{}
	sv := NewSupervisor(st, fc, testQueueConfig(), testRetentionConfig())

	require.NoError(t, sv.StartupSweep(context.Background()))

	fc.mu.Lock()
	defer fc.mu.Unlock()
	require.Len(t, fc.closed, 1)
	assert.Equal(t, "stale", fc.closed[0])
}

func TestRunRetentionOnce_RecordsHealth(t *testing.T) {
	st := &fakeStore{eventsPurged: 5, sessionsPurged: 2}
	fc := &fakeForceCloser{}
	sv := NewSupervisor(st, fc, testQueueConfig(), testRetentionConfig())

	require.NoError(t, sv.runRetentionOnce(context.Background()))

	health := sv.Health()
	assert.EqualValues(t, 5, health.EventsPurged)
	assert.EqualValues(t, 2, health.SessionsPurged)
}

func TestSupervisor_StartStopRunsSweepLoops(t *testing.T) {
	st := &fakeStore{}
	fc := &fakeForceCloser{}
	sv := NewSupervisor(st, fc, testQueueConfig(), testRetentionConfig())

	ctx, cancel := context.WithCancel(context.Background())
	sv.Start(ctx)
	time.Sleep(50 * time.Millisecond)
	cancel()
	sv.Stop()

	health := sv.Health()
	assert.False(t, health.LastOrphanScan.IsZero())
	assert.False(t, health.LastRetentionScan.IsZero())
}
