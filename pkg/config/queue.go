package config

import "time"

// QueueConfig controls the background sweep loop (orphan detection and
// retention) and the session activity rollup. Unlike the teacher's worker
// pool, a dispatch session's emit-queue worker is started and stopped by
// the orchestrator itself rather than claimed from a polling pool, so only
// the sweep cadence and thresholds live here.
type QueueConfig struct {
	// IdleThreshold is how long a running session may go without activity
	// before EffectiveStatus reports it as idle.
	IdleThreshold time.Duration `yaml:"idle_threshold"`

	// CloseGrace bounds how long adapter.close may take to return
	// typeSpecificState before the orchestrator forces an abrupt close.
	CloseGrace time.Duration `yaml:"close_grace"`

	// OrphanDetectionInterval is how often to scan for sessions whose
	// emit-queue worker has vanished without a terminal status event.
	OrphanDetectionInterval time.Duration `yaml:"orphan_detection_interval"`

	// OrphanThreshold is how long a running session can go without activity
	// before it is considered orphaned rather than merely idle.
	OrphanThreshold time.Duration `yaml:"orphan_threshold"`

	// MaxAppendFailures is the number of consecutive failed attempts to
	// append one emitted event (retried with exponential backoff) before
	// the orchestrator transitions a session to error, per §7.
	MaxAppendFailures int `yaml:"max_append_failures"`
}

// DefaultQueueConfig returns the built-in sweep defaults.
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		IdleThreshold:           5 * time.Minute,
		CloseGrace:              5 * time.Second,
		OrphanDetectionInterval: 5 * time.Minute,
		OrphanThreshold:         30 * time.Minute,
		MaxAppendFailures:       3,
	}
}
