package models

import "time"

// Status is the lifecycle state of a RunSession.
type Status string

// Session lifecycle states, per the orchestrator state machine.
const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusIdle     Status = "idle"
	StatusError    Status = "error"
	StatusClosed   Status = "closed"
)

// Kind identifies which adapter a session is backed by.
type Kind string

// Built-in adapter kinds registered at process start.
const (
	KindPTY     Kind = "pty"
	KindAI      Kind = "ai"
	KindWebView Kind = "web-view"
)

// Session is the core entity: a long-lived external process exposed as an
// event stream plus an input channel. The orchestrator exclusively owns the
// in-memory record; persisted rows are a shared projection read by the API
// and transport layers.
type Session struct {
	ID             string
	Kind           Kind
	OwnerUserID    string
	WorkspacePath  string
	Title          string
	Status         Status
	LastSeq        int64
	CreatedAt      time.Time
	LastActivityAt time.Time
	Pinned         bool

	// TypeSpecificState is opaque bytes an adapter may serialize at close
	// to permit a later resume attempt. Never inspected by the core.
	TypeSpecificState []byte
}

// EffectiveStatus derives the advisory running/idle rollup from
// LastActivityAt without mutating the stored Status. Only running sessions
// are subject to the idle rollup; starting/error/closed pass through.
func (s *Session) EffectiveStatus(now time.Time, idleThreshold time.Duration) Status {
	if s.Status != StatusRunning {
		return s.Status
	}
	if now.Sub(s.LastActivityAt) >= idleThreshold {
		return StatusIdle
	}
	return StatusRunning
}

// CreateParams are the caller-supplied fields for Orchestrator.Create.
type CreateParams struct {
	Kind          Kind
	OwnerUserID   string
	WorkspacePath string
	Title         string
	AdapterConfig AdapterConfig
}

// AdapterConfig enumerates the fields start() may consult; only those
// relevant to the session's kind are required.
type AdapterConfig struct {
	Cols        int
	Rows        int
	Env         map[string]string
	Argv        []string
	ResumeState []byte
}

// ListFilter narrows Orchestrator.List results.
type ListFilter struct {
	Kind          Kind
	WorkspacePath string
	PinnedOnly    bool
	IncludeClosed bool
}
