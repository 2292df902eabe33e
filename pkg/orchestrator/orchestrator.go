// Package orchestrator implements the Session Orchestrator: the component
// that owns session lifecycle (create/write/resize/close/attach), enforces
// the authorization rule that only a session's owner may act on it, and
// drives each session's adapter through a dedicated single-writer worker so
// that concurrent writers never race inside an adapter.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fwdslsh/dispatch/pkg/adapter"
	"github.com/fwdslsh/dispatch/pkg/config"
	"github.com/fwdslsh/dispatch/pkg/models"
	"github.com/fwdslsh/dispatch/pkg/store"
)

// EventStore is the subset of *store.Store the orchestrator depends on,
// declared as an interface so worker tests can substitute an in-memory fake
// instead of a real PostgreSQL-backed store.
type EventStore interface {
	Append(ctx context.Context, req models.AppendRequest) (int64, error)
	Range(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]models.Event, error)
	Tail(ctx context.Context, sessionID string, afterSeq int64) (<-chan models.Event, error)

	CreateSession(ctx context.Context, id string, params models.CreateParams) (*models.Session, error)
	GetSession(ctx context.Context, id string) (*models.Session, error)
	ListSessions(ctx context.Context, filter models.ListFilter) ([]*models.Session, error)
	UpdateStatus(ctx context.Context, id string, status models.Status) error
	UpdateActivity(ctx context.Context, id string) error
	SetPinned(ctx context.Context, id string, pinned bool) error
	SaveResumeState(ctx context.Context, id string, state []byte) error
	EnsureWorkspace(ctx context.Context, ws models.Workspace) error
	ListWorkspaces(ctx context.Context) ([]models.Workspace, error)
	OrphanCandidates(ctx context.Context, threshold time.Duration) ([]*models.Session, error)
}

var _ EventStore = (*store.Store)(nil)

// Orchestrator owns every live adapter process and the single-writer worker
// serializing access to it. Persisted session rows (via EventStore) are the
// durable source of truth; the in-memory registry here exists only to route
// write/resize/close calls to a running adapter and is rebuilt empty on
// every process restart (a restart implicitly orphans any session whose
// adapter lived in this process — see the orphan sweep in pkg/queue).
type Orchestrator struct {
	store     EventStore
	registry  *adapter.Registry
	cfg       *config.QueueConfig
	resolve   func(string) (string, error)

	mu       sync.RWMutex
	sessions map[string]*liveSession
}

// liveSession is the in-memory handle for a session this process started.
type liveSession struct {
	adapter adapter.Adapter
	emitCh  chan emitOrClose
	done    chan struct{}
}

// emitOrClose is the unit of work a session's worker goroutine processes;
// exactly one of write/resize/closeReq is set.
type emitOrClose struct {
	write    []byte
	resize   *resizeOp
	closeReq bool
	result   chan error
}

type resizeOp struct {
	cols, rows int
}

// New builds an Orchestrator. resolve canonicalizes workspace paths (see
// models.CanonicalizePath); pass filepath.EvalSymlinks in production.
func New(st EventStore, registry *adapter.Registry, cfg *config.QueueConfig, resolve func(string) (string, error)) *Orchestrator {
	return &Orchestrator{
		store:    st,
		registry: registry,
		cfg:      cfg,
		resolve:  resolve,
		sessions: make(map[string]*liveSession),
	}
}

// Create starts a new session: validates the workspace path, persists the
// starting session row, starts the adapter, and transitions to running (or
// error, if the adapter failed to start) before returning.
func (o *Orchestrator) Create(ctx context.Context, params models.CreateParams) (*models.Session, error) {
	if params.OwnerUserID == "" {
		return nil, fmt.Errorf("%w: ownerUserId is required", models.ErrInvalidArgument)
	}

	canonical, err := models.CanonicalizePath(o.resolve, params.WorkspacePath)
	if err != nil {
		return nil, err
	}
	params.WorkspacePath = canonical

	if err := o.store.EnsureWorkspace(ctx, models.Workspace{Path: canonical}); err != nil {
		return nil, fmt.Errorf("ensure workspace: %w", err)
	}

	id := uuid.New().String()
	sess, err := o.store.CreateSession(ctx, id, params)
	if err != nil {
		return nil, err
	}

	emit := o.emitFuncFor(id)
	live := &liveSession{emitCh: make(chan emitOrClose, 64), done: make(chan struct{})}

	a, err := o.registry.Start(ctx, params, emit)
	if err != nil {
		_ = o.store.UpdateStatus(ctx, id, models.StatusError)
		_, _ = o.store.Append(ctx, models.AppendRequest{
			SessionID: id,
			Channel:   models.ChannelSystemStatus,
			Type:      models.TypeFailed,
			Payload:   map[string]any{"error": err.Error()},
		})
		return nil, fmt.Errorf("%w: start adapter: %v", models.ErrAdapterFailure, err)
	}
	live.adapter = a

	o.mu.Lock()
	o.sessions[id] = live
	o.mu.Unlock()

	go o.runWorker(id, live)

	if err := o.store.UpdateStatus(ctx, id, models.StatusRunning); err != nil {
		return nil, err
	}
	sess.Status = models.StatusRunning

	if _, err := o.store.Append(ctx, models.AppendRequest{
		SessionID: id,
		Channel:   models.ChannelSystemStatus,
		Type:      models.TypeOpened,
		Payload:   map[string]any{},
	}); err != nil {
		slog.Error("failed to append opened event", "sessionId", id, "error", err)
	}

	return sess, nil
}

// emitFuncFor returns the adapter.Emit closure bound to one session: every
// call appends an event and bumps the activity timestamp used for the
// idle/orphan rollups. A store failure is retried with exponential backoff
// up to cfg.MaxAppendFailures attempts; if every attempt fails the session
// is moved to error.
func (o *Orchestrator) emitFuncFor(sessionID string) adapter.Emit {
	return func(channel, typ string, payload map[string]any) {
		ctx := context.Background()
		req := models.AppendRequest{SessionID: sessionID, Channel: channel, Type: typ, Payload: payload}
		backoff := 100 * time.Millisecond
		var err error
		for attempt := 1; ; attempt++ {
			if _, err = o.store.Append(ctx, req); err == nil || !errors.Is(err, models.ErrStoreFailure) || attempt >= o.cfg.MaxAppendFailures {
				break
			}
			time.Sleep(backoff)
			backoff *= 2
		}
		if err != nil {
			slog.Error("failed to append emitted event", "sessionId", sessionID, "channel", channel, "error", err)
			if errors.Is(err, models.ErrStoreFailure) {
				if statusErr := o.store.UpdateStatus(ctx, sessionID, models.StatusError); statusErr != nil {
					slog.Error("failed to mark session error", "sessionId", sessionID, "error", statusErr)
				}
			}
			return
		}
		if err := o.store.UpdateActivity(ctx, sessionID); err != nil {
			slog.Error("failed to update session activity", "sessionId", sessionID, "error", err)
		}
	}
}

// runWorker is the single-writer goroutine serializing every write/resize/
// close call against one session's adapter, per §4.3's "calls from multiple
// concurrent clients are serialized" invariant.
func (o *Orchestrator) runWorker(sessionID string, live *liveSession) {
	defer close(live.done)
	for op := range live.emitCh {
		ctx := context.Background()
		var err error
		switch {
		case op.closeReq:
			state, closeErr := live.adapter.Close(ctx)
			if closeErr != nil {
				slog.Error("adapter close returned error", "sessionId", sessionID, "error", closeErr)
			}
			if len(state) > 0 {
				if saveErr := o.store.SaveResumeState(context.Background(), sessionID, state); saveErr != nil {
					slog.Error("failed to save resume state", "sessionId", sessionID, "error", saveErr)
				}
			}
			if _, appendErr := o.store.Append(context.Background(), models.AppendRequest{
				SessionID: sessionID,
				Channel:   models.ChannelSystemStatus,
				Type:      models.TypeClosed,
				Payload:   map[string]any{},
			}); appendErr != nil {
				slog.Error("failed to append closed event", "sessionId", sessionID, "error", appendErr)
			}
			if statusErr := o.store.UpdateStatus(context.Background(), sessionID, models.StatusClosed); statusErr != nil {
				slog.Error("failed to mark session closed", "sessionId", sessionID, "error", statusErr)
			}
			op.result <- closeErr
			o.mu.Lock()
			delete(o.sessions, sessionID)
			o.mu.Unlock()
			return
		case op.resize != nil:
			err = live.adapter.Resize(ctx, op.resize.cols, op.resize.rows)
		default:
			if _, appendErr := o.store.Append(ctx, models.AppendRequest{
				SessionID: sessionID,
				Channel:   models.ChannelSystemInput,
				Type:      models.TypeData,
				Payload:   map[string]any{"data": string(op.write)},
			}); appendErr != nil {
				slog.Error("failed to append input event", "sessionId", sessionID, "error", appendErr)
			}
			err = live.adapter.Write(ctx, op.write)
			if err == nil {
				if updErr := o.store.UpdateActivity(ctx, sessionID); updErr != nil {
					slog.Error("failed to update session activity", "sessionId", sessionID, "error", updErr)
				}
			}
		}
		op.result <- err
	}
}

// authorize fetches the session and checks ownership, the rule every
// mutating operation applies first per spec.md §4.3.
func (o *Orchestrator) authorize(ctx context.Context, sessionID, userID string) (*models.Session, error) {
	sess, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.OwnerUserID != userID {
		return nil, models.ErrNotAuthorized
	}
	return sess, nil
}

// Write submits input to a session's adapter, blocking until the adapter
// has processed it (or the context is cancelled).
func (o *Orchestrator) Write(ctx context.Context, sessionID, userID string, data []byte) error {
	sess, err := o.authorize(ctx, sessionID, userID)
	if err != nil {
		return err
	}
	if sess.Status == models.StatusClosed || sess.Status == models.StatusError {
		return models.ErrSessionClosed
	}
	return o.submit(ctx, sessionID, emitOrClose{write: data})
}

// Resize submits a terminal resize to a session's adapter.
func (o *Orchestrator) Resize(ctx context.Context, sessionID, userID string, cols, rows int) error {
	if _, err := o.authorize(ctx, sessionID, userID); err != nil {
		return err
	}
	return o.submit(ctx, sessionID, emitOrClose{resize: &resizeOp{cols: cols, rows: rows}})
}

// Close requests a graceful adapter shutdown and waits up to cfg.CloseGrace
// for it to complete. If the grace period runs out first, the session is
// closed abruptly through ForceClose (a forced-close event, then status
// closed).
func (o *Orchestrator) Close(ctx context.Context, sessionID, userID string) error {
	if _, err := o.authorize(ctx, sessionID, userID); err != nil {
		return err
	}

	o.mu.RLock()
	live, ok := o.sessions[sessionID]
	o.mu.RUnlock()
	if !ok {
		// No live adapter in this process (already closed, or orphaned by a
		// restart) — force the persisted row to closed so callers observe a
		// terminal state either way.
		return o.store.UpdateStatus(ctx, sessionID, models.StatusClosed)
	}

	closeCtx, cancel := context.WithTimeout(ctx, o.cfg.CloseGrace)
	defer cancel()
	err := o.submit(closeCtx, sessionID, emitOrClose{closeReq: true})
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return o.ForceClose(ctx, sessionID)
	}
	return err
}

// ForceClose is used by the orphan sweep to close a session this process
// did not start (no liveSession registered) by marking it closed directly,
// since there is no adapter in this process to ask to shut down. Close also
// calls it when an adapter does not finish closing within cfg.CloseGrace.
func (o *Orchestrator) ForceClose(ctx context.Context, sessionID string) error {
	_, _ = o.store.Append(ctx, models.AppendRequest{
		SessionID: sessionID,
		Channel:   models.ChannelSystemStatus,
		Type:      models.TypeForcedClose,
		Payload:   map[string]any{},
	})
	return o.store.UpdateStatus(ctx, sessionID, models.StatusClosed)
}

func (o *Orchestrator) submit(ctx context.Context, sessionID string, op emitOrClose) error {
	o.mu.RLock()
	live, ok := o.sessions[sessionID]
	o.mu.RUnlock()
	if !ok {
		return models.ErrSessionClosed
	}

	op.result = make(chan error, 1)
	select {
	case live.emitCh <- op:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-op.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Get returns one session's persisted row, enforcing ownership.
func (o *Orchestrator) Get(ctx context.Context, sessionID, userID string) (*models.Session, error) {
	return o.authorize(ctx, sessionID, userID)
}

// List returns sessions owned by userID matching filter.
func (o *Orchestrator) List(ctx context.Context, userID string, filter models.ListFilter) ([]*models.Session, error) {
	all, err := o.store.ListSessions(ctx, filter)
	if err != nil {
		return nil, err
	}
	owned := make([]*models.Session, 0, len(all))
	for _, s := range all {
		if s.OwnerUserID == userID {
			owned = append(owned, s)
		}
	}
	return owned, nil
}

// SetPinned toggles a session's retention-exempt flag.
func (o *Orchestrator) SetPinned(ctx context.Context, sessionID, userID string, pinned bool) error {
	if _, err := o.authorize(ctx, sessionID, userID); err != nil {
		return err
	}
	return o.store.SetPinned(ctx, sessionID, pinned)
}

// Attach returns the catchup-then-live event channel for a session,
// delegating directly to the Event Store's gapless Tail join.
func (o *Orchestrator) Attach(ctx context.Context, sessionID, userID string, afterSeq int64) (<-chan models.Event, error) {
	if _, err := o.authorize(ctx, sessionID, userID); err != nil {
		return nil, err
	}
	return o.store.Tail(ctx, sessionID, afterSeq)
}
