package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fwdslsh/dispatch/pkg/adapter"
	"github.com/fwdslsh/dispatch/pkg/config"
	"github.com/fwdslsh/dispatch/pkg/models"
)

// fakeStore is an in-memory EventStore good enough to exercise the
// orchestrator's lifecycle and authorization logic without PostgreSQL.
type fakeStore struct {
	mu       sync.Mutex
	sessions map[string]*models.Session
	events   map[string][]models.Event
	tails    map[string][]chan models.Event
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sessions: make(map[string]*models.Session),
		events:   make(map[string][]models.Event),
		tails:    make(map[string][]chan models.Event),
	}
}

func (f *fakeStore) Append(ctx context.Context, req models.AppendRequest) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[req.SessionID]
	if !ok {
		return 0, models.ErrNotFound
	}
	if sess.Status == models.StatusClosed {
		return 0, models.ErrSessionClosed
	}
	sess.LastSeq++
	ev := models.Event{SessionID: req.SessionID, Seq: sess.LastSeq, Channel: req.Channel, Type: req.Type, Payload: req.Payload, Timestamp: time.Now()}
	f.events[req.SessionID] = append(f.events[req.SessionID], ev)
	for _, ch := range f.tails[req.SessionID] {
		select {
		case ch <- ev:
		default:
		}
	}
	return sess.LastSeq, nil
}

func (f *fakeStore) Range(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]models.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Event
	for _, ev := range f.events[sessionID] {
		if ev.Seq > afterSeq {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakeStore) Tail(ctx context.Context, sessionID string, afterSeq int64) (<-chan models.Event, error) {
	f.mu.Lock()
	ch := make(chan models.Event, 64)
	for _, ev := range f.events[sessionID] {
		if ev.Seq > afterSeq {
			ch <- ev
		}
	}
	f.tails[sessionID] = append(f.tails[sessionID], ch)
	f.mu.Unlock()
	return ch, nil
}

func (f *fakeStore) CreateSession(ctx context.Context, id string, params models.CreateParams) (*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess := &models.Session{ID: id, Kind: params.Kind, OwnerUserID: params.OwnerUserID, WorkspacePath: params.WorkspacePath, Title: params.Title, Status: models.StatusStarting, CreatedAt: time.Now(), LastActivityAt: time.Now()}
	f.sessions[id] = sess
	return sess, nil
}

func (f *fakeStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (f *fakeStore) ListSessions(ctx context.Context, filter models.ListFilter) ([]*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Session
	for _, s := range f.sessions {
		out = append(out, s)
	}
	return out, nil
}

func (f *fakeStore) UpdateStatus(ctx context.Context, id string, status models.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[id]
	if !ok {
		return models.ErrNotFound
	}
	sess.Status = status
	return nil
}

func (f *fakeStore) UpdateActivity(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[id]
	if !ok {
		return models.ErrNotFound
	}
	sess.LastActivityAt = time.Now()
	return nil
}

func (f *fakeStore) SetPinned(ctx context.Context, id string, pinned bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[id]
	if !ok {
		return models.ErrNotFound
	}
	sess.Pinned = pinned
	return nil
}

func (f *fakeStore) SaveResumeState(ctx context.Context, id string, state []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[id]
	if !ok {
		return models.ErrNotFound
	}
	sess.TypeSpecificState = state
	return nil
}

func (f *fakeStore) EnsureWorkspace(ctx context.Context, ws models.Workspace) error { return nil }

func (f *fakeStore) ListWorkspaces(ctx context.Context) ([]models.Workspace, error) { return nil, nil }

func (f *fakeStore) OrphanCandidates(ctx context.Context, threshold time.Duration) ([]*models.Session, error) {
	return nil, nil
}

// fakeAdapter records every call for assertions and lets tests control
// what Close returns.
type fakeAdapter struct {
	mu          sync.Mutex
	writes      [][]byte
	resizes     []resizeOp
	closed      bool
	closeResult []byte
}

func (a *fakeAdapter) Write(ctx context.Context, data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.writes = append(a.writes, data)
	return nil
}

func (a *fakeAdapter) Resize(ctx context.Context, cols, rows int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resizes = append(a.resizes, resizeOp{cols, rows})
	return nil
}

func (a *fakeAdapter) Close(ctx context.Context) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	return a.closeResult, nil
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *fakeStore, *fakeAdapter) {
	t.Helper()
	fs := newFakeStore()
	fa := &fakeAdapter{}
	reg := adapter.NewRegistry()
	reg.Register(models.KindPTY, func(ctx context.Context, params models.CreateParams, emit adapter.Emit) (adapter.Adapter, error) {
		return fa, nil
	})
	o := New(fs, reg, config.DefaultQueueConfig(), func(p string) (string, error) { return p, nil })
	return o, fs, fa
}

func TestCreate_TransitionsToRunningAndEmitsOpened(t *testing.T) {
	o, fs, _ := newTestOrchestrator(t)
	sess, err := o.Create(context.Background(), models.CreateParams{Kind: models.KindPTY, OwnerUserID: "alice", WorkspacePath: "/tmp"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, sess.Status)

	events := fs.events[sess.ID]
	require.Len(t, events, 1)
	assert.Equal(t, models.TypeOpened, events[0].Type)
}

func TestWrite_RejectsNonOwner(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	sess, err := o.Create(context.Background(), models.CreateParams{Kind: models.KindPTY, OwnerUserID: "alice", WorkspacePath: "/tmp"})
	require.NoError(t, err)

	err = o.Write(context.Background(), sess.ID, "mallory", []byte("x"))
	assert.ErrorIs(t, err, models.ErrNotAuthorized)
}

func TestWrite_DeliversToAdapterSerially(t *testing.T) {
	o, _, fa := newTestOrchestrator(t)
	sess, err := o.Create(context.Background(), models.CreateParams{Kind: models.KindPTY, OwnerUserID: "alice", WorkspacePath: "/tmp"})
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, o.Write(context.Background(), sess.ID, "alice", []byte{byte(i)}))
	}

	fa.mu.Lock()
	defer fa.mu.Unlock()
	assert.Len(t, fa.writes, 10)
}

func TestResize_CallsAdapterResize(t *testing.T) {
	o, _, fa := newTestOrchestrator(t)
	sess, err := o.Create(context.Background(), models.CreateParams{Kind: models.KindPTY, OwnerUserID: "alice", WorkspacePath: "/tmp"})
	require.NoError(t, err)

	require.NoError(t, o.Resize(context.Background(), sess.ID, "alice", 120, 40))

	fa.mu.Lock()
	defer fa.mu.Unlock()
	require.Len(t, fa.resizes, 1)
	assert.Equal(t, 120, fa.resizes[0].cols)
}

func TestClose_MarksSessionClosedAndSavesResumeState(t *testing.T) {
	o, fs, fa := newTestOrchestrator(t)
	fa.closeResult = []byte(`{"ok":true}`)

	sess, err := o.Create(context.Background(), models.CreateParams{Kind: models.KindPTY, OwnerUserID: "alice", WorkspacePath: "/tmp"})
	require.NoError(t, err)

	require.NoError(t, o.Close(context.Background(), sess.ID, "alice"))

	got, err := fs.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusClosed, got.Status)
	assert.Equal(t, []byte(`{"ok":true}`), got.TypeSpecificState)

	events := fs.events[sess.ID]
	require.Len(t, events, 2)
	assert.Equal(t, models.TypeOpened, events[0].Type)
	assert.Equal(t, models.ChannelSystemStatus, events[1].Channel)
	assert.Equal(t, models.TypeClosed, events[1].Type)
}

func TestWrite_AfterCloseReturnsSessionClosed(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	sess, err := o.Create(context.Background(), models.CreateParams{Kind: models.KindPTY, OwnerUserID: "alice", WorkspacePath: "/tmp"})
	require.NoError(t, err)
	require.NoError(t, o.Close(context.Background(), sess.ID, "alice"))

	err = o.Write(context.Background(), sess.ID, "alice", []byte("x"))
	assert.ErrorIs(t, err, models.ErrSessionClosed)
}

func TestAttach_ReturnsTailChannel(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	sess, err := o.Create(context.Background(), models.CreateParams{Kind: models.KindPTY, OwnerUserID: "alice", WorkspacePath: "/tmp"})
	require.NoError(t, err)

	ch, err := o.Attach(context.Background(), sess.ID, "alice", 0)
	require.NoError(t, err)

	select {
	case ev := <-ch:
		assert.Equal(t, models.TypeOpened, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("expected the opened event to be replayed")
	}
}
