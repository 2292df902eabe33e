package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fwdslsh/dispatch/pkg/models"
)

type fakeAuth struct{}

func (fakeAuth) Authenticate(ctx context.Context, credential string) (string, error) {
	if credential == "" {
		return "", errors.New("missing credential")
	}
	return "user:" + credential, nil
}

type fakeOrchestrator struct {
	mu     sync.Mutex
	writes []string
	tails  map[string]chan models.Event
	owner  string
}

func newFakeOrchestrator() *fakeOrchestrator {
	return &fakeOrchestrator{tails: make(map[string]chan models.Event), owner: "user:alice"}
}

func (f *fakeOrchestrator) Write(ctx context.Context, sessionID, userID string, data []byte) error {
	if userID != f.owner {
		return models.ErrNotAuthorized
	}
	f.mu.Lock()
	f.writes = append(f.writes, string(data))
	f.mu.Unlock()
	return nil
}

func (f *fakeOrchestrator) Resize(ctx context.Context, sessionID, userID string, cols, rows int) error {
	if userID != f.owner {
		return models.ErrNotAuthorized
	}
	return nil
}

func (f *fakeOrchestrator) Close(ctx context.Context, sessionID, userID string) error {
	if userID != f.owner {
		return models.ErrNotAuthorized
	}
	return nil
}

func (f *fakeOrchestrator) Attach(ctx context.Context, sessionID, userID string, afterSeq int64) (<-chan models.Event, error) {
	if userID != f.owner {
		return nil, models.ErrNotAuthorized
	}
	f.mu.Lock()
	ch, ok := f.tails[sessionID]
	if !ok {
		ch = make(chan models.Event, 1024)
		f.tails[sessionID] = ch
	}
	f.mu.Unlock()
	return ch, nil
}

func (f *fakeOrchestrator) push(sessionID string, ev models.Event) {
	f.mu.Lock()
	ch := f.tails[sessionID]
	f.mu.Unlock()
	ch <- ev
}

func setupTestManager(t *testing.T) (*ConnectionManager, *fakeOrchestrator, *httptest.Server) {
	t.Helper()
	orch := newFakeOrchestrator()
	manager := NewConnectionManager(fakeAuth{}, orch)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		manager.HandleConnection(r.Context(), conn)
	}))
	t.Cleanup(server.Close)
	return manager, orch, server
}

func connectWS(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + server.URL[len("http"):]
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func writeJSON(t *testing.T, conn *websocket.Conn, msg ClientMessage) {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))
}

func readServerMessage(t *testing.T, conn *websocket.Conn) ServerMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var msg ServerMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestMessagesBeforeAuthAreRejected(t *testing.T) {
	_, _, server := setupTestManager(t)
	conn := connectWS(t, server)

	writeJSON(t, conn, ClientMessage{Kind: ClientKindInput, SessionID: "s1", Data: "x"})
	msg := readServerMessage(t, conn)
	assert.Equal(t, KindError, msg.Kind)
	assert.Equal(t, "NotAuthenticated", msg.ErrorKind)
}

func TestAuthThenInputSucceeds(t *testing.T) {
	_, orch, server := setupTestManager(t)
	conn := connectWS(t, server)

	writeJSON(t, conn, ClientMessage{Kind: ClientKindAuth, Credential: "alice"})
	auth := readServerMessage(t, conn)
	require.Equal(t, KindAuthOK, auth.Kind)

	writeJSON(t, conn, ClientMessage{Kind: ClientKindInput, SessionID: "s1", Data: "hello"})
	ok := readServerMessage(t, conn)
	assert.Equal(t, KindOK, ok.Kind)

	orch.mu.Lock()
	defer orch.mu.Unlock()
	assert.Equal(t, []string{"hello"}, orch.writes)
}

func TestAttachDeliversLiveEvents(t *testing.T) {
	_, orch, server := setupTestManager(t)
	conn := connectWS(t, server)

	writeJSON(t, conn, ClientMessage{Kind: ClientKindAuth, Credential: "alice"})
	_ = readServerMessage(t, conn)

	writeJSON(t, conn, ClientMessage{Kind: ClientKindAttach, SessionID: "s1", AfterSeq: 0})

	orch.push("s1", models.Event{SessionID: "s1", Seq: 1, Channel: "stdout", Type: "data", Payload: map[string]any{"data": "hi"}, Timestamp: time.Now()})

	msg := readServerMessage(t, conn)
	require.Equal(t, KindRunEvent, msg.Kind)
	assert.Equal(t, "s1", msg.SessionID)
	assert.Equal(t, int64(1), msg.Seq)
}

func TestDetachStopsDelivery(t *testing.T) {
	_, orch, server := setupTestManager(t)
	conn := connectWS(t, server)

	writeJSON(t, conn, ClientMessage{Kind: ClientKindAuth, Credential: "alice"})
	_ = readServerMessage(t, conn)

	writeJSON(t, conn, ClientMessage{Kind: ClientKindAttach, SessionID: "s1", AfterSeq: 0})

	writeJSON(t, conn, ClientMessage{Kind: ClientKindDetach, SessionID: "s1"})
	msg := readServerMessage(t, conn)
	require.Equal(t, KindOK, msg.Kind)

	orch.push("s1", models.Event{SessionID: "s1", Seq: 1, Channel: "stdout", Type: "data", Payload: map[string]any{}, Timestamp: time.Now()})

	// No run:event should arrive; instead confirm the connection is still
	// alive by round-tripping another input call.
	writeJSON(t, conn, ClientMessage{Kind: ClientKindInput, SessionID: "s1", Data: "still alive"})
	got := readServerMessage(t, conn)
	assert.Equal(t, KindOK, got.Kind)
}

func TestUnauthorizedWriteReturnsNotAuthorizedError(t *testing.T) {
	_, _, server := setupTestManager(t)
	conn := connectWS(t, server)

	writeJSON(t, conn, ClientMessage{Kind: ClientKindAuth, Credential: "mallory"})
	_ = readServerMessage(t, conn)

	writeJSON(t, conn, ClientMessage{Kind: ClientKindInput, SessionID: "s1", Data: "x"})
	msg := readServerMessage(t, conn)
	assert.Equal(t, KindError, msg.Kind)
	assert.Equal(t, "NotAuthorized", msg.ErrorKind)
}
