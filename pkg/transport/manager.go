// Package transport implements the Live Transport: the WebSocket-facing
// fan-out layer that authenticates clients, forwards input/resize/close
// calls to the Session Orchestrator, and pipes each attached session's
// event stream back to its subscriber with bounded, overflow-safe outbound
// queues.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/fwdslsh/dispatch/pkg/models"
)

// outboxCapacity bounds each subscription's outbound queue. A subscriber
// that falls this far behind is dropped with an overflow message rather
// than let the queue (and the store's tail delivery goroutine behind it)
// grow without bound.
const outboxCapacity = 256

// writeTimeout bounds how long a single WebSocket write may block.
const writeTimeout = 10 * time.Second

// Authenticator validates a client-supplied credential and returns the
// user id driving authorization in the orchestrator.
type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (userID string, err error)
}

// Orchestrator is the subset of pkg/orchestrator.Orchestrator the
// transport depends on.
type Orchestrator interface {
	Write(ctx context.Context, sessionID, userID string, data []byte) error
	Resize(ctx context.Context, sessionID, userID string, cols, rows int) error
	Close(ctx context.Context, sessionID, userID string) error
	Attach(ctx context.Context, sessionID, userID string, afterSeq int64) (<-chan models.Event, error)
}

// ConnectionManager owns every live WebSocket connection for one process.
type ConnectionManager struct {
	auth         Authenticator
	orchestrator Orchestrator

	mu          sync.RWMutex
	connections map[string]*connection
}

// NewConnectionManager builds a ConnectionManager.
func NewConnectionManager(auth Authenticator, orchestrator Orchestrator) *ConnectionManager {
	return &ConnectionManager{
		auth:         auth,
		orchestrator: orchestrator,
		connections:  make(map[string]*connection),
	}
}

// connection is one client's WebSocket session. subscriptions is only ever
// mutated from HandleConnection's read loop goroutine (attach/detach/close
// messages, and the deferred cleanup on disconnect), so it needs no lock of
// its own; a subscription's own delivery goroutine only ever cancels
// itself and sends on the shared conn writer, never touches the map.
type connection struct {
	id            string
	conn          *websocket.Conn
	userID        string
	subscriptions map[string]*subscription
	writeMu       sync.Mutex
}

// subscription is one attached (sessionID) stream for one connection.
type subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// HandleConnection drives one WebSocket connection until it disconnects.
// The first message exchanged must be auth; every other message is
// rejected until authentication succeeds.
func (m *ConnectionManager) HandleConnection(ctx context.Context, ws *websocket.Conn) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c := &connection{
		id:            uuid.New().String(),
		conn:          ws,
		subscriptions: make(map[string]*subscription),
	}

	defer m.unregister(c)

	for {
		_, data, err := ws.Read(connCtx)
		if err != nil {
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			m.sendError(c, "", models.ErrInvalidArgument, "malformed message")
			continue
		}

		if c.userID == "" && msg.Kind != ClientKindAuth {
			m.sendError(c, msg.SessionID, models.ErrNotAuthenticated, "auth required before any other message")
			continue
		}

		m.handle(connCtx, c, msg)
	}
}

func (m *ConnectionManager) handle(ctx context.Context, c *connection, msg ClientMessage) {
	switch msg.Kind {
	case ClientKindAuth:
		userID, err := m.auth.Authenticate(ctx, msg.Credential)
		if err != nil {
			m.sendError(c, "", models.ErrNotAuthenticated, err.Error())
			return
		}
		c.userID = userID
		m.register(c)
		m.send(c, ServerMessage{Kind: KindAuthOK, UserID: userID})

	case ClientKindAttach, ClientKindCatchup:
		m.attach(ctx, c, msg.SessionID, msg.AfterSeq)

	case ClientKindDetach:
		m.detach(c, msg.SessionID)
		m.send(c, ServerMessage{Kind: KindOK, SessionID: msg.SessionID})

	case ClientKindInput:
		if err := m.orchestrator.Write(ctx, msg.SessionID, c.userID, []byte(msg.Data)); err != nil {
			m.sendError(c, msg.SessionID, err, err.Error())
			return
		}
		m.send(c, ServerMessage{Kind: KindOK, SessionID: msg.SessionID})

	case ClientKindResize:
		if err := m.orchestrator.Resize(ctx, msg.SessionID, c.userID, msg.Cols, msg.Rows); err != nil {
			m.sendError(c, msg.SessionID, err, err.Error())
			return
		}
		m.send(c, ServerMessage{Kind: KindOK, SessionID: msg.SessionID})

	case ClientKindClose:
		if err := m.orchestrator.Close(ctx, msg.SessionID, c.userID); err != nil {
			m.sendError(c, msg.SessionID, err, err.Error())
			return
		}
		m.detach(c, msg.SessionID)
		m.send(c, ServerMessage{Kind: KindSessionClosed, SessionID: msg.SessionID})

	default:
		m.sendError(c, msg.SessionID, models.ErrInvalidArgument, fmt.Sprintf("unknown message kind %q", msg.Kind))
	}
}

// attach subscribes c to sessionID, superseding any existing subscription
// for the same (connection, session) pair per §4.4's "at-most-once
// concurrent attach" rule.
func (m *ConnectionManager) attach(ctx context.Context, c *connection, sessionID string, afterSeq int64) {
	m.detach(c, sessionID)

	events, err := m.orchestrator.Attach(ctx, sessionID, c.userID, afterSeq)
	if err != nil {
		m.sendError(c, sessionID, err, err.Error())
		return
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{cancel: cancel, done: make(chan struct{})}
	c.subscriptions[sessionID] = sub

	go m.deliver(subCtx, c, sessionID, events, sub)
}

// deliver pulls events off the store's tail channel and forwards them to
// the client, through a bounded outbox so a slow client cannot grow the
// tail's internal buffering without limit.
func (m *ConnectionManager) deliver(ctx context.Context, c *connection, sessionID string, events <-chan models.Event, sub *subscription) {
	defer close(sub.done)

	outbox := make(chan models.Event, outboxCapacity)
	overflowed := make(chan struct{})

	go func() {
		defer close(outbox)
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					return
				}
				select {
				case outbox <- ev:
				default:
					close(overflowed)
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	var lastDelivered int64
	for {
		select {
		case ev, ok := <-outbox:
			if !ok {
				select {
				case <-overflowed:
					m.send(c, ServerMessage{Kind: KindOverflow, SessionID: sessionID, LastDeliveredSeq: lastDelivered})
				default:
				}
				return
			}
			m.send(c, ServerMessage{
				Kind:      KindRunEvent,
				SessionID: sessionID,
				Seq:       ev.Seq,
				Channel:   ev.Channel,
				Type:      ev.Type,
				Payload:   ev.Payload,
				Timestamp: ev.Timestamp.Format(time.RFC3339Nano),
			})
			lastDelivered = ev.Seq
		case <-ctx.Done():
			return
		}
	}
}

// detach cancels sessionID's subscription for c, if any, and waits for its
// delivery goroutine to exit so a subsequent attach cannot race it.
func (m *ConnectionManager) detach(c *connection, sessionID string) {
	sub, ok := c.subscriptions[sessionID]
	if !ok {
		return
	}
	delete(c.subscriptions, sessionID)
	sub.cancel()
	<-sub.done
}

func (m *ConnectionManager) register(c *connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections[c.id] = c
}

func (m *ConnectionManager) unregister(c *connection) {
	for sessionID := range c.subscriptions {
		m.detach(c, sessionID)
	}
	m.mu.Lock()
	delete(m.connections, c.id)
	m.mu.Unlock()
}

func (m *ConnectionManager) send(c *connection, msg ServerMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("failed to marshal server message", "kind", msg.Kind, "error", err)
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	writeCtx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := c.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		slog.Warn("failed to write to client", "connectionId", c.id, "error", err)
	}
}

func (m *ConnectionManager) sendError(c *connection, sessionID string, err error, message string) {
	m.send(c, ServerMessage{Kind: KindError, SessionID: sessionID, ErrorKind: errorKind(err), Message: message})
}

// errorKind maps a sentinel error to the wire "kind" field per §7.
func errorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, models.ErrNotAuthenticated):
		return "NotAuthenticated"
	case errors.Is(err, models.ErrNotAuthorized):
		return "NotAuthorized"
	case errors.Is(err, models.ErrNotFound):
		return "NotFound"
	case errors.Is(err, models.ErrInvalidArgument):
		return "InvalidArgument"
	case errors.Is(err, models.ErrConflict):
		return "Conflict"
	case errors.Is(err, models.ErrSessionClosed):
		return "SessionClosed"
	case errors.Is(err, models.ErrAdapterFailure):
		return "AdapterFailure"
	case errors.Is(err, models.ErrStoreFailure):
		return "StoreFailure"
	case errors.Is(err, models.ErrOverflow):
		return "Overflow"
	default:
		return "Internal"
	}
}
