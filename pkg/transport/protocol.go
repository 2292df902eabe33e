package transport

// ClientMessage is the JSON structure for client → server messages over the
// WebSocket connection. Only the fields relevant to Kind are populated.
type ClientMessage struct {
	Kind      string `json:"kind"` // "auth", "attach", "detach", "catchup", "input", "resize", "close"
	Credential string `json:"credential,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	AfterSeq  int64  `json:"afterSeq,omitempty"`
	Data      string `json:"data,omitempty"`
	Cols      int    `json:"cols,omitempty"`
	Rows      int    `json:"rows,omitempty"`
}

// ServerMessage is the JSON structure for server → client messages.
type ServerMessage struct {
	Kind string `json:"kind"`

	// run:event
	SessionID string         `json:"sessionId,omitempty"`
	Seq       int64          `json:"seq,omitempty"`
	Channel   string         `json:"channel,omitempty"`
	Type      string         `json:"type,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp string         `json:"timestamp,omitempty"`

	// ok / auth ok
	UserID string `json:"userId,omitempty"`

	// error
	ErrorKind string `json:"errorKind,omitempty"`
	Message   string `json:"message,omitempty"`

	// overflow / session:closed
	LastDeliveredSeq int64 `json:"lastDeliveredSeq,omitempty"`
}

// Server→client message kinds (§6 wire protocol table).
const (
	KindOK             = "ok"
	KindAuthOK         = "auth:ok"
	KindRunEvent       = "run:event"
	KindSessionCreated = "session:created"
	KindSessionUpdated = "session:updated"
	KindSessionClosed  = "session:closed"
	KindError          = "error"
	KindOverflow       = "overflow"
)

// Client→server message kinds.
const (
	ClientKindAuth    = "auth"
	ClientKindAttach  = "attach"
	ClientKindDetach  = "detach"
	ClientKindCatchup = "catchup"
	ClientKindInput   = "input"
	ClientKindResize  = "resize"
	ClientKindClose   = "close"
)
