package models

import "time"

// Well-known channel names. Channels are otherwise free-form strings owned
// by whichever adapter emits them; this list covers only the ones the core
// itself appends.
const (
	ChannelSystemStatus = "system:status"
	ChannelSystemInput  = "system:input"
)

// Well-known event types within the system:status channel.
const (
	TypeOpened      = "opened"
	TypeFailed      = "failed"
	TypeClosed      = "closed"
	TypeForcedClose = "forced-close"
)

// TypeData is the system:input channel's sole event type, recording a
// client write before it is forwarded to the adapter.
const TypeData = "data"

// Event is an append-only record attached to a session. Once appended, an
// Event is never mutated or deleted except by a retention sweep.
type Event struct {
	SessionID string
	Seq       int64
	Channel   string
	Type      string
	Payload   map[string]any
	Timestamp time.Time
}

// AppendRequest is the input to EventStore.Append; Seq and Timestamp are
// assigned by the store.
type AppendRequest struct {
	SessionID string
	Channel   string
	Type      string
	Payload   map[string]any
}
