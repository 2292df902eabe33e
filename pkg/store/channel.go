package store

import (
	"encoding/json"
	"fmt"
)

// sessionNotifyChannel returns the NOTIFY channel name carrying all events
// appended to a given session.
func sessionNotifyChannel(sessionID string) string {
	return "session_" + sanitizeChannelName(sessionID)
}

// sanitizeChannelName keeps the derived NOTIFY channel name a valid
// unquoted PostgreSQL identifier regardless of the session id's shape
// (UUIDs contain hyphens, which are not valid in a bare identifier).
func sanitizeChannelName(s string) string {
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			out[i] = c
		default:
			out[i] = '_'
		}
	}
	return string(out)
}

// truncateIfNeeded returns the payload as-is if it fits PostgreSQL's
// 8000-byte NOTIFY limit (with headroom), otherwise a minimal envelope
// carrying only the routing fields a Tail consumer needs to fall back to a
// Range read for the full row.
func truncateIfNeeded(payloadJSON []byte) (string, error) {
	if len(payloadJSON) <= 7900 {
		return string(payloadJSON), nil
	}

	var routing struct {
		SessionID string `json:"session_id"`
		Seq       int64  `json:"seq"`
	}
	if err := json.Unmarshal(payloadJSON, &routing); err != nil {
		return "", fmt.Errorf("failed to extract routing fields for truncation: %w", err)
	}

	truncated := map[string]any{
		"session_id": routing.SessionID,
		"seq":        routing.Seq,
		"truncated":  true,
	}
	b, err := json.Marshal(truncated)
	if err != nil {
		return "", fmt.Errorf("failed to marshal truncated NOTIFY payload: %w", err)
	}
	return string(b), nil
}
