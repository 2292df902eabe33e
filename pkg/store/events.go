package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/fwdslsh/dispatch/pkg/models"
)

// appendLocks serializes Append calls per session within this process. This
// is an optimization, not the source of correctness: seq assignment is
// always computed inside a transaction that locks the session row with
// SELECT ... FOR UPDATE, so it is correct even with multiple dispatchd
// replicas writing to the same session concurrently (which should not
// happen by construction — the orchestrator's single-writer emit queue
// guarantees only one process holds a session's adapter — but the store
// does not trust that invariant blindly).
type appendLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newAppendLocks() *appendLocks {
	return &appendLocks{locks: make(map[string]*sync.Mutex)}
}

func (a *appendLocks) forSession(sessionID string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		a.locks[sessionID] = l
	}
	return l
}

var globalAppendLocks = newAppendLocks()

// wireEvent is the JSON shape carried over NOTIFY and used to hydrate
// models.Event on both the publishing and the tailing side.
type wireEvent struct {
	SessionID string         `json:"session_id"`
	Seq       int64          `json:"seq"`
	Channel   string         `json:"channel"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload"`
	Timestamp time.Time      `json:"timestamp"`
	Truncated bool           `json:"truncated,omitempty"`
}

// Append atomically assigns the next seq for req.SessionID, persists the
// event, and notifies any live tails. It fails with models.ErrSessionClosed
// if the session has already transitioned to closed.
func (s *Store) Append(ctx context.Context, req models.AppendRequest) (int64, error) {
	lock := globalAppendLocks.forSession(req.SessionID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: begin transaction: %v", models.ErrStoreFailure, err)
	}
	defer func() { _ = tx.Rollback() }()

	var lastSeq int64
	var status string
	err = tx.QueryRowContext(ctx,
		`SELECT last_seq, status FROM sessions WHERE id = $1 FOR UPDATE`, req.SessionID,
	).Scan(&lastSeq, &status)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("%w: session %s", models.ErrNotFound, req.SessionID)
	}
	if err != nil {
		return 0, fmt.Errorf("%w: lock session row: %v", models.ErrStoreFailure, err)
	}
	if status == string(models.StatusClosed) {
		return 0, fmt.Errorf("%w: session %s", models.ErrSessionClosed, req.SessionID)
	}

	seq := lastSeq + 1
	now := time.Now().UTC()

	payloadJSON, err := json.Marshal(req.Payload)
	if err != nil {
		return 0, fmt.Errorf("%w: marshal payload: %v", models.ErrInvalidArgument, err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events (session_id, seq, channel, type, payload, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		req.SessionID, seq, req.Channel, req.Type, payloadJSON, now,
	); err != nil {
		return 0, fmt.Errorf("%w: insert event: %v", models.ErrStoreFailure, err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET last_seq = $1, last_activity_at = $2 WHERE id = $3`,
		seq, now, req.SessionID,
	); err != nil {
		return 0, fmt.Errorf("%w: update last_seq: %v", models.ErrStoreFailure, err)
	}

	wire := wireEvent{
		SessionID: req.SessionID,
		Seq:       seq,
		Channel:   req.Channel,
		Type:      req.Type,
		Payload:   req.Payload,
		Timestamp: now,
	}
	wireJSON, err := json.Marshal(wire)
	if err != nil {
		return 0, fmt.Errorf("%w: marshal notify payload: %v", models.ErrStoreFailure, err)
	}
	notifyPayload, err := truncateIfNeeded(wireJSON)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", models.ErrStoreFailure, err)
	}

	if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, sessionNotifyChannel(req.SessionID), notifyPayload); err != nil {
		return 0, fmt.Errorf("%w: pg_notify: %v", models.ErrStoreFailure, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: commit: %v", models.ErrStoreFailure, err)
	}

	return seq, nil
}

// Range returns events for sessionID with seq > afterSeq in ascending
// order, capped at limit when limit > 0.
func (s *Store) Range(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]models.Event, error) {
	query := `SELECT seq, channel, type, payload, created_at FROM events WHERE session_id = $1 AND seq > $2 ORDER BY seq ASC`
	args := []any{sessionID, afterSeq}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: range query: %v", models.ErrStoreFailure, err)
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		var e models.Event
		var payloadJSON []byte
		if err := rows.Scan(&e.Seq, &e.Channel, &e.Type, &payloadJSON, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("%w: scan event row: %v", models.ErrStoreFailure, err)
		}
		if err := json.Unmarshal(payloadJSON, &e.Payload); err != nil {
			return nil, fmt.Errorf("%w: unmarshal payload: %v", models.ErrStoreFailure, err)
		}
		e.SessionID = sessionID
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: range rows: %v", models.ErrStoreFailure, err)
	}
	return events, nil
}

// Tail produces an ordered, gapless, duplicate-free stream of every event
// after afterSeq, first replaying persisted history then continuing live.
// The returned channel is closed when ctx is cancelled; callers must drain
// it to avoid leaking the underlying NOTIFY subscription.
func (s *Store) Tail(ctx context.Context, sessionID string, afterSeq int64) (<-chan models.Event, error) {
	// Observe lastSeq before subscribing so the live gate opens after the
	// historical snapshot is taken — no event appended before this read is
	// ever delivered twice or missed, per the attach join contract in §5.
	var observedLastSeq int64
	if err := s.db.QueryRowContext(ctx, `SELECT last_seq FROM sessions WHERE id = $1`, sessionID).Scan(&observedLastSeq); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: session %s", models.ErrNotFound, sessionID)
		}
		return nil, fmt.Errorf("%w: observe last_seq: %v", models.ErrStoreFailure, err)
	}

	history, err := s.Range(ctx, sessionID, afterSeq, 0)
	if err != nil {
		return nil, err
	}

	out := make(chan models.Event, 64)
	live := make(chan wireEvent, 64)

	channel := sessionNotifyChannel(sessionID)
	handler := func(payload []byte) {
		var w wireEvent
		if err := json.Unmarshal(payload, &w); err != nil {
			return
		}
		select {
		case live <- w:
		case <-ctx.Done():
		}
	}
	if err := s.listener.OnNotify(ctx, channel, handler); err != nil {
		return nil, fmt.Errorf("%w: subscribe to %s: %v", models.ErrStoreFailure, channel, err)
	}

	go func() {
		defer close(out)
		defer s.listener.Unsubscribe(channel, handler)

		delivered := afterSeq
		for _, e := range history {
			select {
			case out <- e:
				delivered = e.Seq
			case <-ctx.Done():
				return
			}
		}
		// Fill the gap between the historical snapshot and the live feed:
		// events committed after the Range read above but before the LISTEN
		// subscription became active are in neither, so read once more now
		// that the subscription is in place.
		gap, err := s.Range(ctx, sessionID, delivered, 0)
		if err == nil {
			for _, e := range gap {
				select {
				case out <- e:
					delivered = e.Seq
				case <-ctx.Done():
					return
				}
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case w := <-live:
				if w.Seq <= delivered {
					continue // already delivered via history or an earlier gap fill
				}
				if w.Seq > delivered+1 || w.Truncated {
					// Missed one or more notifications, or the payload was too
					// large for NOTIFY; fetch the rows directly.
					gap, err := s.Range(ctx, sessionID, delivered, 0)
					if err != nil {
						continue
					}
					for _, e := range gap {
						select {
						case out <- e:
							delivered = e.Seq
						case <-ctx.Done():
							return
						}
					}
					continue
				}
				select {
				case out <- models.Event{
					SessionID: sessionID,
					Seq:       w.Seq,
					Channel:   w.Channel,
					Type:      w.Type,
					Payload:   w.Payload,
					Timestamp: w.Timestamp,
				}:
					delivered = w.Seq
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}
