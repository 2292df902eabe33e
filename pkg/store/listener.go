package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
)

// listenCmd represents a LISTEN/UNLISTEN command executed by the receive
// loop, the sole goroutine that touches the dedicated pgx connection.
type listenCmd struct {
	sql     string
	channel string
	gen     uint64 // generation captured at Unsubscribe time; 0 for LISTEN
	result  chan error
}

// NotifyListener listens for PostgreSQL NOTIFY events on session channels
// and dispatches raw payloads to whichever subscriber functions are
// currently registered for that channel, which is how Tail learns about
// events appended by any dispatchd replica, not just this process.
type NotifyListener struct {
	connString string
	conn       *pgx.Conn
	connMu     sync.Mutex

	channels   map[string]bool
	channelsMu sync.RWMutex

	// cmdCh serializes LISTEN/UNLISTEN through the receive loop to avoid the
	// "conn busy" race between WaitForNotification and Exec.
	cmdCh   chan listenCmd
	running atomic.Bool

	// listenGen prevents a stale UNLISTEN from winning a race against a
	// newer LISTEN on a rapid unsubscribe/resubscribe cycle.
	listenGen   map[string]uint64
	listenGenMu sync.Mutex

	subscribers   map[string][]func(payload []byte)
	subscribersMu sync.RWMutex

	cancelLoop context.CancelFunc
	loopDone   chan struct{}
}

func newNotifyListener(connString string) (*NotifyListener, error) {
	l := &NotifyListener{
		connString:  connString,
		channels:    make(map[string]bool),
		cmdCh:       make(chan listenCmd, 16),
		listenGen:   make(map[string]uint64),
		subscribers: make(map[string][]func(payload []byte)),
	}
	if err := l.start(context.Background()); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *NotifyListener) start(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, l.connString)
	if err != nil {
		return fmt.Errorf("failed to connect for LISTEN: %w", err)
	}

	l.connMu.Lock()
	l.conn = conn
	l.connMu.Unlock()
	l.running.Store(true)

	loopCtx, cancel := context.WithCancel(context.Background())
	l.cancelLoop = cancel
	l.loopDone = make(chan struct{})
	go func() {
		defer close(l.loopDone)
		l.receiveLoop(loopCtx)
	}()

	slog.Info("notify listener started")
	return nil
}

// OnNotify registers fn to be called, on the receive loop's goroutine, for
// every NOTIFY on channel. Subscribing is idempotent with respect to the
// underlying LISTEN: the first subscriber for a channel triggers LISTEN,
// later subscribers just add another callback.
func (l *NotifyListener) OnNotify(ctx context.Context, channel string, fn func(payload []byte)) error {
	l.subscribersMu.Lock()
	needsListen := len(l.subscribers[channel]) == 0
	l.subscribers[channel] = append(l.subscribers[channel], fn)
	l.subscribersMu.Unlock()

	if needsListen {
		if err := l.subscribe(ctx, channel); err != nil {
			l.removeSubscriber(channel, fn)
			return err
		}
	}
	return nil
}

// Unsubscribe removes fn from channel's subscriber list. When the last
// subscriber leaves, the listener issues UNLISTEN.
func (l *NotifyListener) Unsubscribe(channel string, fn func(payload []byte)) {
	last := l.removeSubscriber(channel, fn)
	if last {
		go func() {
			l.channelsMu.RLock()
			_, resubscribed := func() (bool, bool) {
				l.subscribersMu.RLock()
				defer l.subscribersMu.RUnlock()
				n, ok := len(l.subscribers[channel]), len(l.subscribers[channel]) > 0
				return n > 0, ok
			}()
			l.channelsMu.RUnlock()
			if resubscribed {
				return
			}
			if err := l.unsubscribe(context.Background(), channel); err != nil {
				slog.Error("failed to UNLISTEN channel", "channel", channel, "error", err)
			}
		}()
	}
}

func (l *NotifyListener) removeSubscriber(channel string, fn func(payload []byte)) (last bool) {
	l.subscribersMu.Lock()
	defer l.subscribersMu.Unlock()
	fns := l.subscribers[channel]
	target := fmt.Sprintf("%p", fn)
	out := fns[:0]
	for _, f := range fns {
		if fmt.Sprintf("%p", f) == target {
			continue
		}
		out = append(out, f)
	}
	if len(out) == 0 {
		delete(l.subscribers, channel)
	} else {
		l.subscribers[channel] = out
	}
	return len(out) == 0
}

func (l *NotifyListener) subscribe(ctx context.Context, channel string) error {
	if !l.running.Load() {
		return fmt.Errorf("LISTEN connection not established")
	}
	sanitized := pgx.Identifier{channel}.Sanitize()
	cmd := listenCmd{sql: "LISTEN " + sanitized, channel: channel, result: make(chan error, 1)}

	select {
	case l.cmdCh <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-cmd.result:
		if err != nil {
			return fmt.Errorf("LISTEN %s failed: %w", sanitized, err)
		}
		l.channelsMu.Lock()
		l.channels[channel] = true
		l.channelsMu.Unlock()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *NotifyListener) unsubscribe(ctx context.Context, channel string) error {
	l.channelsMu.Lock()
	if !l.channels[channel] {
		l.channelsMu.Unlock()
		return nil
	}
	l.channelsMu.Unlock()

	if !l.running.Load() {
		return nil
	}

	l.listenGenMu.Lock()
	gen := l.listenGen[channel]
	l.listenGenMu.Unlock()

	sanitized := pgx.Identifier{channel}.Sanitize()
	cmd := listenCmd{sql: "UNLISTEN " + sanitized, channel: channel, gen: gen, result: make(chan error, 1)}

	select {
	case l.cmdCh <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-cmd.result:
		if err != nil {
			return fmt.Errorf("UNLISTEN %s failed: %w", sanitized, err)
		}
		l.listenGenMu.Lock()
		stale := l.listenGen[channel] != gen
		l.listenGenMu.Unlock()
		if !stale {
			l.channelsMu.Lock()
			delete(l.channels, channel)
			l.channelsMu.Unlock()
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *NotifyListener) receiveLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		l.processPendingCmds(ctx)

		l.connMu.Lock()
		conn := l.conn
		l.connMu.Unlock()

		if conn == nil {
			l.reconnect(ctx)
			continue
		}

		waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		notification, err := conn.WaitForNotification(waitCtx)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if waitCtx.Err() != nil {
				continue
			}
			slog.Error("NOTIFY receive error", "error", err)
			l.reconnect(ctx)
			continue
		}

		l.subscribersMu.RLock()
		fns := append([]func(payload []byte){}, l.subscribers[notification.Channel]...)
		l.subscribersMu.RUnlock()
		for _, fn := range fns {
			fn([]byte(notification.Payload))
		}
	}
}

func (l *NotifyListener) processPendingCmds(ctx context.Context) {
	for {
		select {
		case cmd := <-l.cmdCh:
			if cmd.gen > 0 {
				l.listenGenMu.Lock()
				stale := l.listenGen[cmd.channel] != cmd.gen
				l.listenGenMu.Unlock()
				if stale {
					cmd.result <- nil
					continue
				}
			}

			l.connMu.Lock()
			conn := l.conn
			l.connMu.Unlock()

			if conn == nil {
				cmd.result <- fmt.Errorf("LISTEN connection not established")
				continue
			}

			_, err := conn.Exec(ctx, cmd.sql)
			if err == nil && cmd.gen == 0 && cmd.channel != "" {
				l.listenGenMu.Lock()
				l.listenGen[cmd.channel]++
				l.listenGenMu.Unlock()
			}
			cmd.result <- err
		default:
			return
		}
	}
}

func (l *NotifyListener) reconnect(ctx context.Context) {
	l.connMu.Lock()
	defer l.connMu.Unlock()

	if l.conn != nil {
		_ = l.conn.Close(ctx)
		l.conn = nil
	}

	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		conn, err := pgx.Connect(ctx, l.connString)
		if err != nil {
			slog.Error("LISTEN reconnect failed", "error", err, "backoff", backoff)
			backoff = min(backoff*2, 30*time.Second)
			continue
		}
		l.conn = conn

		l.channelsMu.RLock()
		for ch := range l.channels {
			sanitized := pgx.Identifier{ch}.Sanitize()
			if _, err := conn.Exec(ctx, "LISTEN "+sanitized); err != nil {
				slog.Error("re-LISTEN failed", "channel", ch, "error", err)
			}
		}
		l.channelsMu.RUnlock()

		slog.Info("notify listener reconnected")
		return
	}
}

// Stop signals the receive loop to exit, waits for it, then closes the
// LISTEN connection.
func (l *NotifyListener) Stop() {
	l.running.Store(false)
	if l.cancelLoop != nil {
		l.cancelLoop()
	}
	if l.loopDone != nil {
		<-l.loopDone
	}

	l.connMu.Lock()
	defer l.connMu.Unlock()
	if l.conn != nil {
		_ = l.conn.Close(context.Background())
		l.conn = nil
	}
}
