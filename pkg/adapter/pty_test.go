package adapter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fwdslsh/dispatch/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collectingEmit struct {
	mu     sync.Mutex
	events []struct {
		channel, typ string
		payload      map[string]any
	}
}

func (c *collectingEmit) fn() Emit {
	return func(channel, typ string, payload map[string]any) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.events = append(c.events, struct {
			channel, typ string
			payload      map[string]any
		}{channel, typ, payload})
	}
}

func (c *collectingEmit) count(channel string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.events {
		if e.channel == channel {
			n++
		}
	}
	return n
}

func TestPTYAdapter_WriteAndEchoAppearOnStdout(t *testing.T) {
	collector := &collectingEmit{}
	factory := NewPTYFactory()

	a, err := factory(context.Background(), models.CreateParams{
		Kind:          models.KindPTY,
		WorkspacePath: t.TempDir(),
		AdapterConfig: models.AdapterConfig{Argv: []string{"/bin/sh", "-c", "cat"}, Cols: 80, Rows: 24},
	}, collector.fn())
	require.NoError(t, err)
	defer a.Close(context.Background())

	require.NoError(t, a.Write(context.Background(), []byte("hello\n")))

	require.Eventually(t, func() bool {
		return collector.count("stdout") > 0
	}, 3*time.Second, 10*time.Millisecond, "expected at least one stdout event")
}

func TestPTYAdapter_ProcessExitEmitsSystemStatus(t *testing.T) {
	collector := &collectingEmit{}
	factory := NewPTYFactory()

	a, err := factory(context.Background(), models.CreateParams{
		Kind:          models.KindPTY,
		WorkspacePath: t.TempDir(),
		AdapterConfig: models.AdapterConfig{Argv: []string{"/bin/sh", "-c", "exit 0"}, Cols: 80, Rows: 24},
	}, collector.fn())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return collector.count("system:status") > 0
	}, 3*time.Second, 10*time.Millisecond, "expected a system:status event when the process exits on its own")

	_, err = a.Close(context.Background())
	assert.NoError(t, err)
}

func TestPTYAdapter_ResizeSucceeds(t *testing.T) {
	collector := &collectingEmit{}
	factory := NewPTYFactory()

	a, err := factory(context.Background(), models.CreateParams{
		Kind:          models.KindPTY,
		WorkspacePath: t.TempDir(),
		AdapterConfig: models.AdapterConfig{Argv: []string{"/bin/sh", "-c", "cat"}, Cols: 80, Rows: 24},
	}, collector.fn())
	require.NoError(t, err)
	defer a.Close(context.Background())

	assert.NoError(t, a.Resize(context.Background(), 120, 40))
}

func TestPTYAdapter_CloseIsIdempotent(t *testing.T) {
	collector := &collectingEmit{}
	factory := NewPTYFactory()

	a, err := factory(context.Background(), models.CreateParams{
		Kind:          models.KindPTY,
		WorkspacePath: t.TempDir(),
		AdapterConfig: models.AdapterConfig{Argv: []string{"/bin/sh", "-c", "cat"}, Cols: 80, Rows: 24},
	}, collector.fn())
	require.NoError(t, err)

	_, err = a.Close(context.Background())
	require.NoError(t, err)
	_, err = a.Close(context.Background())
	assert.NoError(t, err, "Close must be safe to call twice")
}
