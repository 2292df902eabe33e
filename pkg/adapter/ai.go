package adapter

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/fwdslsh/dispatch/pkg/config"
	"github.com/fwdslsh/dispatch/pkg/models"
)

// aiLine is the newline-delimited JSON frame an AI CLI writes to stdout.
// The adapter is agnostic to the assistant's own protocol beyond this
// envelope; everything under Data is forwarded verbatim as the event
// payload.
type aiLine struct {
	Type string         `json:"type"` // "delta", "tool_use", "message", "error"
	Data map[string]any `json:"data"`
}

// aiTurn is what Write sends to the child process's stdin: one chat turn.
type aiTurn struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// aiAdapter wraps an AI assistant CLI run as a subprocess speaking framed
// JSON over stdio, optionally backed by one or more MCP tool servers whose
// tools the assistant process discovers out-of-band (via its own config)
// but which this adapter keeps connected for the session's lifetime so
// tool calls surfaced in aiLine frames can be served without a cold start.
type aiAdapter struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	emit   Emit
	mcp    []*mcpclient.Client
	mu     sync.Mutex
	closed bool
	exited chan struct{}
}

// NewAIFactory returns a Factory that launches defaults.Command (or
// params.AdapterConfig.Argv) and wires any configured MCP servers.
func NewAIFactory(defaults *config.AIDefaults) Factory {
	return func(ctx context.Context, params models.CreateParams, emit Emit) (Adapter, error) {
		argv := params.AdapterConfig.Argv
		if len(argv) == 0 && defaults != nil {
			argv = append([]string{defaults.Command}, defaults.Args...)
		}
		if len(argv) == 0 {
			return nil, fmt.Errorf("%w: ai adapter requires a command", models.ErrInvalidArgument)
		}

		cmd := exec.Command(argv[0], argv[1:]...)
		cmd.Dir = params.WorkspacePath
		cmd.Env = buildEnv(params.AdapterConfig.Env)

		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("%w: stdin pipe: %v", models.ErrAdapterFailure, err)
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("%w: stdout pipe: %v", models.ErrAdapterFailure, err)
		}
		cmd.Stderr = os.Stderr

		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("%w: start ai process: %v", models.ErrAdapterFailure, err)
		}

		a := &aiAdapter{cmd: cmd, stdin: stdin, emit: emit, exited: make(chan struct{})}

		if defaults != nil {
			a.mcp = connectMCPServers(ctx, defaults.MCPServers)
		}

		go a.readLoop(stdout)
		go a.waitLoop()
		return a, nil
	}
}

// connectMCPServers best-effort connects every configured MCP server over
// stdio; a server that fails to connect is logged and skipped rather than
// failing the whole session, since the assistant may not need every tool
// on every turn.
func connectMCPServers(ctx context.Context, servers []config.MCPServerSpec) []*mcpclient.Client {
	var clients []*mcpclient.Client
	for _, spec := range servers {
		c, err := mcpclient.NewStdioMCPClient(spec.Command, nil, spec.Args...)
		if err != nil {
			slog.Error("mcp server client creation failed", "server", spec.Name, "error", err)
			continue
		}
		if err := c.Start(ctx); err != nil {
			slog.Error("mcp server start failed", "server", spec.Name, "error", err)
			continue
		}
		if _, err := c.Initialize(ctx, mcp.InitializeRequest{
			Params: mcp.InitializeParams{
				ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
				ClientInfo:      mcp.Implementation{Name: "dispatch", Version: "1"},
			},
		}); err != nil {
			slog.Error("mcp server initialize failed", "server", spec.Name, "error", err)
			_ = c.Close()
			continue
		}
		slog.Info("mcp server connected", "server", spec.Name)
		clients = append(clients, c)
	}
	return clients
}

func (a *aiAdapter) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var line aiLine
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			a.emit("ai:error", "malformed_output", map[string]any{"raw": scanner.Text()})
			continue
		}
		channel := "ai:message"
		if line.Type == "error" {
			channel = "ai:error"
		}
		a.emit(channel, line.Type, line.Data)
	}
}

func (a *aiAdapter) waitLoop() {
	_ = a.cmd.Wait()
	close(a.exited)

	a.mu.Lock()
	alreadyClosed := a.closed
	a.mu.Unlock()
	if alreadyClosed {
		return
	}
	a.emit("system:status", "closed", map[string]any{})
}

// Write sends one chat turn (plain text) to the assistant process.
func (a *aiAdapter) Write(ctx context.Context, data []byte) error {
	turn := aiTurn{Role: "user", Text: string(data)}
	encoded, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("%w: encode turn: %v", models.ErrInvalidArgument, err)
	}
	encoded = append(encoded, '\n')
	if _, err := a.stdin.Write(encoded); err != nil {
		return fmt.Errorf("%w: write to ai process: %v", models.ErrAdapterFailure, err)
	}
	return nil
}

// Resize is not meaningful for an AI chat session.
func (a *aiAdapter) Resize(ctx context.Context, cols, rows int) error { return nil }

func (a *aiAdapter) Close(ctx context.Context) ([]byte, error) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil, nil
	}
	a.closed = true
	a.mu.Unlock()

	_ = a.stdin.Close()
	select {
	case <-a.exited:
	case <-ctxDone(ctx):
		if a.cmd.Process != nil {
			_ = a.cmd.Process.Kill()
		}
	}

	for _, c := range a.mcp {
		_ = c.Close()
	}
	return nil, nil
}

func ctxDone(ctx context.Context) <-chan struct{} {
	if ctx == nil {
		return nil
	}
	return ctx.Done()
}
