package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/fwdslsh/dispatch/pkg/models"
)

// defaultShell is used when CreateParams.AdapterConfig.Argv is empty.
const defaultShell = "/bin/sh"

// closeGrace is how long Close waits for the child to exit after SIGTERM
// before sending SIGKILL.
const closeGrace = 5 * time.Second

// ptyAdapter wraps a single pseudo-terminal process. Output is read on a
// dedicated goroutine and forwarded to Emit as stdout/data events; every
// exit (clean or forced) is surfaced as a system:status event, never
// silently dropped.
type ptyAdapter struct {
	cmd  *exec.Cmd
	ptmx *os.File
	emit Emit

	mu      sync.Mutex
	closed  bool
	exited  chan struct{}
}

// NewPTYFactory returns a Factory that launches a shell (or
// params.AdapterConfig.Argv) attached to a pseudo-terminal.
func NewPTYFactory() Factory {
	return func(ctx context.Context, params models.CreateParams, emit Emit) (Adapter, error) {
		argv := params.AdapterConfig.Argv
		if len(argv) == 0 {
			shell := os.Getenv("SHELL")
			if shell == "" {
				shell = defaultShell
			}
			argv = []string{shell}
		}

		cmd := exec.Command(argv[0], argv[1:]...)
		cmd.Dir = params.WorkspacePath
		cmd.Env = buildEnv(params.AdapterConfig.Env)

		cols, rows := params.AdapterConfig.Cols, params.AdapterConfig.Rows
		if cols <= 0 {
			cols = 80
		}
		if rows <= 0 {
			rows = 24
		}

		ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
		if err != nil {
			return nil, fmt.Errorf("%w: start pty: %v", models.ErrAdapterFailure, err)
		}

		a := &ptyAdapter{cmd: cmd, ptmx: ptmx, emit: emit, exited: make(chan struct{})}
		go a.readLoop()
		go a.waitLoop()
		return a, nil
	}
}

func buildEnv(overrides map[string]string) []string {
	env := os.Environ()
	for k, v := range overrides {
		env = append(env, k+"="+v)
	}
	return env
}

func (a *ptyAdapter) readLoop() {
	buf := make([]byte, 32*1024)
	for {
		n, err := a.ptmx.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			a.emit("stdout", "data", map[string]any{"data": data})
		}
		if err != nil {
			return
		}
	}
}

func (a *ptyAdapter) waitLoop() {
	err := a.cmd.Wait()
	close(a.exited)

	a.mu.Lock()
	alreadyClosed := a.closed
	a.mu.Unlock()
	if alreadyClosed {
		return
	}
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}
	a.emit("system:status", "closed", map[string]any{"exitCode": exitCode})
}

func (a *ptyAdapter) Write(ctx context.Context, data []byte) error {
	if _, err := a.ptmx.Write(data); err != nil {
		return fmt.Errorf("%w: write to pty: %v", models.ErrAdapterFailure, err)
	}
	return nil
}

func (a *ptyAdapter) Resize(ctx context.Context, cols, rows int) error {
	if err := pty.Setsize(a.ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)}); err != nil {
		return fmt.Errorf("%w: resize pty: %v", models.ErrAdapterFailure, err)
	}
	return nil
}

func (a *ptyAdapter) Close(ctx context.Context) ([]byte, error) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil, nil
	}
	a.closed = true
	a.mu.Unlock()

	if a.cmd.Process != nil {
		_ = a.cmd.Process.Signal(syscall.SIGTERM)
	}

	select {
	case <-a.exited:
	case <-time.After(closeGrace):
		slog.Warn("pty adapter grace period exceeded, forcing kill", "pid", pidOf(a.cmd))
		if a.cmd.Process != nil {
			_ = a.cmd.Process.Kill()
		}
		<-a.exited
	}

	_ = a.ptmx.Close()
	return nil, nil
}

func pidOf(cmd *exec.Cmd) int {
	if cmd.Process == nil {
		return -1
	}
	return cmd.Process.Pid
}
