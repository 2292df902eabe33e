// Package adapter translates a live external process (a shell, an AI CLI,
// a headless browser) into the event model the orchestrator persists and
// fans out, and accepts input/resize/close back onto that process.
package adapter

import (
	"context"
	"fmt"
	"sync"

	"github.com/fwdslsh/dispatch/pkg/models"
)

// Emit is the adapter's sole output channel to the orchestrator. Every
// call must be forwarded to the Event Store in order — the orchestrator,
// not the adapter, is responsible for the single-writer guarantee, so an
// adapter may call Emit concurrently from multiple goroutines (e.g. a
// stdout reader and a stderr reader).
type Emit func(channel, typ string, payload map[string]any)

// Adapter is the live handle an orchestrator holds for one running
// session. Resize is a no-op for kinds that don't support it.
type Adapter interface {
	Write(ctx context.Context, data []byte) error
	Resize(ctx context.Context, cols, rows int) error
	// Close terminates the external process and returns opaque bytes a
	// future resume attempt may pass back in CreateParams.AdapterConfig.ResumeState.
	Close(ctx context.Context) ([]byte, error)
}

// Factory starts a new external process for a session and returns the
// live Adapter handle. emit is wired directly to the orchestrator's
// per-session append queue.
type Factory func(ctx context.Context, params models.CreateParams, emit Emit) (Adapter, error)

// Registry maps a session kind to the factory that starts it. Populated
// once at process start; every lookup takes a read lock, so registration
// and lookups may safely run concurrently.
type Registry struct {
	mu        sync.RWMutex
	factories map[models.Kind]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[models.Kind]Factory)}
}

// Register adds a factory for kind. Re-registering a kind overwrites the
// previous factory, which is only expected to happen in tests.
func (r *Registry) Register(kind models.Kind, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = factory
}

// Start looks up the factory for params.Kind and invokes it.
func (r *Registry) Start(ctx context.Context, params models.CreateParams, emit Emit) (Adapter, error) {
	r.mu.RLock()
	factory, ok := r.factories[params.Kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no adapter registered for kind %q", models.ErrInvalidArgument, params.Kind)
	}
	return factory(ctx, params, emit)
}

// Kinds returns every registered kind, for diagnostics.
func (r *Registry) Kinds() []models.Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]models.Kind, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	return kinds
}
