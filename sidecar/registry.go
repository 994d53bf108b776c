// Package sidecar implements the in-process RPC surface bridging the user
// function to runtime services: a loopback HTTP server with a closed
// procedure registry, plus collection of the user's terminal return/exit.
package sidecar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrInvalidProcedure indicates an RPC with a ProcedureID outside the
// registered set. The error state is recorded and the caller aborts.
var ErrInvalidProcedure = errors.New("invalid procedure")

// Handler executes one registered procedure. The argument bag arrives as raw
// JSON; the handler decodes the fields it needs. The returned map becomes the
// response Data.
type Handler func(ctx context.Context, args json.RawMessage) (map[string]any, error)

// Registry maps procedure names to handlers. The set is closed: only
// registered names dispatch, anything else is ErrInvalidProcedure.
type Registry struct {
	mu         sync.RWMutex
	procedures map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{procedures: make(map[string]Handler)}
}

// Register adds a procedure. Re-registering a name is an error: the
// procedure set is fixed at construction.
func (r *Registry) Register(name string, handler Handler) error {
	if name == "" {
		return fmt.Errorf("registry: empty procedure name")
	}
	if handler == nil {
		return fmt.Errorf("registry: procedure %s missing handler", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.procedures[name]; exists {
		return fmt.Errorf("registry: procedure %s already registered", name)
	}
	r.procedures[name] = handler
	return nil
}

// Dispatch looks up and runs the named procedure.
func (r *Registry) Dispatch(ctx context.Context, name string, args json.RawMessage) (map[string]any, error) {
	r.mu.RLock()
	handler, ok := r.procedures[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInvalidProcedure, name)
	}
	return handler(ctx, args)
}

// Names returns the registered procedure names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.procedures))
	for name := range r.procedures {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
