// Package handler maps job types to invokable handlers and ships the
// built-in generic HTTP handler.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// ErrSealed is returned when a handler is registered after the dispatch
// loop has started. Registration is startup-time configuration; a late
// Register is a wiring bug, not something to silently accept.
var ErrSealed = errors.New("handler: registry sealed, register before start")

// Handler executes one job attempt. The action payload is opaque to the
// engine and passed through verbatim.
type Handler interface {
	Invoke(ctx context.Context, ownerID string, action json.RawMessage) error
}

// Func adapts a plain function to Handler.
type Func func(ctx context.Context, ownerID string, action json.RawMessage) error

// Invoke implements Handler.
func (f Func) Invoke(ctx context.Context, ownerID string, action json.RawMessage) error {
	return f(ctx, ownerID, action)
}

// Registry maps job types to handlers, with a fallback for unknown types.
type Registry struct {
	mu       sync.Mutex
	handlers map[string]Handler
	fallback Handler
	sealed   bool
}

// NewRegistry creates a registry whose unknown job types resolve to
// fallback. A nil fallback means unknown types resolve to nil and the
// caller must handle that.
func NewRegistry(fallback Handler) *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
		fallback: fallback,
	}
}

// Register associates a job type with a handler. Must be called before
// Seal(); duplicate registration is an error.
func (r *Registry) Register(jobType string, h Handler) error {
	if h == nil {
		return fmt.Errorf("handler: nil handler for type %q", jobType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return ErrSealed
	}
	if _, exists := r.handlers[jobType]; exists {
		return fmt.Errorf("handler: duplicate registration for type %q", jobType)
	}
	r.handlers[jobType] = h
	return nil
}

// Seal closes the registry for registration. Called by the dispatch loop
// when it starts.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Resolve returns the handler for a job type, or the fallback when none
// is registered.
func (r *Registry) Resolve(jobType string) Handler {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.handlers[jobType]; ok {
		return h
	}
	return r.fallback
}
