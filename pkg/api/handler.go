package api

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// StepContext is everything a handler gets to see about the step it runs.
type StepContext struct {
	TaskID   string
	TaskName string
	StepID   string
	StepName string

	// Attempt is 1 for the first execution.
	Attempt int

	TaskContext map[string]any
	Config      map[string]any

	// ParentResults holds the results of every direct parent, keyed by step name.
	ParentResults map[string]map[string]any
}

// StepHandler executes the work behind a step. A nil error means success and
// the returned map becomes the step results.
type StepHandler interface {
	Execute(ctx context.Context, sc StepContext) (map[string]any, error)
}

// HandlerFunc adapts a function to StepHandler.
type HandlerFunc func(ctx context.Context, sc StepContext) (map[string]any, error)

func (f HandlerFunc) Execute(ctx context.Context, sc StepContext) (map[string]any, error) {
	return f(ctx, sc)
}

// HandlerRegistry maps handler names to implementations. It is constructed
// by the caller and passed to the engine; there is no process-wide registry.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]StepHandler
}

// NewHandlerRegistry returns an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]StepHandler)}
}

// Register adds a handler. Registering the same name twice is an error.
func (r *HandlerRegistry) Register(name string, h StepHandler) error {
	if name == "" {
		return fmt.Errorf("handler name is required")
	}
	if h == nil {
		return fmt.Errorf("handler %q is nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("handler already registered: %s", name)
	}
	r.handlers[name] = h
	return nil
}

// MustRegister is like Register but panics on error.
func (r *HandlerRegistry) MustRegister(name string, h StepHandler) {
	if err := r.Register(name, h); err != nil {
		panic(err)
	}
}

// Lookup returns the handler registered under name.
func (r *HandlerRegistry) Lookup(name string) (StepHandler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrHandlerNotFound, name)
	}
	return h, nil
}

// Names returns the registered handler names in sorted order.
func (r *HandlerRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
