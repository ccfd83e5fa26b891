// Package registry holds the named server-side functions that Call and Map
// nodes invoke.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// ErrDuplicateFunction is returned when a name is registered twice.
var ErrDuplicateFunction = errors.New("function already registered")

// ErrUnknownFunction is returned by Call when no function has the name.
var ErrUnknownFunction = errors.New("unknown function")

// Func is a registered server-side function. Positional and keyword
// arguments arrive fully resolved.
type Func func(ctx context.Context, args []any, kwargs map[string]any) (any, error)

// Module groups functions that are registered together.
type Module interface {
	Register(r *Registry) error
}

// Registry is a name -> Func table. It is written at startup and read
// concurrently by executions.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{funcs: make(map[string]Func)}
}

// Register adds fn under name. Registering the same name twice fails.
func (r *Registry) Register(name string, fn Func) error {
	if name == "" {
		return fmt.Errorf("register: empty function name")
	}
	if fn == nil {
		return fmt.Errorf("register %s: nil function", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.funcs[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateFunction, name)
	}
	slog.Debug("Registering function.", "name", name)
	r.funcs[name] = fn
	return nil
}

// MustRegister is Register for init-time wiring; it panics on error.
func (r *Registry) MustRegister(name string, fn Func) {
	if err := r.Register(name, fn); err != nil {
		panic(err)
	}
}

// RegisterModules registers every module in order, stopping at the first
// failure.
func (r *Registry) RegisterModules(modules ...Module) error {
	for _, m := range modules {
		if err := m.Register(r); err != nil {
			return err
		}
	}
	return nil
}

// Lookup returns the function registered under name.
func (r *Registry) Lookup(name string) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[name]
	return fn, ok
}

// Call looks up name and invokes it.
func (r *Registry) Call(ctx context.Context, name string, args []any, kwargs map[string]any) (any, error) {
	fn, ok := r.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFunction, name)
	}
	return fn(ctx, args, kwargs)
}

// Names returns the registered names in ascending order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Unary adapts a one-argument function. The argument is the first positional
// argument, or the only keyword argument when no positional one is given.
func Unary(fn func(ctx context.Context, value any) (any, error)) Func {
	return func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		switch {
		case len(args) == 1:
			return fn(ctx, args[0])
		case len(args) == 0 && len(kwargs) == 1:
			for _, value := range kwargs {
				return fn(ctx, value)
			}
		}
		return nil, fmt.Errorf("expected exactly one argument, got %d positional and %d keyword", len(args), len(kwargs))
	}
}

// Kwargs adapts a function that only takes keyword arguments.
func Kwargs(fn func(ctx context.Context, kwargs map[string]any) (any, error)) Func {
	return func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		if len(args) > 0 {
			return nil, fmt.Errorf("expected keyword arguments only, got %d positional", len(args))
		}
		if kwargs == nil {
			kwargs = map[string]any{}
		}
		return fn(ctx, kwargs)
	}
}
