// Package module binds named endpoints to a namespace so they can be called
// like ordinary functions, from Go or from other graphs.
package module

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rpattn/dashdag/internal/domain"
	"github.com/rpattn/dashdag/internal/flatten"
	"github.com/rpattn/dashdag/internal/registry"
	"github.com/rpattn/dashdag/internal/transformations"
)

var (
	// ErrUnknownGraph is returned when calling a name that was never bound.
	ErrUnknownGraph = errors.New("unknown graph")
	// ErrDuplicateGraph is returned when binding a name twice.
	ErrDuplicateGraph = errors.New("graph already bound")
)

// GraphFunc is the callable form of a bound graph.
type GraphFunc func(ctx context.Context, kwargs map[string]any, opts ...transformations.ExecOption) (transformations.Results, error)

// ExportInfo describes one export of a bound graph.
type ExportInfo struct {
	Name       string   `json:"name"`
	Returns    string   `json:"returns"`
	Parameters []string `json:"parameters"`
}

// GraphInfo describes a bound graph.
type GraphInfo struct {
	Name        string       `json:"name"`
	Function    string       `json:"function"`
	Description string       `json:"description,omitempty"`
	Exports     []ExportInfo `json:"exports"`
}

// Namespace is a named set of endpoints sharing one executor.
type Namespace struct {
	name string
	exec *transformations.Executor

	mu     sync.RWMutex
	graphs map[string]domain.Endpoint
}

// New creates an empty namespace.
func New(name string, exec *transformations.Executor) *Namespace {
	return &Namespace{name: name, exec: exec, graphs: make(map[string]domain.Endpoint)}
}

// Name returns the namespace name.
func (ns *Namespace) Name() string {
	return ns.name
}

// Bind adds every endpoint under its map key. Each endpoint must flatten
// cleanly. Nothing is bound if any name is taken or any endpoint is invalid.
func (ns *Namespace) Bind(endpoints map[string]domain.Endpoint) error {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	for _, name := range domain.SortedKeys(endpoints) {
		if _, exists := ns.graphs[name]; exists {
			return fmt.Errorf("%w: %s.%s", ErrDuplicateGraph, ns.name, name)
		}
		if _, err := flatten.Endpoint(endpoints[name]); err != nil {
			return fmt.Errorf("bind %s.%s: %w", ns.name, name, err)
		}
	}
	for name, endpoint := range endpoints {
		ns.graphs[name] = endpoint.Clone()
	}
	return nil
}

// Get returns a copy of the named endpoint.
func (ns *Namespace) Get(name string) (domain.Endpoint, bool) {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	endpoint, ok := ns.graphs[name]
	if !ok {
		return domain.Endpoint{}, false
	}
	return endpoint.Clone(), true
}

// Names returns the bound graph names in ascending order.
func (ns *Namespace) Names() []string {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	return domain.SortedKeys(ns.graphs)
}

// Call executes the named graph with kwargs as its parameters.
func (ns *Namespace) Call(ctx context.Context, name string, kwargs map[string]any, opts ...transformations.ExecOption) (transformations.Results, error) {
	ns.mu.RLock()
	endpoint, ok := ns.graphs[name]
	ns.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownGraph, ns.name, name)
	}
	return ns.exec.Execute(ctx, endpoint, kwargs, opts...)
}

// Func returns the named graph as a callable. The graph is looked up on
// every call, so Func may be taken before Bind.
func (ns *Namespace) Func(name string) GraphFunc {
	return func(ctx context.Context, kwargs map[string]any, opts ...transformations.ExecOption) (transformations.Results, error) {
		return ns.Call(ctx, name, kwargs, opts...)
	}
}

// Describe lists every bound graph with its exports.
func (ns *Namespace) Describe() []GraphInfo {
	ns.mu.RLock()
	defer ns.mu.RUnlock()

	infos := make([]GraphInfo, 0, len(ns.graphs))
	for _, name := range domain.SortedKeys(ns.graphs) {
		endpoint := ns.graphs[name]
		info := GraphInfo{
			Name:        name,
			Function:    ns.FunctionName(name),
			Description: endpoint.Description,
			Exports:     make([]ExportInfo, 0, len(endpoint.Exports)),
		}
		for _, export := range endpoint.ExportNames() {
			spec := endpoint.Exports[export]
			params := spec.Parameters
			if params == nil {
				params = []string{}
			}
			info.Exports = append(info.Exports, ExportInfo{Name: export, Returns: spec.Returns, Parameters: params})
		}
		infos = append(infos, info)
	}
	return infos
}

// FunctionName is the registry name of a bound graph.
func (ns *Namespace) FunctionName(graph string) string {
	return ns.name + "." + graph
}

// RegisterFunctions registers every bound graph in r as
// `<namespace>.<graph>`, taking keyword arguments and returning the export
// map. A failed export fails the call.
func (ns *Namespace) RegisterFunctions(r *registry.Registry) error {
	for _, name := range ns.Names() {
		fn := ns.Func(name)
		err := r.Register(ns.FunctionName(name), registry.Kwargs(func(ctx context.Context, kwargs map[string]any) (any, error) {
			results, err := fn(ctx, kwargs, transformations.WithMode(transformations.ModeFull))
			if err != nil {
				return nil, err
			}
			if err := results.Err(); err != nil {
				return nil, err
			}
			return map[string]any(results), nil
		}))
		if err != nil {
			return err
		}
	}
	return nil
}
