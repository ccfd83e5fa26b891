// Package transformations executes flattened execution graphs.
package transformations

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rpattn/dashdag/internal/ctxlog"
	"github.com/rpattn/dashdag/internal/domain"
	"github.com/rpattn/dashdag/internal/flatten"
	"github.com/rpattn/dashdag/internal/kvstore"
	"github.com/rpattn/dashdag/internal/registry"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrCycle is returned when the nodes reachable from the requested
	// exports reference each other in a loop.
	ErrCycle = errors.New("dependency cycle")
	// ErrUnknownExport is returned when a requested export does not exist.
	ErrUnknownExport = errors.New("unknown export")
)

// Mode selects how export values are rendered.
type Mode string

const (
	// ModeFull returns computed values verbatim.
	ModeFull Mode = "full"
	// ModePublic strips the context field from list records and provenance
	// from error sentinels.
	ModePublic Mode = "public"
)

// ParseMode maps a mode name to a Mode; empty means ModePublic.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(s)) {
	case "", ModePublic:
		return ModePublic, nil
	case ModeFull:
		return ModeFull, nil
	default:
		return "", fmt.Errorf("unknown mode %q", s)
	}
}

// Functions resolves function names used by Call and Map nodes.
type Functions interface {
	Lookup(name string) (registry.Func, bool)
}

// Results maps export names to their values. A failed export holds an
// *ErrorSentinel.
type Results map[string]any

// Errors returns the exports whose value is an error sentinel.
func (r Results) Errors() map[string]*ErrorSentinel {
	out := make(map[string]*ErrorSentinel)
	for name, value := range r {
		if s, ok := value.(*ErrorSentinel); ok {
			out[name] = s
		}
	}
	return out
}

// Err joins the sentinels of every failed export, or returns nil.
func (r Results) Err() error {
	failed := r.Errors()
	if len(failed) == 0 {
		return nil
	}
	errs := make([]error, 0, len(failed))
	for _, name := range domain.SortedKeys(failed) {
		errs = append(errs, fmt.Errorf("export %s: %w", name, failed[name]))
	}
	return errors.Join(errs...)
}

// Executor runs endpoints. It is safe for concurrent use; every execution
// works on its own copy of the endpoint.
type Executor struct {
	functions  Functions
	store      kvstore.Store
	keys       kvstore.KeyMaker
	concurrent bool
	logger     *slog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithKeyMaker overrides the key construction used by Keys nodes.
func WithKeyMaker(km kvstore.KeyMaker) Option {
	return func(e *Executor) { e.keys = km }
}

// WithConcurrentSiblings resolves the dependencies of a node, and the
// requested exports, concurrently. Each node is still computed at most once.
func WithConcurrentSiblings(enabled bool) Option {
	return func(e *Executor) { e.concurrent = enabled }
}

// WithLogger sets the logger used when the context carries none.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) { e.logger = logger }
}

// NewExecutor constructs an executor. A nil store behaves as an empty one.
func NewExecutor(functions Functions, store kvstore.Store, opts ...Option) *Executor {
	if store == nil {
		store = kvstore.NewMemory(nil)
	}
	e := &Executor{functions: functions, store: store, keys: kvstore.DefaultKeyMaker{}}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type execConfig struct {
	exports []string
	mode    Mode
	store   kvstore.Store
}

// ExecOption configures a single execution.
type ExecOption func(*execConfig)

// WithExports restricts execution to the named exports.
func WithExports(names ...string) ExecOption {
	return func(c *execConfig) { c.exports = names }
}

// WithMode selects the output mode. The default is ModeFull.
func WithMode(mode Mode) ExecOption {
	return func(c *execConfig) { c.mode = mode }
}

// WithStore reads from store for this execution only, typically a
// request-scoped batching loader.
func WithStore(store kvstore.Store) ExecOption {
	return func(c *execConfig) { c.store = store }
}

// Execute deep-copies the endpoint, flattens it, and computes the requested
// exports. Node failures are reported as *ErrorSentinel values in Results;
// the returned error is reserved for malformed graphs and unknown exports.
func (e *Executor) Execute(ctx context.Context, endpoint domain.Endpoint, params map[string]any, opts ...ExecOption) (Results, error) {
	cfg := execConfig{mode: ModeFull, store: e.store}
	for _, opt := range opts {
		opt(&cfg)
	}

	exports := cfg.exports
	if len(exports) == 0 {
		exports = endpoint.ExportNames()
	}
	for _, name := range exports {
		if _, ok := endpoint.Exports[name]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownExport, name)
		}
	}

	flat, err := flatten.Endpoint(endpoint.Clone())
	if err != nil {
		return nil, err
	}

	roots := make([]string, len(exports))
	for i, name := range exports {
		roots[i] = flat.Exports[name].Returns
	}
	if err := DetectCycle(flat.Graph, roots); err != nil {
		return nil, err
	}

	r := e.newRun(ctx, flat.Graph, params, cfg.store)
	start := time.Now()
	r.logger.Debug("Execution started.", "exports", exports, "nodes", len(flat.Graph))

	values := make([]any, len(roots))
	r.each(len(roots), func(i int) {
		values[i] = r.visit(ctx, roots[i])
	})

	results := make(Results, len(exports))
	for i, name := range exports {
		results[name] = present(values[i], cfg.mode)
	}
	r.logger.Debug("Execution finished.", "duration", time.Since(start), "failed", len(results.Errors()))
	return results, nil
}

// run is the state of one execution: the flattened graph and the memo of
// computed node values.
type run struct {
	id        uuid.UUID
	graph     domain.Graph
	params    map[string]any
	functions Functions
	store     kvstore.Store
	keys      kvstore.KeyMaker
	logger    *slog.Logger

	concurrent bool
	flight     singleflight.Group
	mu         sync.Mutex
	memo       map[string]any
}

func (e *Executor) newRun(ctx context.Context, graph domain.Graph, params map[string]any, store kvstore.Store) *run {
	id := uuid.New()
	logger := e.logger
	if logger == nil {
		logger = ctxlog.FromContext(ctx)
	}
	if params == nil {
		params = map[string]any{}
	}
	return &run{
		id:         id,
		graph:      graph,
		params:     params,
		functions:  e.functions,
		store:      store,
		keys:       e.keys,
		logger:     logger.With("execution_id", id.String()),
		concurrent: e.concurrent,
		memo:       make(map[string]any, len(graph)),
	}
}

// each calls fn for 0..n-1, sequentially or concurrently.
func (r *run) each(n int, fn func(i int)) {
	if !r.concurrent || n < 2 {
		for i := 0; i < n; i++ {
			fn(i)
		}
		return
	}
	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			fn(i)
			return nil
		})
	}
	_ = g.Wait()
}

func (r *run) cached(name string) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	value, ok := r.memo[name]
	return value, ok
}

func (r *run) remember(name string, value any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.memo[name] = value
}

// visit returns the value of the named node, computing it at most once.
func (r *run) visit(ctx context.Context, name string) any {
	if value, ok := r.cached(name); ok {
		return value
	}
	value, _, _ := r.flight.Do(name, func() (any, error) {
		if value, ok := r.cached(name); ok {
			return value, nil
		}
		value := r.compute(ctx, name)
		r.remember(name, value)
		return value, nil
	})
	return value
}

func (r *run) compute(ctx context.Context, name string) any {
	node, ok := r.graph[name]
	if !ok {
		return newSentinel(KindUnknownNode, name, "no node named %q", name)
	}
	if v, ok := node.(domain.Variable); ok {
		return r.visit(ctx, v.Name)
	}

	deps := domain.References(node)
	resolved := make([]any, len(deps))
	r.each(len(deps), func(i int) {
		resolved[i] = r.visit(ctx, deps[i])
	})
	lookup := make(map[string]any, len(deps))
	for i, dep := range deps {
		lookup[dep] = resolved[i]
	}

	ops := node.Operands()
	values := make([]any, len(ops))
	for i, op := range ops {
		values[i], _ = domain.Transform(op.Value, op.Name, func(_ string, nested domain.Node) (any, error) {
			if v, ok := nested.(domain.Variable); ok {
				return lookup[v.Name], nil
			}
			return nested, nil
		})
	}

	if upstream := findSentinel(values); upstream != nil {
		s := newSentinel(KindUpstream, name, "depends on failed node %s", upstream.Node)
		s.Cause = upstream
		r.logger.Debug("Node skipped after upstream failure.", "node", name, "upstream", upstream.Node)
		return s
	}
	if err := ctx.Err(); err != nil {
		return r.canceled(name, err)
	}

	start := time.Now()
	value := r.dispatch(ctx, name, node.WithOperands(values))
	if s, ok := value.(*ErrorSentinel); ok {
		r.logger.Warn("Node failed.", "node", name, "kind", s.Kind, "error", s.Message)
	} else {
		r.logger.Debug("Node computed.", "node", name, "dispatch", node.Dispatch(), "duration", time.Since(start))
	}
	return value
}

func (r *run) dispatch(ctx context.Context, name string, node domain.Node) any {
	switch n := node.(type) {
	case domain.Parameter:
		return r.executeParameter(name, n)
	case domain.Call:
		return r.executeCall(ctx, name, n)
	case domain.Join:
		return r.executeJoin(n)
	case domain.Map:
		return r.executeMap(ctx, name, n)
	case domain.Select:
		return r.executeSelect(ctx, name, n)
	case domain.Keys:
		return r.executeKeys(name, n)
	case domain.Unimplemented:
		s := newSentinel(KindUnimplemented, name, "no operator for dispatch %q", n.Tag)
		s.Inputs = n.Raw
		return s
	default:
		return newSentinel(KindInvalidNode, name, "unsupported node type %T", node)
	}
}

// Dependencies lists the node names n reads, in resolution order.
func Dependencies(n domain.Node) []string {
	if v, ok := n.(domain.Variable); ok {
		return []string{v.Name}
	}
	return domain.References(n)
}

// DetectCycle walks a flattened graph from roots and fails with ErrCycle on
// the first back edge. Names missing from the graph are ignored.
func DetectCycle(g domain.Graph, roots []string) error {
	const (
		unvisited = iota
		active
		done
	)
	state := make(map[string]int, len(g))
	var stack []string

	var walk func(name string) error
	walk = func(name string) error {
		switch state[name] {
		case active:
			start := slices.Index(stack, name)
			loop := append(slices.Clone(stack[start:]), name)
			return fmt.Errorf("%w: %s", ErrCycle, strings.Join(loop, " -> "))
		case done:
			return nil
		}
		node, ok := g[name]
		if !ok {
			return nil
		}
		state[name] = active
		stack = append(stack, name)
		for _, dep := range Dependencies(node) {
			if err := walk(dep); err != nil {
				return err
			}
		}
		stack = stack[:len(stack)-1]
		state[name] = done
		return nil
	}

	for _, root := range roots {
		if err := walk(root); err != nil {
			return err
		}
	}
	return nil
}

// present renders an export value for mode. Values shared through the memo
// are copied, never modified.
func present(value any, mode Mode) any {
	if mode != ModePublic {
		return value
	}
	switch v := value.(type) {
	case *ErrorSentinel:
		return v.public()
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = withoutContext(item)
		}
		return out
	case []map[string]any:
		out := make([]map[string]any, len(v))
		for i, item := range v {
			out[i] = withoutContext(item).(map[string]any)
		}
		return out
	default:
		return value
	}
}

func withoutContext(item any) any {
	record, ok := item.(map[string]any)
	if !ok {
		return item
	}
	if _, has := record[contextField]; !has {
		return item
	}
	out := make(map[string]any, len(record)-1)
	for k, v := range record {
		if k != contextField {
			out[k] = v
		}
	}
	return out
}
