package transformations

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpattn/dashdag/internal/domain"
	"github.com/rpattn/dashdag/internal/kvstore"
	"github.com/rpattn/dashdag/internal/registry"
)

func endpointOf(graph domain.Graph, exports map[string]string) domain.Endpoint {
	e := domain.Endpoint{Graph: graph, Exports: make(map[string]domain.Export, len(exports))}
	for name, returns := range exports {
		e.Exports[name] = domain.Export{Returns: returns}
	}
	return e
}

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	r := registry.New()
	r.MustRegister("math.double", registry.Kwargs(func(_ context.Context, kwargs map[string]any) (any, error) {
		return kwargs["a"].(int) * 2, nil
	}))
	r.MustRegister("math.inc", registry.Unary(func(_ context.Context, v any) (any, error) {
		return v.(int) + 1, nil
	}))
	r.MustRegister("fail", func(context.Context, []any, map[string]any) (any, error) {
		return nil, fmt.Errorf("wrapped: %w", errors.New("boom"))
	})
	r.MustRegister("explode", func(context.Context, []any, map[string]any) (any, error) {
		panic("kaboom")
	})
	return r
}

func sentinelOf(t *testing.T, value any) *ErrorSentinel {
	t.Helper()
	s, ok := value.(*ErrorSentinel)
	require.Truef(t, ok, "expected *ErrorSentinel, got %T (%v)", value, value)
	return s
}

func TestExecute_ParameterResolution(t *testing.T) {
	exec := NewExecutor(newTestRegistry(t), nil)
	e := endpointOf(domain.Graph{"x": domain.RequiredParam("n")}, map[string]string{"out": "x"})

	results, err := exec.Execute(context.Background(), e, map[string]any{"n": 42})
	require.NoError(t, err)
	assert.Equal(t, Results{"out": 42}, results)

	results, err = exec.Execute(context.Background(), e, nil)
	require.NoError(t, err)
	s := sentinelOf(t, results["out"])
	assert.Equal(t, KindMissingParameter, s.Kind)
	assert.Equal(t, "x", s.Node)
	assert.Error(t, results.Err())
}

func TestExecute_ParameterDefault(t *testing.T) {
	exec := NewExecutor(newTestRegistry(t), nil)
	e := endpointOf(domain.Graph{
		"limit":    domain.Param("limit", 10),
		"optional": domain.Parameter{Name: "optional"},
	}, map[string]string{"limit": "limit", "optional": "optional"})

	results, err := exec.Execute(context.Background(), e, nil)
	require.NoError(t, err)
	assert.Equal(t, Results{"limit": 10, "optional": nil}, results)
}

func TestExecute_CallDispatch(t *testing.T) {
	exec := NewExecutor(newTestRegistry(t), nil)
	e := endpointOf(domain.Graph{
		"y": domain.CallFunc("math.double", nil, map[string]any{"a": domain.RequiredParam("n")}),
	}, map[string]string{"out": "y"})

	results, err := exec.Execute(context.Background(), e, map[string]any{"n": 5})
	require.NoError(t, err)
	assert.Equal(t, Results{"out": 10}, results)
}

func TestExecute_CallFailureCarriesDiagnostics(t *testing.T) {
	exec := NewExecutor(newTestRegistry(t), nil)
	e := endpointOf(domain.Graph{
		"bad":   domain.CallFunc("fail", []any{1}, nil),
		"panic": domain.CallFunc("explode", nil, nil),
		"nope":  domain.CallFunc("does.not.exist", nil, nil),
	}, map[string]string{"bad": "bad", "panic": "panic", "nope": "nope"})

	results, err := exec.Execute(context.Background(), e, nil)
	require.NoError(t, err)

	bad := sentinelOf(t, results["bad"])
	assert.Equal(t, KindCallFailed, bad.Kind)
	assert.Equal(t, "fail", bad.Function)
	assert.Equal(t, map[string]any{"args": []any{1}, "kwargs": map[string]any(nil)}, bad.Inputs)
	assert.Contains(t, bad.Trace, "boom")
	assert.NotEqual(t, time.Time{}, bad.Timestamp)
	assert.Contains(t, bad.Context, "execution_id")
	assert.EqualError(t, errors.Unwrap(errors.Unwrap(bad)), "boom")

	panicked := sentinelOf(t, results["panic"])
	assert.Equal(t, KindCallFailed, panicked.Kind)
	assert.Contains(t, panicked.Message, "kaboom")
	assert.Contains(t, panicked.Trace, "goroutine")

	assert.Equal(t, KindUnknownFunction, sentinelOf(t, results["nope"]).Kind)
}

func TestExecute_JoinSemantics(t *testing.T) {
	exec := NewExecutor(newTestRegistry(t), nil)
	left := []any{
		map[string]any{"id": 1, "v": "A"},
		map[string]any{"id": 2, "v": "B"},
	}
	right := []any{
		map[string]any{"id": 1, "w": "X"},
		map[string]any{"id": 3, "w": "Z"},
	}
	e := endpointOf(domain.Graph{
		"joined": domain.JoinOn(left, right, "id", "id"),
	}, map[string]string{"out": "joined"})

	results, err := exec.Execute(context.Background(), e, nil)
	require.NoError(t, err)
	assert.Equal(t, []any{map[string]any{"id": 1, "v": "A", "w": "X"}}, results["out"])
}

func TestExecute_JoinKeysCompareByType(t *testing.T) {
	exec := NewExecutor(newTestRegistry(t), nil)
	left := []any{
		map[string]any{"id": "1", "v": "A"},
		map[string]any{"id": true, "v": "B"},
		map[string]any{"id": 2, "v": "C"},
	}
	right := []any{
		map[string]any{"id": 1, "w": "X"},
		map[string]any{"id": "true", "w": "Y"},
		map[string]any{"id": 2.0, "w": "Z"},
	}
	e := endpointOf(domain.Graph{
		"joined": domain.JoinOn(left, right, "id", "id"),
	}, map[string]string{"out": "joined"})

	results, err := exec.Execute(context.Background(), e, nil)
	require.NoError(t, err)
	assert.Equal(t, []any{map[string]any{"id": 2.0, "v": "C", "w": "Z"}}, results["out"])
}

func TestExecute_SelectFieldsCollidingOnOutputName(t *testing.T) {
	store := kvstore.NewMemory(map[string]any{"k": map[string]any{"a": 1, "b": 2}})
	exec := NewExecutor(newTestRegistry(t), store)
	e := endpointOf(domain.Graph{
		"s": domain.SelectFields([]any{map[string]any{"key": "k"}}, map[string]string{"a": "x", "b": "x"}),
	}, map[string]string{"out": "s"})

	for i := 0; i < 20; i++ {
		results, err := exec.Execute(context.Background(), e, nil)
		require.NoError(t, err)
		row := results["out"].([]any)[0].(map[string]any)
		assert.Equal(t, 2, row["x"])
	}
}

func TestExecute_JoinRightWinsAndDottedPaths(t *testing.T) {
	exec := NewExecutor(newTestRegistry(t), nil)
	left := []any{
		map[string]any{"user_id": "u1", "name": "left"},
		"not a record",
		map[string]any{"name": "no key"},
	}
	right := []any{
		map[string]any{"context": map[string]any{"student": map[string]any{"user_id": "u1"}}, "name": "right"},
	}
	e := endpointOf(domain.Graph{
		"joined": domain.JoinOn(left, right, "user_id", "context.student.user_id"),
	}, map[string]string{"out": "joined"})

	results, err := exec.Execute(context.Background(), e, nil)
	require.NoError(t, err)
	rows := results["out"].([]any)
	require.Len(t, rows, 1)
	assert.Equal(t, "right", rows[0].(map[string]any)["name"])
	assert.Equal(t, "u1", rows[0].(map[string]any)["user_id"])
}

func TestExecute_MapPreservesOrderAndLength(t *testing.T) {
	exec := NewExecutor(newTestRegistry(t), nil)
	inc := domain.CallFunc("math.inc", nil, nil)
	e := endpointOf(domain.Graph{
		"incremented": domain.MapFunc("math.inc", []any{1, 2, 3}),
		"with":        domain.MapWith(inc, []any{10}),
		"projected":   domain.MapPath([]any{map[string]any{"a": 1}, map[string]any{}, map[string]any{"a": 3}}, "a"),
		"both": domain.Map{
			Function:  "math.inc",
			Values:    []any{map[string]any{"n": 1}, map[string]any{"n": 5}},
			ValuePath: "n",
		},
	}, map[string]string{"inc": "incremented", "with": "with", "projected": "projected", "both": "both"})

	results, err := exec.Execute(context.Background(), e, nil)
	require.NoError(t, err)
	assert.Equal(t, []any{2, 3, 4}, results["inc"])
	assert.Equal(t, []any{11}, results["with"])
	assert.Equal(t, []any{1, nil, 3}, results["projected"])
	assert.Equal(t, []any{2, 6}, results["both"])
}

func TestExecute_MapElementFailureFailsWholeMap(t *testing.T) {
	exec := NewExecutor(newTestRegistry(t), nil)
	e := endpointOf(domain.Graph{
		"m": domain.MapFunc("math.inc", []any{1, "two", 3}),
	}, map[string]string{"out": "m"})

	results, err := exec.Execute(context.Background(), e, nil)
	require.NoError(t, err)
	s := sentinelOf(t, results["out"])
	assert.Equal(t, KindMapFailed, s.Kind)
	assert.Equal(t, 1, s.Inputs.(map[string]any)["index"])
}

func TestExecute_KeysAndSelect(t *testing.T) {
	km := kvstore.DefaultKeyMaker{}
	store := kvstore.NewMemory(map[string]any{
		km.MakeKey("doc", map[string]any{"student": "u1"}): map[string]any{"text": "hello", "meta": map[string]any{"words": 1}},
	})
	exec := NewExecutor(newTestRegistry(t), store)

	students := []any{map[string]any{"user_id": "u1"}, map[string]any{"user_id": "u2"}}
	keys := domain.KeysFor("doc", domain.ScopeOf("student", domain.RequiredParam("students"), "user_id"))
	e := endpointOf(domain.Graph{
		"fields": domain.SelectFields(keys, map[string]string{"text": "text", "meta.words": "words", "missing.path": "gone"}),
		"all":    domain.SelectFields(keys, nil),
	}, map[string]string{"fields": "fields", "all": "all"})

	results, err := exec.Execute(context.Background(), e, map[string]any{"students": students})
	require.NoError(t, err)

	want := []any{
		map[string]any{"text": "hello", "words": 1, "gone": nil, "context": map[string]any{"student": students[0]}},
		map[string]any{"text": nil, "words": nil, "gone": nil, "context": map[string]any{"student": students[1]}},
	}
	if diff := cmp.Diff(want, results["fields"]); diff != "" {
		t.Fatalf("select fields mismatch (-want +got):\n%s", diff)
	}

	all := results["all"].([]any)
	assert.Equal(t, "hello", all[0].(map[string]any)["text"])
	assert.Equal(t, map[string]any{"context": map[string]any{"student": students[1]}}, all[1])
}

type failingStore struct{}

func (failingStore) Get(context.Context, string) (any, error) {
	return nil, errors.New("store down")
}

func TestExecute_SelectStoreFailureYieldsNullFields(t *testing.T) {
	exec := NewExecutor(newTestRegistry(t), failingStore{})
	e := endpointOf(domain.Graph{
		"s": domain.SelectFields([]any{map[string]any{"key": "k", "context": "c"}}, map[string]string{"a": "a"}),
	}, map[string]string{"out": "s"})

	results, err := exec.Execute(context.Background(), e, nil)
	require.NoError(t, err)
	assert.Equal(t, []any{map[string]any{"a": nil, "context": "c"}}, results["out"])
}

func TestExecute_KeysZipsDimensions(t *testing.T) {
	exec := NewExecutor(newTestRegistry(t), nil, WithKeyMaker(kvstore.KeyMakerFunc(func(reducer string, dims map[string]any) string {
		return fmt.Sprintf("%s:%v:%v", reducer, dims["student"], dims["resource"])
	})))
	e := endpointOf(domain.Graph{
		"zipped": domain.KeysFor("r",
			domain.ScopeOf("student", []any{"u1", "u2"}, ""),
			domain.ScopeOf("resource", []any{map[string]any{"id": 7}, map[string]any{"id": 8}}, "id"),
		),
		"mismatch": domain.KeysFor("r",
			domain.ScopeOf("student", []any{"u1", "u2"}, ""),
			domain.ScopeOf("resource", []any{7}, ""),
		),
	}, map[string]string{"zipped": "zipped", "mismatch": "mismatch"})

	results, err := exec.Execute(context.Background(), e, nil)
	require.NoError(t, err)

	zipped := results["zipped"].([]any)
	require.Len(t, zipped, 2)
	assert.Equal(t, "r:u1:7", zipped[0].(map[string]any)["key"])
	assert.Equal(t, "r:u2:8", zipped[1].(map[string]any)["key"])
	assert.Equal(t, map[string]any{"student": "u2", "resource": map[string]any{"id": 8}}, zipped[1].(map[string]any)["context"])

	assert.Equal(t, KindInvalidScope, sentinelOf(t, results["mismatch"]).Kind)
}

func TestExecute_ErrorIsolation(t *testing.T) {
	exec := NewExecutor(newTestRegistry(t), nil)
	e := endpointOf(domain.Graph{
		"failing": domain.CallFunc("fail", nil, nil),
		"a":       domain.MapFunc("math.inc", domain.Var("failing")),
		"b":       domain.RequiredParam("n"),
	}, map[string]string{"A": "a", "B": "b"})

	results, err := exec.Execute(context.Background(), e, map[string]any{"n": 3})
	require.NoError(t, err)
	assert.Equal(t, 3, results["B"])

	s := sentinelOf(t, results["A"])
	assert.Equal(t, KindUpstream, s.Kind)
	assert.Equal(t, "failing", s.Root().Node)
	assert.Equal(t, KindCallFailed, s.Root().Kind)
	assert.Len(t, results.Errors(), 1)
}

func TestExecute_SentinelNestedInOperandPoisonsNode(t *testing.T) {
	exec := NewExecutor(newTestRegistry(t), nil)
	e := endpointOf(domain.Graph{
		"y": domain.CallFunc("math.double", nil, map[string]any{
			"a": map[string]any{"nested": []any{domain.CallFunc("fail", nil, nil)}},
		}),
	}, map[string]string{"out": "y"})

	results, err := exec.Execute(context.Background(), e, nil)
	require.NoError(t, err)
	assert.Equal(t, KindUpstream, sentinelOf(t, results["out"]).Kind)
}

func countingRegistry(t *testing.T, calls *int64) *registry.Registry {
	t.Helper()
	r := newTestRegistry(t)
	r.MustRegister("count", func(context.Context, []any, map[string]any) (any, error) {
		time.Sleep(5 * time.Millisecond)
		return atomic.AddInt64(calls, 1), nil
	})
	r.MustRegister("identity", registry.Unary(func(_ context.Context, v any) (any, error) {
		return v, nil
	}))
	return r
}

func memoGraph() domain.Endpoint {
	return endpointOf(domain.Graph{
		"counter": domain.CallFunc("count", nil, nil),
		"left":    domain.CallFunc("identity", []any{domain.Var("counter")}, nil),
		"right":   domain.CallFunc("identity", []any{domain.Var("counter")}, nil),
		"alias":   domain.Var("counter"),
	}, map[string]string{"left": "left", "right": "right", "alias": "alias"})
}

func TestExecute_Memoization(t *testing.T) {
	var calls int64
	exec := NewExecutor(countingRegistry(t, &calls), nil)

	results, err := exec.Execute(context.Background(), memoGraph(), nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt64(&calls))
	assert.Equal(t, Results{"left": int64(1), "right": int64(1), "alias": int64(1)}, results)

	// A new execution starts from an empty memo.
	_, err = exec.Execute(context.Background(), memoGraph(), nil)
	require.NoError(t, err)
	assert.EqualValues(t, 2, atomic.LoadInt64(&calls))
}

func TestExecute_ConcurrentSiblingsComputeOnce(t *testing.T) {
	var calls int64
	exec := NewExecutor(countingRegistry(t, &calls), nil, WithConcurrentSiblings(true))

	graph := domain.Graph{"counter": domain.CallFunc("count", nil, nil)}
	exports := map[string]string{}
	for i := 0; i < 20; i++ {
		name := fmt.Sprintf("n%d", i)
		graph[name] = domain.CallFunc("identity", []any{domain.Var("counter")}, nil)
		exports[name] = name
	}

	results, err := exec.Execute(context.Background(), endpointOf(graph, exports), nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt64(&calls))
	for name := range exports {
		assert.Equal(t, int64(1), results[name])
	}
}

func TestExecute_ConcurrentSiblingsRunInParallel(t *testing.T) {
	var (
		mu      sync.Mutex
		active  int
		maxSeen int
	)
	r := registry.New()
	r.MustRegister("slow", func(context.Context, []any, map[string]any) (any, error) {
		mu.Lock()
		active++
		if active > maxSeen {
			maxSeen = active
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		return "ok", nil
	})
	r.MustRegister("collect", func(_ context.Context, args []any, _ map[string]any) (any, error) {
		return len(args), nil
	})

	exec := NewExecutor(r, nil, WithConcurrentSiblings(true))
	e := endpointOf(domain.Graph{
		"out": domain.CallFunc("collect", []any{
			domain.CallFunc("slow", nil, nil),
			domain.CallFunc("slow", nil, nil),
			domain.CallFunc("slow", nil, nil),
		}, nil),
	}, map[string]string{"out": "out"})

	results, err := exec.Execute(context.Background(), e, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, results["out"])
	assert.Greater(t, maxSeen, 1)
}

func TestExecute_CycleRejected(t *testing.T) {
	exec := NewExecutor(newTestRegistry(t), nil)
	e := endpointOf(domain.Graph{
		"a": domain.MapFunc("math.inc", domain.Var("b")),
		"b": domain.MapFunc("math.inc", domain.Var("a")),
	}, map[string]string{"out": "a"})

	_, err := exec.Execute(context.Background(), e, nil)
	require.ErrorIs(t, err, ErrCycle)
	assert.Contains(t, err.Error(), "a -> b -> a")
}

func TestExecute_UnknownExportAndNode(t *testing.T) {
	exec := NewExecutor(newTestRegistry(t), nil)
	e := endpointOf(domain.Graph{
		"dangling": domain.MapFunc("math.inc", domain.Var("ghost")),
	}, map[string]string{"out": "dangling", "missing": "nowhere"})

	_, err := exec.Execute(context.Background(), e, nil, WithExports("nope"))
	assert.ErrorIs(t, err, ErrUnknownExport)

	results, err := exec.Execute(context.Background(), e, nil)
	require.NoError(t, err)
	assert.Equal(t, KindUnknownNode, sentinelOf(t, results["missing"]).Kind)
	assert.Equal(t, KindUnknownNode, sentinelOf(t, results["out"]).Root().Kind)
}

func TestExecute_WithExportsComputesOnlyWhatIsNeeded(t *testing.T) {
	var calls int64
	exec := NewExecutor(countingRegistry(t, &calls), nil)
	e := endpointOf(domain.Graph{
		"counter": domain.CallFunc("count", nil, nil),
		"n":       domain.RequiredParam("n"),
	}, map[string]string{"counted": "counter", "n": "n"})

	results, err := exec.Execute(context.Background(), e, map[string]any{"n": 1}, WithExports("n"))
	require.NoError(t, err)
	assert.Equal(t, Results{"n": 1}, results)
	assert.EqualValues(t, 0, atomic.LoadInt64(&calls))
}

func TestExecute_UnimplementedNode(t *testing.T) {
	exec := NewExecutor(newTestRegistry(t), nil)
	e := endpointOf(domain.Graph{
		"odd": domain.Unimplemented{Tag: "pivot", Raw: map[string]any{"dispatch": "pivot"}},
	}, map[string]string{"out": "odd"})

	results, err := exec.Execute(context.Background(), e, nil)
	require.NoError(t, err)
	s := sentinelOf(t, results["out"])
	assert.Equal(t, KindUnimplemented, s.Kind)
	assert.Contains(t, s.Message, "pivot")
}

func TestExecute_PublicModeStripsContext(t *testing.T) {
	exec := NewExecutor(newTestRegistry(t), nil)
	e := endpointOf(domain.Graph{
		"rows": domain.SelectFields(
			domain.KeysFor("r", domain.ScopeOf("student", []any{"u1"}, "")),
			map[string]string{"x": "x"},
		),
		"bad": domain.CallFunc("fail", nil, nil),
	}, map[string]string{"rows": "rows", "bad": "bad"})

	full, err := exec.Execute(context.Background(), e, nil, WithMode(ModeFull))
	require.NoError(t, err)
	assert.Contains(t, full["rows"].([]any)[0], "context")
	assert.NotEmpty(t, sentinelOf(t, full["bad"]).Trace)

	public, err := exec.Execute(context.Background(), e, nil, WithMode(ModePublic))
	require.NoError(t, err)
	assert.Equal(t, []any{map[string]any{"x": nil}}, public["rows"])
	bad := sentinelOf(t, public["bad"])
	assert.Nil(t, bad.Context)
	assert.Empty(t, bad.Trace)
	assert.Equal(t, KindCallFailed, bad.Kind)
}

func TestExecute_CanceledContext(t *testing.T) {
	exec := NewExecutor(newTestRegistry(t), nil)
	e := endpointOf(domain.Graph{"y": domain.CallFunc("math.double", nil, map[string]any{"a": 1})}, map[string]string{"out": "y"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results, err := exec.Execute(ctx, e, nil)
	require.NoError(t, err)
	s := sentinelOf(t, results["out"])
	assert.Equal(t, KindCanceled, s.Kind)
	assert.ErrorIs(t, s, context.Canceled)
}

func TestExecute_WithStoreOverridesExecutorStore(t *testing.T) {
	exec := NewExecutor(newTestRegistry(t), kvstore.NewMemory(map[string]any{"k": "base"}))
	e := endpointOf(domain.Graph{
		"s": domain.SelectFields([]any{map[string]any{"key": "k"}}, nil),
	}, map[string]string{"out": "s"})

	results, err := exec.Execute(context.Background(), e, nil, WithStore(kvstore.NewMemory(map[string]any{"k": "request"})))
	require.NoError(t, err)
	assert.Equal(t, []any{map[string]any{"value": "request", "context": nil}}, results["out"])
}

func TestExecute_DoesNotMutateEndpoint(t *testing.T) {
	exec := NewExecutor(newTestRegistry(t), nil)
	e := endpointOf(domain.Graph{
		"y": domain.CallFunc("math.double", nil, map[string]any{"a": domain.RequiredParam("n")}),
	}, map[string]string{"out": "y"})

	for _, n := range []int{1, 2} {
		results, err := exec.Execute(context.Background(), e, map[string]any{"n": n})
		require.NoError(t, err)
		assert.Equal(t, n*2, results["out"])
	}
	assert.Len(t, e.Graph, 1)
	assert.Equal(t, domain.RequiredParam("n"), e.Graph["y"].(domain.Call).Kwargs["a"])
}

func TestExecute_RosterDocsPipeline(t *testing.T) {
	r := newTestRegistry(t)
	r.MustRegister("roster.students", registry.Kwargs(func(_ context.Context, kwargs map[string]any) (any, error) {
		return []any{
			map[string]any{"user_id": "u1", "name": "Ada"},
			map[string]any{"user_id": "u2", "name": "Lin"},
		}, nil
	}))
	km := kvstore.DefaultKeyMaker{}
	store := kvstore.NewMemory(map[string]any{
		km.MakeKey("writing.doc_state", map[string]any{"student": "u1"}): map[string]any{"text": "a b c"},
		km.MakeKey("writing.doc_state", map[string]any{"student": "u2"}): map[string]any{"text": "d"},
	})
	exec := NewExecutor(r, store)

	roster := domain.CallFunc("roster.students", nil, map[string]any{"course": domain.RequiredParam("course_id")})
	e := endpointOf(domain.Graph{
		"students": roster,
		"docs": domain.SelectFields(
			domain.KeysFor("writing.doc_state", domain.ScopeOf("student", domain.Var("students"), "user_id")),
			map[string]string{"text": "text"},
		),
		"joined": domain.JoinOn(domain.Var("students"), domain.Var("docs"), "user_id", "context.student.user_id"),
	}, map[string]string{"rows": "joined"})

	results, err := exec.Execute(context.Background(), e, map[string]any{"course_id": "c1"}, WithMode(ModePublic))
	require.NoError(t, err)
	assert.Equal(t, []any{
		map[string]any{"user_id": "u1", "name": "Ada", "text": "a b c"},
		map[string]any{"user_id": "u2", "name": "Lin", "text": "d"},
	}, results["rows"])
}

func TestDetectCycle_IgnoresUnreachableLoops(t *testing.T) {
	g := domain.Graph{
		"ok": domain.RequiredParam("n"),
		"a":  domain.Var("b"),
		"b":  domain.Var("a"),
	}
	assert.NoError(t, DetectCycle(g, []string{"ok"}))
	assert.ErrorIs(t, DetectCycle(g, []string{"a"}), ErrCycle)
}

func TestParseMode(t *testing.T) {
	mode, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModePublic, mode)
	mode, err = ParseMode("FULL")
	require.NoError(t, err)
	assert.Equal(t, ModeFull, mode)
	_, err = ParseMode("verbose")
	assert.Error(t, err)
}
