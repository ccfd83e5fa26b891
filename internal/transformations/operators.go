package transformations

import (
	"context"
	"fmt"
	"reflect"
	"runtime/debug"
	"strconv"

	"github.com/rpattn/dashdag/internal/domain"
	"github.com/rpattn/dashdag/internal/kvstore"
	"github.com/rpattn/dashdag/internal/registry"
	"github.com/rpattn/dashdag/pkg/dotpath"
)

// contextField is the record field that carries provenance (which key and
// scope produced a row).
const contextField = "context"

func (r *run) executeParameter(name string, node domain.Parameter) any {
	if value, ok := r.params[node.Name]; ok {
		return value
	}
	if node.Default != nil {
		return node.Default
	}
	if node.Required {
		s := newSentinel(KindMissingParameter, name, "missing required parameter %q", node.Name)
		s.Inputs = map[string]any{"parameter": node.Name}
		return s
	}
	return nil
}

func (r *run) executeCall(ctx context.Context, name string, node domain.Call) any {
	fn, ok := r.functions.Lookup(node.Function)
	if !ok {
		s := newSentinel(KindUnknownFunction, name, "function %q is not registered", node.Function)
		s.Function = node.Function
		return s
	}

	out, trace, err := invoke(ctx, fn, node.Args, node.Kwargs)
	if err != nil {
		s := newSentinel(KindCallFailed, name, "%v", err)
		s.Function = node.Function
		s.Inputs = map[string]any{"args": node.Args, "kwargs": node.Kwargs}
		s.Context = r.provenance(name)
		s.Trace = trace
		s.Cause = err
		return s
	}
	return out
}

func (r *run) executeJoin(node domain.Join) any {
	left, _ := asList(node.Left)
	right, _ := asList(node.Right)

	index := make(map[string]map[string]any, len(right))
	for _, item := range right {
		record, ok := asRecord(item)
		if !ok {
			continue
		}
		key, ok := dotpath.Get(record, node.RightOn)
		if !ok || key == nil {
			continue
		}
		index[joinKey(key)] = record
	}

	joined := make([]any, 0, len(left))
	for _, item := range left {
		record, ok := asRecord(item)
		if !ok {
			continue
		}
		key, ok := dotpath.Get(record, node.LeftOn)
		if !ok || key == nil {
			continue
		}
		match, hit := index[joinKey(key)]
		if !hit {
			continue
		}
		merged := make(map[string]any, len(record)+len(match))
		for k, v := range record {
			merged[k] = v
		}
		for k, v := range match {
			merged[k] = v
		}
		joined = append(joined, merged)
	}
	return joined
}

func (r *run) executeMap(ctx context.Context, name string, node domain.Map) any {
	values, ok := asList(node.Values)
	if !ok {
		return newSentinel(KindInvalidNode, name, "map values must be a list, got %T", node.Values)
	}

	var fn registry.Func
	if node.Function != "" {
		fn, ok = r.functions.Lookup(node.Function)
		if !ok {
			s := newSentinel(KindUnknownFunction, name, "function %q is not registered", node.Function)
			s.Function = node.Function
			return s
		}
	}

	out := make([]any, len(values))
	for i, element := range values {
		value := element
		if node.ValuePath != "" {
			value = dotpath.Lookup(element, node.ValuePath)
		}
		if fn == nil {
			out[i] = value
			continue
		}
		if err := ctx.Err(); err != nil {
			return r.canceled(name, err)
		}
		result, trace, err := invoke(ctx, fn, []any{value}, nil)
		if err != nil {
			s := newSentinel(KindMapFailed, name, "element %d: %v", i, err)
			s.Function = node.Function
			s.Inputs = map[string]any{"index": i, "value": value}
			s.Context = r.provenance(name)
			s.Trace = trace
			s.Cause = err
			return s
		}
		out[i] = result
	}
	return out
}

func (r *run) executeSelect(ctx context.Context, name string, node domain.Select) any {
	entries, ok := asList(node.Keys)
	if !ok {
		return newSentinel(KindInvalidNode, name, "select keys must be a list, got %T", node.Keys)
	}

	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		if key, ok := entryKey(entry); ok {
			keys = append(keys, key)
		}
	}

	values, err := kvstore.GetMany(ctx, r.store, keys)
	if err != nil {
		r.logger.Warn("Store lookup failed; selecting null fields.", "node", name, "keys", len(keys), "error", err)
		values = nil
	}

	rows := make([]any, len(entries))
	for i, entry := range entries {
		var stored any
		if key, ok := entryKey(entry); ok {
			stored = values[key]
		}
		row := make(map[string]any, len(node.Fields)+1)
		if len(node.Fields) == 0 {
			if record, ok := asRecord(stored); ok {
				for k, v := range record {
					row[k] = v
				}
			} else if stored != nil {
				row["value"] = stored
			}
		}
		for _, path := range domain.SortedKeys(node.Fields) {
			row[node.Fields[path]] = dotpath.Lookup(stored, path)
		}
		row[contextField] = dotpath.Lookup(entry, contextField)
		rows[i] = row
	}
	return rows
}

func (r *run) executeKeys(name string, node domain.Keys) any {
	if len(node.Scopes) == 0 {
		return newSentinel(KindInvalidScope, name, "keys %q has no scopes", node.Reducer)
	}

	dims := make([][]any, len(node.Scopes))
	length := -1
	for i, scope := range node.Scopes {
		items, ok := asList(scope.Values)
		if !ok {
			return newSentinel(KindInvalidScope, name, "scope %q values must be a list, got %T", scope.Dimension, scope.Values)
		}
		if length >= 0 && len(items) != length {
			s := newSentinel(KindInvalidScope, name, "scope %q has %d items, expected %d", scope.Dimension, len(items), length)
			s.Inputs = scopeLengths(node.Scopes, dims[:i], items)
			return s
		}
		length = len(items)
		dims[i] = items
	}

	out := make([]any, length)
	for row := 0; row < length; row++ {
		binding := make(map[string]any, len(node.Scopes))
		echo := make(map[string]any, len(node.Scopes))
		for i, scope := range node.Scopes {
			item := dims[i][row]
			value := item
			if scope.Path != "" {
				value = dotpath.Lookup(item, scope.Path)
			}
			binding[scope.Dimension] = value
			echo[scope.Dimension] = item
		}
		out[row] = map[string]any{
			"key":        r.keys.MakeKey(node.Reducer, binding),
			contextField: echo,
		}
	}
	return out
}

func (r *run) provenance(name string) map[string]any {
	return map[string]any{"execution_id": r.id.String(), "node": name}
}

func (r *run) canceled(name string, err error) *ErrorSentinel {
	s := newSentinel(KindCanceled, name, "execution canceled before dispatch")
	s.Cause = err
	return s
}

// invoke calls fn, converting a panic into an error with the goroutine stack
// as its trace.
func invoke(ctx context.Context, fn registry.Func, args []any, kwargs map[string]any) (out any, trace string, err error) {
	defer func() {
		if p := recover(); p != nil {
			out = nil
			err = fmt.Errorf("panic: %v", p)
			trace = string(debug.Stack())
		}
	}()
	out, err = fn(ctx, args, kwargs)
	if err != nil {
		trace = errorTrace(err)
	}
	return out, trace, err
}

func entryKey(entry any) (string, bool) {
	key, ok := dotpath.Lookup(entry, "key").(string)
	return key, ok
}

// joinKey tags value with its type so that "1" never matches 1 and true
// never matches "true". Numbers of any width compare by value.
func joinKey(value any) string {
	switch v := value.(type) {
	case string:
		return "s:" + v
	case bool:
		return "b:" + strconv.FormatBool(v)
	}
	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return "n:" + strconv.FormatFloat(float64(rv.Int()), 'g', -1, 64)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return "n:" + strconv.FormatFloat(float64(rv.Uint()), 'g', -1, 64)
	case reflect.Float32, reflect.Float64:
		return "n:" + strconv.FormatFloat(rv.Float(), 'g', -1, 64)
	}
	return fmt.Sprintf("%T:%v", value, value)
}

func scopeLengths(scopes []domain.Scope, seen [][]any, current []any) map[string]any {
	lengths := make(map[string]any, len(seen)+1)
	for i, items := range seen {
		lengths[scopes[i].Dimension] = len(items)
	}
	lengths[scopes[len(seen)].Dimension] = len(current)
	return lengths
}

// asList accepts []any and any other slice or array type. nil is an empty
// list.
func asList(value any) ([]any, bool) {
	switch v := value.(type) {
	case nil:
		return nil, true
	case []any:
		return v, true
	case []map[string]any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = item
		}
		return out, true
	}
	rv := reflect.ValueOf(value)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

func asRecord(value any) (map[string]any, bool) {
	record, ok := value.(map[string]any)
	return record, ok
}
