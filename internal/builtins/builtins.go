// Package builtins registers the general-purpose functions available to
// every graph.
package builtins

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/rpattn/dashdag/internal/registry"
	"github.com/rpattn/dashdag/pkg/dotpath"
)

// Module registers the builtin.* and text.* functions.
type Module struct{}

func (Module) Register(r *registry.Registry) error {
	funcs := []struct {
		name string
		fn   registry.Func
	}{
		{"builtin.len", registry.Unary(length)},
		{"builtin.sum", registry.Unary(sum)},
		{"builtin.pluck", pluck},
		{"builtin.flatten", registry.Unary(flattenLists)},
		{"builtin.default", fallback},
		{"text.word_count", registry.Unary(wordCount)},
	}
	for _, f := range funcs {
		if err := r.Register(f.name, f.fn); err != nil {
			return err
		}
	}
	return nil
}

func length(_ context.Context, value any) (any, error) {
	switch v := value.(type) {
	case nil:
		return 0, nil
	case string:
		return len(v), nil
	}
	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return rv.Len(), nil
	default:
		return nil, fmt.Errorf("len: unsupported type %T", value)
	}
}

func sum(_ context.Context, value any) (any, error) {
	items, ok := value.([]any)
	if !ok && value != nil {
		return nil, fmt.Errorf("sum: expected a list, got %T", value)
	}
	var (
		total   float64
		integer = true
	)
	for i, item := range items {
		switch n := item.(type) {
		case nil:
		case int:
			total += float64(n)
		case int64:
			total += float64(n)
		case float64:
			total += n
			integer = false
		default:
			return nil, fmt.Errorf("sum: element %d is %T, not a number", i, item)
		}
	}
	if integer {
		return int(total), nil
	}
	return total, nil
}

// pluck(values, path) projects path from every element of values.
func pluck(_ context.Context, args []any, kwargs map[string]any) (any, error) {
	values, path := kwargs["values"], kwargs["path"]
	if len(args) > 0 {
		values = args[0]
	}
	if len(args) > 1 {
		path = args[1]
	}
	items, ok := values.([]any)
	if !ok && values != nil {
		return nil, fmt.Errorf("pluck: expected a list, got %T", values)
	}
	p, ok := path.(string)
	if !ok {
		return nil, fmt.Errorf("pluck: path must be a string, got %T", path)
	}
	out := make([]any, len(items))
	for i, item := range items {
		out[i] = dotpath.Lookup(item, p)
	}
	return out, nil
}

func flattenLists(_ context.Context, value any) (any, error) {
	items, ok := value.([]any)
	if !ok && value != nil {
		return nil, fmt.Errorf("flatten: expected a list, got %T", value)
	}
	out := make([]any, 0, len(items))
	for _, item := range items {
		if inner, ok := item.([]any); ok {
			out = append(out, inner...)
			continue
		}
		out = append(out, item)
	}
	return out, nil
}

// fallback(value, default) returns value unless it is nil.
func fallback(_ context.Context, args []any, kwargs map[string]any) (any, error) {
	value, def := kwargs["value"], kwargs["default"]
	if len(args) > 0 {
		value = args[0]
	}
	if len(args) > 1 {
		def = args[1]
	}
	if value == nil {
		return def, nil
	}
	return value, nil
}

func wordCount(_ context.Context, value any) (any, error) {
	switch v := value.(type) {
	case nil:
		return 0, nil
	case string:
		return len(strings.Fields(v)), nil
	default:
		return nil, fmt.Errorf("word_count: expected a string, got %T", value)
	}
}
