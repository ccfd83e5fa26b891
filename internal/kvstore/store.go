// Package kvstore provides the reducer-state stores that Select nodes read
// from, and the key construction used by Keys nodes.
package kvstore

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// Store is a keyed lookup. A missing key yields (nil, nil).
type Store interface {
	Get(ctx context.Context, key string) (any, error)
}

// ManyGetter is implemented by stores that can fetch several keys in one
// round trip. Missing keys are absent from the returned map.
type ManyGetter interface {
	GetMany(ctx context.Context, keys []string) (map[string]any, error)
}

// Writer is implemented by stores that accept writes. The executor never
// writes; reducers and fixtures do.
type Writer interface {
	Set(ctx context.Context, key string, value any) error
}

// KeyMaker builds the store key for a reducer and one binding of its
// dimensions. Bindings the maker treats as distinct must produce distinct
// keys.
type KeyMaker interface {
	MakeKey(reducer string, dimensions map[string]any) string
}

// KeyMakerFunc adapts a function to KeyMaker.
type KeyMakerFunc func(reducer string, dimensions map[string]any) string

func (f KeyMakerFunc) MakeKey(reducer string, dimensions map[string]any) string {
	return f(reducer, dimensions)
}

// DefaultKeyMaker renders keys as `<reducer>?<dim>=<value>&...` with
// dimensions sorted by name and both sides query-escaped.
//
// Values are keyed by their text form: "7", int 7 and float64 7 address the
// same state, which lets CSV uploads and JSON parameters meet on one key.
// A nil value renders empty. Callers that need typed keys supply their own
// KeyMaker.
type DefaultKeyMaker struct{}

func (DefaultKeyMaker) MakeKey(reducer string, dimensions map[string]any) string {
	values := make(url.Values, len(dimensions))
	for dim, value := range dimensions {
		if value == nil {
			values.Set(dim, "")
			continue
		}
		values.Set(dim, fmt.Sprint(value))
	}
	var b strings.Builder
	b.WriteString(url.QueryEscape(reducer))
	if len(values) > 0 {
		b.WriteByte('?')
		b.WriteString(values.Encode())
	}
	return b.String()
}

// GetMany fetches keys from s, batching when s supports it.
func GetMany(ctx context.Context, s Store, keys []string) (map[string]any, error) {
	if many, ok := s.(ManyGetter); ok {
		return many.GetMany(ctx, keys)
	}
	out := make(map[string]any, len(keys))
	for _, key := range keys {
		value, err := s.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("get %s: %w", key, err)
		}
		if value != nil {
			out[key] = value
		}
	}
	return out, nil
}

func uniqueKeys(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	return out
}
