package domain

import (
	"sort"
	"strconv"

	"github.com/rpattn/dashdag/pkg/dotpath"
)

// NodeFunc is called for every node found in an operand tree. path is the
// dotted location of the node relative to the walk's root.
type NodeFunc func(path string, node Node) (any, error)

// Transform returns a copy of value in which every node is replaced by the
// result of fn. Slices and untagged maps are rebuilt structurally; fn is not
// called for the children of a node it replaced.
func Transform(value any, path string, fn NodeFunc) (any, error) {
	switch v := value.(type) {
	case Node:
		return fn(path, v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			transformed, err := Transform(item, dotpath.Join(path, strconv.Itoa(i)), fn)
			if err != nil {
				return nil, err
			}
			out[i] = transformed
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(v))
		for _, key := range SortedKeys(v) {
			transformed, err := Transform(v[key], dotpath.Join(path, key), fn)
			if err != nil {
				return nil, err
			}
			out[key] = transformed
		}
		return out, nil
	default:
		return value, nil
	}
}

// Walk calls fn for every node in value, depth-first and left to right.
// Map entries are visited in key order.
func Walk(value any, fn func(node Node)) {
	switch v := value.(type) {
	case Node:
		fn(v)
	case []any:
		for _, item := range v {
			Walk(item, fn)
		}
	case map[string]any:
		for _, key := range SortedKeys(v) {
			Walk(v[key], fn)
		}
	}
}

// References returns the names of the Variables reachable in n's operand
// trees, in encounter order and without duplicates.
func References(n Node) []string {
	var names []string
	seen := make(map[string]struct{})
	for _, op := range n.Operands() {
		Walk(op.Value, func(node Node) {
			v, ok := node.(Variable)
			if !ok {
				return
			}
			if _, dup := seen[v.Name]; dup {
				return
			}
			seen[v.Name] = struct{}{}
			names = append(names, v.Name)
		})
	}
	return names
}

// SortedKeys returns the keys of m in ascending order.
func SortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
