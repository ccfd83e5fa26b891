// Package flatten rewrites nested graph literals into a flat node table.
//
// Authors may nest nodes inside the operands of other nodes. Flatten hoists
// every nested node into the top-level table under a synthetic dotted name
// derived from where it was found, and leaves a Variable in its place. A
// nested node that is already a Variable halts the rewrite, which is what
// makes flattening idempotent.
package flatten

import (
	"errors"
	"fmt"

	"github.com/rpattn/dashdag/internal/domain"
	"github.com/rpattn/dashdag/pkg/dotpath"
)

// SyntheticPrefix is the first component of every hoisted node name.
const SyntheticPrefix = "impl"

// ErrNameCollision is returned when a hoisted node would overwrite a node
// that is already in the table.
var ErrNameCollision = errors.New("synthetic node name collides with an existing node")

// Flatten returns a new graph in which no operand is a non-Variable node.
// The input graph is not modified.
func Flatten(g domain.Graph) (domain.Graph, error) {
	table := make(domain.Graph, len(g))
	for name, node := range g {
		table[name] = node
	}
	for _, name := range domain.SortedKeys(g) {
		flat, err := hoist(table, g[name], dotpath.Join(SyntheticPrefix, name))
		if err != nil {
			return nil, fmt.Errorf("flatten %s: %w", name, err)
		}
		table[name] = flat
	}
	return table, nil
}

// Endpoint flattens the endpoint's graph, keeping its exports.
func Endpoint(e domain.Endpoint) (domain.Endpoint, error) {
	flat, err := Flatten(e.Graph)
	if err != nil {
		return domain.Endpoint{}, err
	}
	e.Graph = flat
	return e, nil
}

// IsFlat reports whether every operand in g is free of non-Variable nodes.
func IsFlat(g domain.Graph) bool {
	for _, node := range g {
		for _, op := range node.Operands() {
			flat := true
			domain.Walk(op.Value, func(nested domain.Node) {
				if _, ok := nested.(domain.Variable); !ok {
					flat = false
				}
			})
			if !flat {
				return false
			}
		}
	}
	return true
}

// hoist rewrites n's operands, moving nested nodes into table under
// base.<operand path>. Nodes without nested operands are returned as is.
func hoist(table domain.Graph, n domain.Node, base string) (domain.Node, error) {
	ops := n.Operands()
	if len(ops) == 0 {
		return n, nil
	}

	changed := false
	values := make([]any, len(ops))
	for i, op := range ops {
		rewritten, err := domain.Transform(op.Value, dotpath.Join(base, op.Name), func(path string, nested domain.Node) (any, error) {
			if _, ok := nested.(domain.Variable); ok {
				return nested, nil
			}
			if _, exists := table[path]; exists {
				return nil, fmt.Errorf("%w: %s", ErrNameCollision, path)
			}
			flat, err := hoist(table, nested, path)
			if err != nil {
				return nil, err
			}
			table[path] = flat
			changed = true
			return domain.Var(path), nil
		})
		if err != nil {
			return nil, err
		}
		values[i] = rewritten
	}

	if !changed {
		return n, nil
	}
	return n.WithOperands(values), nil
}
