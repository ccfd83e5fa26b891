package domain

import (
	"encoding/json"
	"fmt"

	"github.com/mohae/deepcopy"
)

// Graph maps node names to nodes. Authored graphs may nest nodes inside
// operands; flattened graphs only reference other nodes through Variables.
type Graph map[string]Node

// Export is a named entry point into an endpoint's graph.
type Export struct {
	Returns    string   `json:"returns" yaml:"returns"`
	Parameters []string `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// Endpoint is the unit of publication: a graph plus its exports.
type Endpoint struct {
	Description string            `json:"description,omitempty"`
	Graph       Graph             `json:"execution_dag"`
	Exports     map[string]Export `json:"exports"`
}

// Clone returns a deep copy of the endpoint. Every execution works on its own
// clone so concurrent invocations never share operand state.
func (e Endpoint) Clone() Endpoint {
	return deepcopy.Copy(e).(Endpoint)
}

// ExportNames returns the endpoint's export names in ascending order.
func (e Endpoint) ExportNames() []string {
	return SortedKeys(e.Exports)
}

// MarshalJSON encodes the graph in the literal format accepted by
// DecodeEndpoint.
func (g Graph) MarshalJSON() ([]byte, error) {
	encoded := make(map[string]any, len(g))
	for name, node := range g {
		encoded[name] = EncodeNode(node)
	}
	return json.Marshal(encoded)
}

// UnmarshalJSON decodes an endpoint literal.
func (e *Endpoint) UnmarshalJSON(data []byte) error {
	var tree map[string]any
	if err := json.Unmarshal(data, &tree); err != nil {
		return err
	}
	decoded, err := DecodeEndpoint(tree)
	if err != nil {
		return err
	}
	*e = decoded
	return nil
}

// DecodeEndpoint converts a generic JSON/YAML tree into an Endpoint.
func DecodeEndpoint(tree map[string]any) (Endpoint, error) {
	rawGraph, ok := tree["execution_dag"].(map[string]any)
	if !ok {
		return Endpoint{}, fmt.Errorf("endpoint requires an execution_dag mapping")
	}
	graph := make(Graph, len(rawGraph))
	for _, name := range SortedKeys(rawGraph) {
		raw, ok := rawGraph[name].(map[string]any)
		if !ok {
			return Endpoint{}, fmt.Errorf("node %q: expected a mapping, got %T", name, rawGraph[name])
		}
		node, err := DecodeNode(raw)
		if err != nil {
			return Endpoint{}, fmt.Errorf("node %q: %w", name, err)
		}
		graph[name] = node
	}

	exports := make(map[string]Export)
	if rawExports, ok := tree["exports"].(map[string]any); ok {
		for name, rawExport := range rawExports {
			fields, ok := rawExport.(map[string]any)
			if !ok {
				return Endpoint{}, fmt.Errorf("export %q: expected a mapping", name)
			}
			returns, _ := fields["returns"].(string)
			if returns == "" {
				return Endpoint{}, fmt.Errorf("export %q: returns is required", name)
			}
			params, err := stringList(fields["parameters"])
			if err != nil {
				return Endpoint{}, fmt.Errorf("export %q: parameters: %w", name, err)
			}
			exports[name] = Export{Returns: returns, Parameters: params}
		}
	}

	description, _ := tree["description"].(string)
	return Endpoint{Description: description, Graph: graph, Exports: exports}, nil
}

func stringList(value any) ([]string, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case []string:
		return v, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("expected strings, got %T", item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected a list, got %T", value)
	}
}
