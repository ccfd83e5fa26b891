package validator

import (
	"fmt"

	"github.com/rpattn/dashdag/internal/domain"
	"github.com/rpattn/dashdag/internal/flatten"
	"github.com/rpattn/dashdag/internal/transformations"
)

// GraphValidator checks endpoints for authoring mistakes the executor would
// only report at run time.
type GraphValidator struct {
	functions transformations.Functions
}

// NewGraphValidator creates a validator. When functions is non-nil, Call and
// Map nodes naming unregistered functions are reported.
func NewGraphValidator(functions transformations.Functions) *GraphValidator {
	return &GraphValidator{functions: functions}
}

// ValidationError is one finding, located by node or export name.
type ValidationError struct {
	Location string `json:"location"`
	Message  string `json:"message"`
	Value    any    `json:"value,omitempty"`
}

func (e ValidationError) String() string {
	return fmt.Sprintf("%s: %s", e.Location, e.Message)
}

// ValidationResult represents the result of validation
type ValidationResult struct {
	IsValid  bool              `json:"is_valid"`
	Errors   []ValidationError `json:"errors"`
	Warnings []ValidationError `json:"warnings"`
}

func (r *ValidationResult) fail(location, format string, args ...any) {
	r.IsValid = false
	r.Errors = append(r.Errors, ValidationError{Location: location, Message: fmt.Sprintf(format, args...)})
}

func (r *ValidationResult) warn(location, format string, args ...any) {
	r.Warnings = append(r.Warnings, ValidationError{Location: location, Message: fmt.Sprintf(format, args...)})
}

// ValidateEndpoint flattens e and reports dangling references, exports
// returning missing nodes, dependency cycles, malformed nodes, unknown
// functions and parameter declarations that disagree with use.
func (v *GraphValidator) ValidateEndpoint(e domain.Endpoint) ValidationResult {
	result := ValidationResult{
		IsValid:  true,
		Errors:   []ValidationError{},
		Warnings: []ValidationError{},
	}

	flat, err := flatten.Endpoint(e)
	if err != nil {
		result.fail("execution_dag", "%v", err)
		return result
	}
	if len(flat.Exports) == 0 {
		result.warn("exports", "endpoint has no exports")
	}

	for _, name := range domain.SortedKeys(flat.Graph) {
		node := flat.Graph[name]
		for _, ref := range transformations.Dependencies(node) {
			if _, ok := flat.Graph[ref]; !ok {
				result.fail(name, "references unknown node %q", ref)
			}
		}
		v.validateNode(&result, name, node)
	}

	for _, export := range flat.ExportNames() {
		spec := flat.Exports[export]
		location := "exports." + export
		if _, ok := flat.Graph[spec.Returns]; !ok {
			result.fail(location, "returns unknown node %q", spec.Returns)
			continue
		}
		if err := transformations.DetectCycle(flat.Graph, []string{spec.Returns}); err != nil {
			result.fail(location, "%v", err)
			continue
		}
		v.validateParameters(&result, location, flat.Graph, spec)
	}

	return result
}

func (v *GraphValidator) validateNode(result *ValidationResult, name string, node domain.Node) {
	switch n := node.(type) {
	case domain.Call:
		v.validateFunction(result, name, n.Function)
	case domain.Map:
		if n.Function == "" && n.ValuePath == "" {
			result.fail(name, "map needs a function or a value path")
		}
		if n.Function != "" {
			v.validateFunction(result, name, n.Function)
		}
	case domain.Join:
		if n.LeftOn == "" || n.RightOn == "" {
			result.fail(name, "join needs both left_on and right_on")
		}
	case domain.Keys:
		if len(n.Scopes) == 0 {
			result.fail(name, "keys %q has no scopes", n.Reducer)
		}
		seen := make(map[string]struct{}, len(n.Scopes))
		for _, scope := range n.Scopes {
			if _, dup := seen[scope.Dimension]; dup {
				result.fail(name, "dimension %q appears more than once", scope.Dimension)
			}
			seen[scope.Dimension] = struct{}{}
		}
	case domain.Unimplemented:
		result.warn(name, "no operator for dispatch %q; the node will evaluate to an error", n.Tag)
	}
}

func (v *GraphValidator) validateFunction(result *ValidationResult, name, function string) {
	if function == "" {
		result.fail(name, "function name is empty")
		return
	}
	if v.functions == nil {
		return
	}
	if _, ok := v.functions.Lookup(function); !ok {
		result.fail(name, "function %q is not registered", function)
	}
}

// validateParameters compares the parameters an export reaches with the
// ones it declares. Exports that declare nothing are not checked.
func (v *GraphValidator) validateParameters(result *ValidationResult, location string, g domain.Graph, spec domain.Export) {
	if len(spec.Parameters) == 0 {
		return
	}
	declared := make(map[string]struct{}, len(spec.Parameters))
	for _, p := range spec.Parameters {
		declared[p] = struct{}{}
	}

	used := make(map[string]domain.Parameter)
	seen := make(map[string]struct{})
	var walk func(name string)
	walk = func(name string) {
		if _, done := seen[name]; done {
			return
		}
		seen[name] = struct{}{}
		node, ok := g[name]
		if !ok {
			return
		}
		if p, ok := node.(domain.Parameter); ok {
			used[p.Name] = p
		}
		for _, dep := range transformations.Dependencies(node) {
			walk(dep)
		}
	}
	walk(spec.Returns)

	for _, name := range domain.SortedKeys(used) {
		if _, ok := declared[name]; !ok {
			result.warn(location, "uses parameter %q without declaring it", name)
		}
	}
	for _, name := range spec.Parameters {
		if _, ok := used[name]; !ok {
			result.warn(location, "declares parameter %q that no node reads", name)
		}
	}
}
