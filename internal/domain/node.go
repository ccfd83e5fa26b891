package domain

// Dispatch is the tag that identifies a node's operator.
type Dispatch string

const (
	DispatchParameter Dispatch = "parameter"
	DispatchVariable  Dispatch = "variable"
	DispatchCall      Dispatch = "call"
	DispatchSelect    Dispatch = "select"
	DispatchJoin      Dispatch = "join"
	DispatchMap       Dispatch = "map"
	DispatchKeys      Dispatch = "keys"
)

// Node is one operator instance in an execution graph. The set of
// implementations is closed: Parameter, Variable, Call, Select, Join, Map,
// Keys and Unimplemented.
type Node interface {
	Dispatch() Dispatch
	// Operands lists the node's operand trees in a stable order.
	Operands() []Operand
	// WithOperands returns a copy of the node whose operand trees are
	// replaced, positionally, by values.
	WithOperands(values []any) Node
}

// Operand is a named operand tree of a node. Values are literals, []any,
// map[string]any or Nodes, nested arbitrarily.
type Operand struct {
	Name  string
	Value any
}

// Parameter resolves to a caller-supplied parameter.
type Parameter struct {
	Name     string
	Required bool
	Default  any
}

func (Parameter) Dispatch() Dispatch { return DispatchParameter }
func (Parameter) Operands() []Operand { return nil }
func (p Parameter) WithOperands([]any) Node { return p }

// Variable references the computed result of another node in the same graph.
type Variable struct {
	Name string
}

func (Variable) Dispatch() Dispatch { return DispatchVariable }
func (Variable) Operands() []Operand { return nil }
func (v Variable) WithOperands([]any) Node { return v }

// Call invokes a registered function by name.
type Call struct {
	Function string
	Args     []any
	Kwargs   map[string]any
}

func (Call) Dispatch() Dispatch { return DispatchCall }

func (c Call) Operands() []Operand {
	return []Operand{
		{Name: "args", Value: sliceOperand(c.Args)},
		{Name: "kwargs", Value: mapOperand(c.Kwargs)},
	}
}

func (c Call) WithOperands(values []any) Node {
	c.Args = asSlice(values[0])
	c.Kwargs = asMap(values[1])
	return c
}

// Join is an inner equi-join of two record lists on dotted key paths.
type Join struct {
	Left    any
	Right   any
	LeftOn  string
	RightOn string
}

func (Join) Dispatch() Dispatch { return DispatchJoin }

func (j Join) Operands() []Operand {
	return []Operand{{Name: "left", Value: j.Left}, {Name: "right", Value: j.Right}}
}

func (j Join) WithOperands(values []any) Node {
	j.Left = values[0]
	j.Right = values[1]
	return j
}

// Map applies a registered function, or projects a dotted path, across a
// sequence. When both are set the path is projected first.
type Map struct {
	Function  string
	Values    any
	ValuePath string
}

func (Map) Dispatch() Dispatch { return DispatchMap }

func (m Map) Operands() []Operand {
	return []Operand{{Name: "values", Value: m.Values}}
}

func (m Map) WithOperands(values []any) Node {
	m.Values = values[0]
	return m
}

// Select fetches store values for a list of {key, context} entries and
// projects Fields (dotted path -> output name). Empty Fields selects the
// whole stored value.
type Select struct {
	Keys   any
	Fields map[string]string
}

func (Select) Dispatch() Dispatch { return DispatchSelect }

func (s Select) Operands() []Operand {
	return []Operand{{Name: "keys", Value: s.Keys}}
}

func (s Select) WithOperands(values []any) Node {
	s.Keys = values[0]
	return s
}

// Scope is one named dimension used to build store keys. Values is the list
// of items along the dimension and Path extracts the key value from each.
type Scope struct {
	Dimension string
	Values    any
	Path      string
}

// Keys builds store keys for a reducer from one or more scopes.
type Keys struct {
	Reducer string
	Scopes  []Scope
}

func (Keys) Dispatch() Dispatch { return DispatchKeys }

func (k Keys) Operands() []Operand {
	ops := make([]Operand, len(k.Scopes))
	for i, scope := range k.Scopes {
		ops[i] = Operand{Name: scope.Dimension, Value: scope.Values}
	}
	return ops
}

func (k Keys) WithOperands(values []any) Node {
	scopes := make([]Scope, len(k.Scopes))
	copy(scopes, k.Scopes)
	for i := range scopes {
		scopes[i].Values = values[i]
	}
	k.Scopes = scopes
	return k
}

// Unimplemented stands in for a node whose dispatch tag has no operator. It
// keeps the raw literal so the graph stays inspectable.
type Unimplemented struct {
	Tag string
	Raw map[string]any
}

func (u Unimplemented) Dispatch() Dispatch { return Dispatch(u.Tag) }
func (Unimplemented) Operands() []Operand { return nil }
func (u Unimplemented) WithOperands([]any) Node { return u }

// OperandValues returns the values of a node's operands in order.
func OperandValues(n Node) []any {
	ops := n.Operands()
	values := make([]any, len(ops))
	for i, op := range ops {
		values[i] = op.Value
	}
	return values
}

func sliceOperand(s []any) any {
	if s == nil {
		return nil
	}
	return s
}

func mapOperand(m map[string]any) any {
	if m == nil {
		return nil
	}
	return m
}

func asSlice(v any) []any {
	s, _ := v.([]any)
	return s
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}
