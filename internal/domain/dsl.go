package domain

// Param builds an optional Parameter with a default value.
func Param(name string, defaultValue any) Parameter {
	return Parameter{Name: name, Default: defaultValue}
}

// RequiredParam builds a Parameter that must be supplied by the caller.
func RequiredParam(name string) Parameter {
	return Parameter{Name: name, Required: true}
}

// Var references the node called name.
func Var(name string) Variable {
	return Variable{Name: name}
}

// CallFunc builds a Call of the registered function name.
func CallFunc(name string, args []any, kwargs map[string]any) Call {
	return Call{Function: name, Args: args, Kwargs: kwargs}
}

// JoinOn builds an inner join of left and right on the given dotted paths.
func JoinOn(left, right any, leftOn, rightOn string) Join {
	return Join{Left: left, Right: right, LeftOn: leftOn, RightOn: rightOn}
}

// MapFunc applies the registered function name to every element of values.
func MapFunc(name string, values any) Map {
	return Map{Function: name, Values: values}
}

// MapWith applies the function of an existing Call to every element of
// values, referencing it by the Call's function identifier.
func MapWith(c Call, values any) Map {
	return Map{Function: c.Function, Values: values}
}

// MapPath projects the dotted path from every element of values.
func MapPath(values any, path string) Map {
	return Map{Values: values, ValuePath: path}
}

// SelectFields builds a Select projecting fields (dotted path -> output
// name) from the store value at every key. A nil fields map selects the
// whole value.
func SelectFields(keys any, fields map[string]string) Select {
	return Select{Keys: keys, Fields: fields}
}

// ScopeOf builds a key dimension over values, extracting path from each.
func ScopeOf(dimension string, values any, path string) Scope {
	return Scope{Dimension: dimension, Values: values, Path: path}
}

// KeysFor builds store keys for reducer from one or more scopes.
func KeysFor(reducer string, scopes ...Scope) Keys {
	return Keys{Reducer: reducer, Scopes: scopes}
}
