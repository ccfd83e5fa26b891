package domain

import (
	"encoding/json"
	"fmt"
)

const dispatchKey = "dispatch"

// DecodeNode converts a `{"dispatch": ...}` literal into a Node. Nested
// literals inside operands are decoded recursively. Unknown dispatch tags
// decode to Unimplemented.
func DecodeNode(raw map[string]any) (Node, error) {
	tag, ok := raw[dispatchKey].(string)
	if !ok || tag == "" {
		return nil, fmt.Errorf("node literal requires a string %q field", dispatchKey)
	}

	switch Dispatch(tag) {
	case DispatchParameter:
		name, err := requiredString(raw, "parameter_name")
		if err != nil {
			return nil, err
		}
		required, _ := raw["required"].(bool)
		return Parameter{Name: name, Required: required, Default: raw["default"]}, nil
	case DispatchVariable:
		name, err := requiredString(raw, "variable_name")
		if err != nil {
			return nil, err
		}
		return Variable{Name: name}, nil
	case DispatchCall:
		name, err := requiredString(raw, "function_name")
		if err != nil {
			return nil, err
		}
		args, err := DecodeValue(raw["args"])
		if err != nil {
			return nil, fmt.Errorf("args: %w", err)
		}
		kwargs, err := DecodeValue(raw["kwargs"])
		if err != nil {
			return nil, fmt.Errorf("kwargs: %w", err)
		}
		call := Call{Function: name}
		if args != nil {
			list, ok := args.([]any)
			if !ok {
				return nil, fmt.Errorf("args: expected a list, got %T", args)
			}
			call.Args = list
		}
		if kwargs != nil {
			m, ok := kwargs.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("kwargs: expected a mapping, got %T", kwargs)
			}
			call.Kwargs = m
		}
		return call, nil
	case DispatchJoin:
		left, err := DecodeValue(raw["left"])
		if err != nil {
			return nil, fmt.Errorf("left: %w", err)
		}
		right, err := DecodeValue(raw["right"])
		if err != nil {
			return nil, fmt.Errorf("right: %w", err)
		}
		leftOn, err := requiredString(raw, "left_on")
		if err != nil {
			return nil, err
		}
		rightOn, err := requiredString(raw, "right_on")
		if err != nil {
			return nil, err
		}
		return Join{Left: left, Right: right, LeftOn: leftOn, RightOn: rightOn}, nil
	case DispatchMap:
		values, err := DecodeValue(raw["values"])
		if err != nil {
			return nil, fmt.Errorf("values: %w", err)
		}
		function, _ := raw["function_name"].(string)
		path, _ := raw["value_path"].(string)
		if function == "" && path == "" {
			return nil, fmt.Errorf("map requires function_name or value_path")
		}
		return Map{Function: function, Values: values, ValuePath: path}, nil
	case DispatchSelect:
		keys, err := DecodeValue(raw["keys"])
		if err != nil {
			return nil, fmt.Errorf("keys: %w", err)
		}
		fields, err := decodeFields(raw["fields"])
		if err != nil {
			return nil, fmt.Errorf("fields: %w", err)
		}
		return Select{Keys: keys, Fields: fields}, nil
	case DispatchKeys:
		reducer, err := requiredString(raw, "reducer")
		if err != nil {
			return nil, err
		}
		rawScopes, ok := raw["scopes"].([]any)
		if !ok || len(rawScopes) == 0 {
			return nil, fmt.Errorf("keys requires a non-empty scopes list")
		}
		scopes := make([]Scope, 0, len(rawScopes))
		for i, rawScope := range rawScopes {
			fields, ok := rawScope.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("scope %d: expected a mapping", i)
			}
			dimension, err := requiredString(fields, "dimension")
			if err != nil {
				return nil, fmt.Errorf("scope %d: %w", i, err)
			}
			values, err := DecodeValue(fields["values"])
			if err != nil {
				return nil, fmt.Errorf("scope %d: values: %w", i, err)
			}
			path, _ := fields["path"].(string)
			scopes = append(scopes, Scope{Dimension: dimension, Values: values, Path: path})
		}
		return Keys{Reducer: reducer, Scopes: scopes}, nil
	default:
		return Unimplemented{Tag: tag, Raw: raw}, nil
	}
}

// DecodeValue walks an operand tree, turning every tagged mapping into a
// Node. Untagged mappings and lists stay plain data.
func DecodeValue(value any) (any, error) {
	switch v := value.(type) {
	case map[string]any:
		if _, tagged := v[dispatchKey]; tagged {
			return DecodeNode(v)
		}
		out := make(map[string]any, len(v))
		for key, item := range v {
			decoded, err := DecodeValue(item)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			out[key] = decoded
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			decoded, err := DecodeValue(item)
			if err != nil {
				return nil, fmt.Errorf("%d: %w", i, err)
			}
			out[i] = decoded
		}
		return out, nil
	default:
		return value, nil
	}
}

// EncodeNode converts a node back into its literal form.
func EncodeNode(n Node) map[string]any {
	out := map[string]any{dispatchKey: string(n.Dispatch())}
	switch v := n.(type) {
	case Parameter:
		out["parameter_name"] = v.Name
		out["required"] = v.Required
		if v.Default != nil {
			out["default"] = EncodeValue(v.Default)
		}
	case Variable:
		out["variable_name"] = v.Name
	case Call:
		out["function_name"] = v.Function
		if v.Args != nil {
			out["args"] = EncodeValue(v.Args)
		}
		if v.Kwargs != nil {
			out["kwargs"] = EncodeValue(v.Kwargs)
		}
	case Join:
		out["left"] = EncodeValue(v.Left)
		out["right"] = EncodeValue(v.Right)
		out["left_on"] = v.LeftOn
		out["right_on"] = v.RightOn
	case Map:
		out["values"] = EncodeValue(v.Values)
		if v.Function != "" {
			out["function_name"] = v.Function
		}
		if v.ValuePath != "" {
			out["value_path"] = v.ValuePath
		}
	case Select:
		out["keys"] = EncodeValue(v.Keys)
		if len(v.Fields) > 0 {
			fields := make(map[string]any, len(v.Fields))
			for path, name := range v.Fields {
				fields[path] = name
			}
			out["fields"] = fields
		}
	case Keys:
		out["reducer"] = v.Reducer
		scopes := make([]any, len(v.Scopes))
		for i, scope := range v.Scopes {
			scopes[i] = map[string]any{
				"dimension": scope.Dimension,
				"values":    EncodeValue(scope.Values),
				"path":      scope.Path,
			}
		}
		out["scopes"] = scopes
	case Unimplemented:
		for key, value := range v.Raw {
			out[key] = value
		}
	}
	return out
}

// EncodeValue converts every node inside an operand tree to its literal form.
func EncodeValue(value any) any {
	switch v := value.(type) {
	case Node:
		return EncodeNode(v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = EncodeValue(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			out[key] = EncodeValue(item)
		}
		return out
	default:
		return value
	}
}

// MarshalNode renders a node as JSON.
func MarshalNode(n Node) ([]byte, error) {
	return json.Marshal(EncodeNode(n))
}

func decodeFields(value any) (map[string]string, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case string:
		if v == "all" || v == "*" {
			return nil, nil
		}
		return map[string]string{v: v}, nil
	case map[string]any:
		fields := make(map[string]string, len(v))
		for path, name := range v {
			s, ok := name.(string)
			if !ok {
				return nil, fmt.Errorf("output name for %q must be a string", path)
			}
			fields[path] = s
		}
		return fields, nil
	case []any:
		fields := make(map[string]string, len(v))
		for _, item := range v {
			path, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("expected field paths, got %T", item)
			}
			fields[path] = path
		}
		return fields, nil
	default:
		return nil, fmt.Errorf("unsupported fields %T", value)
	}
}

func requiredString(raw map[string]any, key string) (string, error) {
	value, ok := raw[key].(string)
	if !ok || value == "" {
		return "", fmt.Errorf("%q is required", key)
	}
	return value, nil
}
