// Package dotpath resolves dotted paths such as "student.profile.name" or
// "items.0.id" against generic JSON-like values.
package dotpath

import (
	"reflect"
	"strconv"
	"strings"
)

// Components splits a path into its components. An empty path has no
// components and refers to the value itself.
func Components(path string) []string {
	if path == "" {
		return []string{}
	}
	return strings.Split(path, ".")
}

// Join builds a dotted path from components, skipping empty ones.
func Join(components ...string) string {
	parts := make([]string, 0, len(components))
	for _, component := range components {
		if component == "" {
			continue
		}
		parts = append(parts, component)
	}
	return strings.Join(parts, ".")
}

// Parent returns the path without its last component.
func Parent(path string) string {
	lastDot := strings.LastIndex(path, ".")
	if lastDot == -1 {
		return ""
	}
	return path[:lastDot]
}

// Get walks value along path. Map keys are matched by name and slice
// elements by decimal index. The boolean is false when any component is
// missing.
func Get(value any, path string) (any, bool) {
	current := value
	for _, component := range Components(path) {
		next, ok := step(current, component)
		if !ok {
			return nil, false
		}
		current = next
	}
	return current, true
}

// Lookup is Get without the presence flag; missing paths yield nil.
func Lookup(value any, path string) any {
	v, _ := Get(value, path)
	return v
}

func step(value any, component string) (any, bool) {
	switch v := value.(type) {
	case nil:
		return nil, false
	case map[string]any:
		next, ok := v[component]
		return next, ok
	case []any:
		idx, err := strconv.Atoi(component)
		if err != nil || idx < 0 || idx >= len(v) {
			return nil, false
		}
		return v[idx], true
	}

	rv := reflect.ValueOf(value)
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return nil, false
		}
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, false
		}
		next := rv.MapIndex(reflect.ValueOf(component).Convert(rv.Type().Key()))
		if !next.IsValid() {
			return nil, false
		}
		return next.Interface(), true
	case reflect.Slice, reflect.Array:
		idx, err := strconv.Atoi(component)
		if err != nil || idx < 0 || idx >= rv.Len() {
			return nil, false
		}
		return rv.Index(idx).Interface(), true
	case reflect.Struct:
		field := rv.FieldByName(component)
		if !field.IsValid() || !field.CanInterface() {
			return nil, false
		}
		return field.Interface(), true
	default:
		return nil, false
	}
}
