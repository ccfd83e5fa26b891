package transformations

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rpattn/dashdag/internal/domain"
)

// Kind classifies an ErrorSentinel.
type Kind string

const (
	KindUnimplemented    Kind = "unimplemented"
	KindMissingParameter Kind = "missing_parameter"
	KindUnknownFunction  Kind = "unknown_function"
	KindCallFailed       Kind = "call_failed"
	KindMapFailed        Kind = "map_failed"
	KindInvalidScope     Kind = "invalid_scope"
	KindUnknownNode      Kind = "unknown_node"
	KindUpstream         Kind = "upstream"
	KindCanceled         Kind = "canceled"
	KindInvalidNode      Kind = "invalid_node"
)

// ErrorSentinel stands in for the result of a node that failed. Nodes whose
// operands contain a sentinel are not dispatched; they become upstream
// sentinels whose Cause is the first failure found.
type ErrorSentinel struct {
	ID        uuid.UUID `json:"id"`
	Kind      Kind      `json:"kind"`
	Message   string    `json:"message"`
	Node      string    `json:"node"`
	Function  string    `json:"function,omitempty"`
	Inputs    any       `json:"inputs,omitempty"`
	Context   any       `json:"context,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Trace     string    `json:"trace,omitempty"`
	Cause     error     `json:"-"`
}

func newSentinel(kind Kind, node, format string, args ...any) *ErrorSentinel {
	return &ErrorSentinel{
		ID:        uuid.New(),
		Kind:      kind,
		Message:   fmt.Sprintf(format, args...),
		Node:      node,
		Timestamp: time.Now().UTC(),
	}
}

func (s *ErrorSentinel) Error() string {
	if s.Function != "" {
		return fmt.Sprintf("node %s (%s): %s: %s", s.Node, s.Function, s.Kind, s.Message)
	}
	return fmt.Sprintf("node %s: %s: %s", s.Node, s.Kind, s.Message)
}

func (s *ErrorSentinel) Unwrap() error {
	return s.Cause
}

// Root follows the chain of upstream sentinels to the original failure.
func (s *ErrorSentinel) Root() *ErrorSentinel {
	root := s
	for {
		var next *ErrorSentinel
		if !errors.As(root.Cause, &next) {
			return root
		}
		root = next
	}
}

// MarshalJSON renders Cause as a nested sentinel when it is one, or as its
// message otherwise.
func (s *ErrorSentinel) MarshalJSON() ([]byte, error) {
	type plain ErrorSentinel
	out := struct {
		*plain
		Cause any `json:"cause,omitempty"`
	}{plain: (*plain)(s)}
	var upstream *ErrorSentinel
	switch {
	case s.Cause == nil:
	case errors.As(s.Cause, &upstream):
		out.Cause = upstream
	default:
		out.Cause = s.Cause.Error()
	}
	return json.Marshal(out)
}

// public returns a copy without provenance: no context and no trace, at
// every level of the cause chain.
func (s *ErrorSentinel) public() *ErrorSentinel {
	out := *s
	out.Context = nil
	out.Trace = ""
	var upstream *ErrorSentinel
	if errors.As(s.Cause, &upstream) {
		out.Cause = upstream.public()
	}
	return &out
}

// findSentinel returns the first sentinel in value, searching depth-first
// through slices and maps.
func findSentinel(value any) *ErrorSentinel {
	switch v := value.(type) {
	case *ErrorSentinel:
		return v
	case []any:
		for _, item := range v {
			if s := findSentinel(item); s != nil {
				return s
			}
		}
	case map[string]any:
		for _, key := range domain.SortedKeys(v) {
			if s := findSentinel(v[key]); s != nil {
				return s
			}
		}
	}
	return nil
}

// errorTrace renders the chain of wrapped errors, outermost first.
func errorTrace(err error) string {
	var lines []string
	for err != nil {
		lines = append(lines, fmt.Sprintf("%T: %s", err, err))
		err = errors.Unwrap(err)
	}
	return strings.Join(lines, "\n")
}
