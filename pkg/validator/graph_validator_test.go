package validator

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rpattn/dashdag/internal/domain"
	"github.com/rpattn/dashdag/internal/registry"
)

func messages(errs []ValidationError) []string {
	out := make([]string, len(errs))
	for i, e := range errs {
		out[i] = e.String()
	}
	return out
}

func TestGraphValidator_ValidEndpoint(t *testing.T) {
	e := domain.Endpoint{
		Graph: domain.Graph{
			"y": domain.CallFunc("builtin.len", []any{domain.RequiredParam("rows")}, nil),
		},
		Exports: map[string]domain.Export{"out": {Returns: "y", Parameters: []string{"rows"}}},
	}
	result := NewGraphValidator(nil).ValidateEndpoint(e)
	assert.True(t, result.IsValid)
	assert.Empty(t, result.Errors)
	assert.Empty(t, result.Warnings)
}

func TestGraphValidator_ReportsAuthoringErrors(t *testing.T) {
	reg := registry.New()
	e := domain.Endpoint{
		Graph: domain.Graph{
			"dangling": domain.MapPath(domain.Var("ghost"), "x"),
			"a":        domain.Var("b"),
			"b":        domain.Var("a"),
			"call":     domain.CallFunc("not.registered", nil, nil),
			"keys":     domain.KeysFor("r", domain.ScopeOf("s", []any{1}, ""), domain.ScopeOf("s", []any{2}, "")),
			"odd":      domain.Unimplemented{Tag: "pivot"},
		},
		Exports: map[string]domain.Export{
			"loop":    {Returns: "a"},
			"missing": {Returns: "nowhere"},
		},
	}
	result := NewGraphValidator(reg).ValidateEndpoint(e)
	assert.False(t, result.IsValid)

	errs := messages(result.Errors)
	assert.Contains(t, errs, `dangling: references unknown node "ghost"`)
	assert.Contains(t, errs, `call: function "not.registered" is not registered`)
	assert.Contains(t, errs, `keys: dimension "s" appears more than once`)
	assert.Contains(t, errs, `exports.missing: returns unknown node "nowhere"`)
	assert.Contains(t, errs, `exports.loop: dependency cycle: a -> b -> a`)
	assert.Contains(t, messages(result.Warnings), `odd: no operator for dispatch "pivot"; the node will evaluate to an error`)
}

func TestGraphValidator_ParameterDeclarations(t *testing.T) {
	e := domain.Endpoint{
		Graph: domain.Graph{
			"y": domain.CallFunc("f", []any{domain.RequiredParam("used"), domain.RequiredParam("undeclared")}, nil),
		},
		Exports: map[string]domain.Export{"out": {Returns: "y", Parameters: []string{"used", "unused"}}},
	}
	result := NewGraphValidator(nil).ValidateEndpoint(e)
	assert.True(t, result.IsValid)
	assert.ElementsMatch(t, []string{
		`exports.out: uses parameter "undeclared" without declaring it`,
		`exports.out: declares parameter "unused" that no node reads`,
	}, messages(result.Warnings))
}

func TestGraphValidator_FlattenCollision(t *testing.T) {
	e := domain.Endpoint{
		Graph: domain.Graph{
			"y":               domain.CallFunc("f", nil, map[string]any{"a": domain.RequiredParam("n")}),
			"impl.y.kwargs.a": domain.RequiredParam("other"),
		},
	}
	result := NewGraphValidator(nil).ValidateEndpoint(e)
	assert.False(t, result.IsValid)
	assert.Equal(t, "execution_dag", result.Errors[0].Location)
}
