package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/funnel/pkg/schema"
)

func TestGoJQEngine_Filters(t *testing.T) {
	e := NewGoJQEngine()
	assert.Equal(t, "jq", e.Name())

	data := map[string]any{
		"params": map[string]any{"max": 3, "options": []string{"a", "b"}},
		"metadata": map[string]any{
			"answers": []any{"x", "yy", "zzz"},
			"profile": map[string]any{"name": "Ana", "age": 31.0},
		},
		"reply": "hi",
	}

	tests := []struct {
		name string
		expr string
		want any
	}{
		{"field", ".metadata.profile.name", "Ana"},
		{"normalized int", ".params.max * 2", 6.0},
		{"string list", ".params.options | length", 2},
		{"reshape", "{name: .metadata.profile.name, reply}", map[string]any{"name": "Ana", "reply": "hi"}},
		{"multiple outputs", ".metadata.answers[] | select(length > 1)", []any{"yy", "zzz"}},
		{"no output", "empty", nil},
		{"env is sandboxed", "$ENV | length", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Evaluate(context.Background(), tt.expr, data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGoJQEngine_Errors(t *testing.T) {
	e := NewGoJQEngine()
	ctx := context.Background()

	tests := []struct {
		filter string
		phase  string
	}{
		{"", ""},
		{".[", "parse"},
		{"$undefined", "compile"},
		{`error("boom")`, "run"},
	}
	for _, tt := range tests {
		_, err := e.Evaluate(ctx, tt.filter, map[string]any{})
		require.Error(t, err, tt.filter)
		assert.True(t, schema.IsCode(err, schema.ErrCodeExpression), tt.filter)

		var fe *schema.FunnelError
		require.ErrorAs(t, err, &fe)
		if tt.phase != "" {
			assert.Equal(t, tt.phase, fe.Details["phase"], tt.filter)
		}
	}
	assert.NoError(t, e.Compile(".reply"))
	assert.Error(t, e.Compile(".["))
}

func TestJQValue(t *testing.T) {
	got := jqValue(map[string]any{
		"n":    1,
		"u":    uint(4),
		"l":    []any{int64(2), int8(3)},
		"s":    []string{"a"},
		"tags": map[string]string{"k": "v"},
	})
	assert.Equal(t, map[string]any{
		"n":    1.0,
		"u":    4.0,
		"l":    []any{2.0, 3.0},
		"s":    []any{"a"},
		"tags": map[string]any{"k": "v"},
	}, got)
	assert.Nil(t, jqValue(nil))
}
