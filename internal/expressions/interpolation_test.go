package expressions

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/funnel/pkg/schema"
)

type mapVault map[string]string

func (v mapVault) Reveal(_ context.Context, name string) (string, error) {
	s, ok := v[name]
	if !ok {
		return "", errors.New("not found")
	}
	return s, nil
}

func testScope() *Scope {
	return NewScope("+5491100000000", "welcome",
		map[string]any{"greeting": "Hola", "crm_key": "crm", "options": []string{"a", "b"}, "max": 3},
		map[string]any{"name": "Ana", "score": 7.5, "count": 2.0, "profile": map[string]any{"city": "Rosario"}, "a.b": "dotted"},
	).WithReply("sí")
}

func TestInterpolator_Render(t *testing.T) {
	interp := NewInterpolator(mapVault{"crm": "{{ reply }}"})

	tests := []struct {
		name, text, want string
	}{
		{"plain", "no references", "no references"},
		{"params", "{{params.greeting}}, {{ metadata.name }}!", "Hola, Ana!"},
		{"reply", "you said {{ reply }}", "you said sí"},
		{"contact and stage", "{{ contact }}@{{ stage }}", "+5491100000000@welcome"},
		{"nested path", "from {{ metadata.profile.city }}", "from Rosario"},
		{"dotted key", "{{ metadata.a.b }}", "dotted"},
		{"numbers", "{{ metadata.count }} / {{ metadata.score }} / {{ params.max }}", "2 / 7.5 / 3"},
		{"list", "{{ params.options }}", "a, b"},
		{"object", "{{ metadata.profile }}", `{"city":"Rosario"}`},
		{"vars are not rescanned", "key={{ vars.crm_key }}", "key={{ reply }}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := interp.Render(context.Background(), tt.text, testScope())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestInterpolator_Errors(t *testing.T) {
	tests := []struct {
		name  string
		vault Revealer
		text  string
	}{
		{"unclosed", nil, "hi {{ reply"},
		{"empty", nil, "hi {{ }}"},
		{"nested", nil, "{{ {{ reply }}"},
		{"unknown namespace", nil, "{{ steps.x }}"},
		{"missing field", nil, "{{ metadata.email }}"},
		{"traverse scalar", nil, "{{ metadata.name.first }}"},
		{"scalar field", nil, "{{ reply.text }}"},
		{"no vault", nil, "{{ vars.crm_key }}"},
		{"unset var param", mapVault{}, "{{ vars.token }}"},
		{"reveal failure", mapVault{}, "{{ vars.crm_key }}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewInterpolator(tt.vault).Render(context.Background(), tt.text, testScope())
			require.Error(t, err)
			assert.True(t, schema.IsCode(err, schema.ErrCodeInterpolation))
		})
	}
}

func TestReferences(t *testing.T) {
	refs, err := References("{{ params.a }} and {{reply}}")
	require.NoError(t, err)
	assert.Equal(t, []string{"params.a", "reply"}, refs)

	_, err = References("{{ open")
	assert.Error(t, err)
}
