package routing

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/funnel/internal/engine"
	"github.com/rendis/funnel/pkg/schema"
)

const rulesYAML = `
rules:
  - name: promo
    when: 'text.contains("promo") || text.contains("PROMO")'
    script: {name: promo}
    args:
      - {key: discount, value: 15}
  - name: argentina
    when: 'contact.startsWith("+54")'
    script: {id: qualify-ar, version: v2}
  - name: testers
    when: tester
    script: {name: sandbox}
    test_mode: true
`

func request(contact, text string, tester bool) engine.StartRequest {
	return engine.StartRequest{Contact: contact, Name: "Ana", Messages: []schema.Message{schema.Text(text)}, Tester: tester}
}

func TestRules_Select(t *testing.T) {
	r, err := Parse([]byte(rulesYAML))
	require.NoError(t, err)
	ctx := context.Background()

	tests := []struct {
		name string
		req  engine.StartRequest
		want *engine.Startup
	}{
		{"first match wins", request("+5491100000000", "I saw the PROMO", false),
			&engine.Startup{Script: schema.ScriptRef{Name: "promo"}, Args: []schema.Arg{{Key: "discount", Value: 15}}}},
		{"contact prefix", request("+5491100000000", "hola", false),
			&engine.Startup{Script: schema.ScriptRef{ID: "qualify-ar", Version: "v2"}}},
		{"tester", request("+15550000000", "hi", true),
			&engine.Startup{Script: schema.ScriptRef{Name: "sandbox"}, TestMode: true}},
		{"no match", request("+15550000000", "hi", false), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Select(ctx, tt.req)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRules_TesterAlwaysRunsInTestMode(t *testing.T) {
	r, err := New([]Rule{{Name: "all", Script: schema.ScriptRef{Name: "main"}}})
	require.NoError(t, err)

	got, err := r.Select(context.Background(), request("+1", "", true))
	require.NoError(t, err)
	assert.True(t, got.TestMode)
}

func TestRules_Invalid(t *testing.T) {
	_, err := New([]Rule{{Name: "bad", When: "text ==", Script: schema.ScriptRef{Name: "x"}}})
	assert.True(t, schema.IsCode(err, schema.ErrCodeConfiguration))

	_, err = New([]Rule{{Name: "empty"}})
	assert.True(t, schema.IsCode(err, schema.ErrCodeConfiguration))

	_, err = Parse([]byte("rules:\n  - nmae: typo\n"))
	assert.True(t, schema.IsCode(err, schema.ErrCodeConfiguration))
}

func TestRules_NonBoolGuard(t *testing.T) {
	r, err := New([]Rule{{Name: "text", When: "text", Script: schema.ScriptRef{Name: "x"}}})
	require.NoError(t, err)
	_, err = r.Select(context.Background(), request("+1", "hi", false))
	assert.True(t, schema.IsCode(err, schema.ErrCodeExpression))
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routes.yaml")
	require.NoError(t, os.WriteFile(path, []byte(rulesYAML), 0o644))

	r, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, r.rules, 3)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoad_ExampleRoutes(t *testing.T) {
	r, err := Load(filepath.Join("..", "..", "examples", "lead-qualifier", "routes.yaml"))
	require.NoError(t, err)

	got, err := r.Select(context.Background(), request("+15550000000", "hi", true))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.TestMode)
	assert.Equal(t, "qualify", got.Script.Name)
}
