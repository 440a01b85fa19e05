package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/funnel/pkg/schema"
)

func newValidator(t *testing.T) *FunnelValidator {
	t.Helper()
	v, err := NewFunnelValidator()
	require.NoError(t, err)
	return v
}

func validDefinition() *schema.FunnelDefinition {
	return &schema.FunnelDefinition{
		Name: "welcome",
		Params: []schema.Param{
			{Key: "greeting", Name: "Greeting", Type: schema.ParamText, Required: true},
		},
		Start: schema.StageDefinition{
			Actions: []schema.ActionDefinition{{Send: &schema.SendAction{Text: "{{ params.greeting }}"}}},
			Next:    []schema.NextRule{{Stage: "ask_name"}},
		},
		Stages: []schema.StageDefinition{
			{
				Name: "ask_name",
				Actions: []schema.ActionDefinition{
					{Ask: &schema.AskAction{
						SendAction: schema.SendAction{Text: "What's your name?"},
						Timeout:    "10m",
						Retries:    []schema.RetryAction{{SendAction: schema.SendAction{Text: "Still there?"}, Timeout: "1h"}},
						SaveAs:     "name",
					}},
					{Tag: &schema.TagAction{Add: "asked"}},
				},
				Next: []schema.NextRule{
					{When: `reply == ""`, Loop: true},
					{End: schema.StatusCompleted},
				},
			},
		},
		End: &schema.StageDefinition{
			Actions: []schema.ActionDefinition{{Log: &schema.LogAction{Level: "info", Text: "done"}}},
		},
	}
}

func TestValidate_Valid(t *testing.T) {
	v := newValidator(t)
	result := v.Validate(validDefinition())
	assert.True(t, result.Valid(), "%v", result.Errors)
	assert.Empty(t, result.Warnings)
	assert.NoError(t, v.ValidateDefinition(validDefinition()))
}

func TestValidate_Nil(t *testing.T) {
	v := newValidator(t)
	err := v.ValidateDefinition(nil)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestValidate_Structural(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(d *schema.FunnelDefinition)
	}{
		{"missing name", func(d *schema.FunnelDefinition) { d.Name = "" }},
		{"bad param type", func(d *schema.FunnelDefinition) { d.Params[0].Type = "DATE" }},
		{"bad duration", func(d *schema.FunnelDefinition) {
			d.Stages[0].Actions[0].Ask.Timeout = "ten minutes"
		}},
		{"bad end status", func(d *schema.FunnelDefinition) { d.Stages[0].Next[1].End = schema.StatusBroken }},
		{"two kinds in one action", func(d *schema.FunnelDefinition) {
			d.Stages[0].Actions[1].Wait = "1s"
		}},
		{"empty action", func(d *schema.FunnelDefinition) {
			d.Start.Actions = append(d.Start.Actions, schema.ActionDefinition{})
		}},
		{"bad log level", func(d *schema.FunnelDefinition) { d.End.Actions[0].Log.Level = "trace" }},
	}

	v := newValidator(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := validDefinition()
			tt.mutate(def)
			result := v.Validate(def)
			require.False(t, result.Valid())
			assert.Equal(t, schema.ErrCodeValidation, result.Errors[0].Code)
		})
	}
}

func TestValidate_DuplicateStageIsConfiguration(t *testing.T) {
	v := newValidator(t)
	def := validDefinition()
	def.Stages = append(def.Stages, schema.StageDefinition{
		Name: "ask_name",
		Next: []schema.NextRule{{End: schema.StatusCompleted}},
	})

	err := v.ValidateDefinition(def)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConfiguration))
	assert.Contains(t, err.Error(), "duplicate stage name")
}

func TestValidate_ReservedStageName(t *testing.T) {
	v := newValidator(t)
	def := validDefinition()
	def.Stages[0].Name = schema.StageEnd
	def.Start.Next[0].Stage = schema.StageEnd

	result := v.Validate(def)
	require.False(t, result.Valid())
	assert.Equal(t, schema.ErrCodeConfiguration, result.Errors[0].Code)
	assert.Contains(t, result.Errors[0].Message, "reserved")
}

func TestValidate_Semantic(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(d *schema.FunnelDefinition)
		message string
	}{
		{"unknown target", func(d *schema.FunnelDefinition) { d.Start.Next[0].Stage = "nowhere" }, "non-existent stage"},
		{"no target", func(d *schema.FunnelDefinition) { d.Start.Next[0] = schema.NextRule{When: "true"} }, "exactly one"},
		{"two targets", func(d *schema.FunnelDefinition) { d.Start.Next[0].Restart = true }, "exactly one"},
		{"start loops", func(d *schema.FunnelDefinition) { d.Start.Next[0] = schema.NextRule{Loop: true} }, "start cannot loop"},
		{"set without source", func(d *schema.FunnelDefinition) {
			d.Start.Actions = append(d.Start.Actions, schema.ActionDefinition{Set: &schema.SetAction{Key: "k"}})
		}, "expr or jq"},
		{"tag without op", func(d *schema.FunnelDefinition) { d.Stages[0].Actions[1].Tag = &schema.TagAction{} }, "add, remove or clear"},
		{"zero wait", func(d *schema.FunnelDefinition) {
			d.Start.Actions = append(d.Start.Actions, schema.ActionDefinition{Wait: "0s"})
		}, "positive"},
		{"poll without options", func(d *schema.FunnelDefinition) {
			d.Start.Actions[0].Send = &schema.SendAction{Type: schema.MessagePoll, Text: "pick", Options: []string{"a"}}
		}, "two options"},
		{"image without url", func(d *schema.FunnelDefinition) {
			d.Start.Actions[0].Send = &schema.SendAction{Type: schema.MessageImage}
		}, "needs a url"},
		{"duplicate param", func(d *schema.FunnelDefinition) { d.Params = append(d.Params, d.Params[0]) }, "duplicate param"},
	}

	v := newValidator(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := validDefinition()
			tt.mutate(def)
			result := v.Validate(def)
			require.False(t, result.Valid())
			assert.Contains(t, result.Errors[0].Message, tt.message)
		})
	}
}

func TestValidate_Warnings(t *testing.T) {
	v := newValidator(t)
	def := validDefinition()
	def.Stages = append(def.Stages, schema.StageDefinition{
		Name: "orphan",
		Next: []schema.NextRule{{When: "true", End: schema.StatusCanceled}},
	})

	result := v.Validate(def)
	require.True(t, result.Valid(), "%v", result.Errors)

	var messages []string
	for _, w := range result.Warnings {
		messages = append(messages, w.Message)
	}
	assert.Contains(t, messages, "stage orphan is unreachable from start")
	assert.Contains(t, messages, "no unconditional next rule; the conversation is canceled when no guard matches")
}

func TestValidate_RestartKeepsStagesReachable(t *testing.T) {
	v := newValidator(t)
	def := validDefinition()
	def.Stages[0].Next = []schema.NextRule{{Restart: true}}

	result := v.Validate(def)
	require.True(t, result.Valid())
	assert.Empty(t, result.Warnings)
}
