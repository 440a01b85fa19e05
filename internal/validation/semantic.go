package validation

import (
	"fmt"
	"strings"

	"github.com/rendis/funnel/pkg/schema"
)

// validateSemantic checks what the JSON schema cannot express: stage name
// uniqueness, next targets, and the shape of each action.
func validateSemantic(def *schema.FunnelDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	keys := make(map[string]bool, len(def.Params))
	for i, p := range def.Params {
		if keys[p.Key] {
			result.AddErrorf(fmt.Sprintf("params[%d].key", i), schema.ErrCodeConfiguration,
				"duplicate param key %q", p.Key)
		}
		keys[p.Key] = true
	}

	names := make(map[string]bool, len(def.Stages))
	for i, st := range def.Stages {
		path := fmt.Sprintf("stages[%d].name", i)
		switch {
		case st.Name == schema.StageStart || st.Name == schema.StageEnd:
			result.AddErrorf(path, schema.ErrCodeConfiguration, "stage name %q is reserved", st.Name)
		case strings.HasPrefix(st.Name, "_"):
			result.AddWarning(path, schema.ErrCodeValidation,
				fmt.Sprintf("stage name %q starts with an underscore, which is used by engine stages", st.Name))
		}
		if names[st.Name] {
			result.AddErrorf(path, schema.ErrCodeConfiguration, "duplicate stage name %q", st.Name)
		}
		names[st.Name] = true
	}

	validateStageSemantic(&def.Start, "start", names, result)
	for i := range def.Stages {
		validateStageSemantic(&def.Stages[i], fmt.Sprintf("stages[%d]", i), names, result)
	}
	if def.End != nil {
		validateActions(def.End.Actions, "end", result)
		if len(def.End.Next) > 0 {
			result.AddWarning("end.next", schema.ErrCodeValidation, "end stage next rules are ignored")
		}
	}

	return result
}

func validateStageSemantic(st *schema.StageDefinition, path string, names map[string]bool, result *schema.ValidationResult) {
	validateActions(st.Actions, path, result)

	if len(st.Next) == 0 {
		result.AddWarning(path+".next", schema.ErrCodeValidation,
			"stage has no next rule; the conversation is canceled after it runs")
		return
	}

	fallback := false
	for j, n := range st.Next {
		npath := fmt.Sprintf("%s.next[%d]", path, j)
		if n.Targets() != 1 {
			result.AddError(npath, schema.ErrCodeValidation,
				"next rule must set exactly one of stage, loop, restart or end")
			continue
		}
		if n.Stage != "" && !names[n.Stage] {
			if n.Stage == schema.StageStart || n.Stage == schema.StageEnd {
				result.AddErrorf(npath+".stage", schema.ErrCodeValidation,
					"stage %q cannot be targeted directly; use restart or end", n.Stage)
			} else {
				result.AddErrorf(npath+".stage", schema.ErrCodeValidation,
					"references non-existent stage %q", n.Stage)
			}
		}
		if n.Loop && path == "start" {
			result.AddError(npath+".loop", schema.ErrCodeValidation, "start cannot loop; use restart")
		}
		if n.End != "" && n.End != schema.StatusCompleted && n.End != schema.StatusCanceled {
			result.AddErrorf(npath+".end", schema.ErrCodeValidation,
				"end status must be COMPLETED or CANCELED, got %q", n.End)
		}
		if fallback {
			result.AddWarning(npath, schema.ErrCodeValidation,
				"rule follows an unconditional rule and never matches")
		}
		if strings.TrimSpace(n.When) == "" {
			fallback = true
		}
	}
	if !fallback {
		result.AddWarning(path+".next", schema.ErrCodeValidation,
			"no unconditional next rule; the conversation is canceled when no guard matches")
	}
}

func validateActions(actions []schema.ActionDefinition, path string, result *schema.ValidationResult) {
	for i, a := range actions {
		apath := fmt.Sprintf("%s.actions[%d]", path, i)
		switch a.Kind() {
		case "":
			result.AddError(apath, schema.ErrCodeValidation, "action must set exactly one kind")
		case "send":
			validateSend(a.Send, apath+".send", result)
		case "ask":
			validateSend(&a.Ask.SendAction, apath+".ask", result)
			validateDuration(a.Ask.Timeout, apath+".ask.timeout", false, result)
			for j, r := range a.Ask.Retries {
				rpath := fmt.Sprintf("%s.ask.retries[%d]", apath, j)
				validateSend(&r.SendAction, rpath, result)
				validateDuration(r.Timeout, rpath+".timeout", false, result)
			}
		case "tag":
			set := 0
			if a.Tag.Add != "" {
				set++
			}
			if a.Tag.Remove != "" {
				set++
			}
			if a.Tag.Clear {
				set++
			}
			if set != 1 {
				result.AddError(apath+".tag", schema.ErrCodeValidation,
					"tag action must set exactly one of add, remove or clear")
			}
			if a.Tag.Count < 0 {
				result.AddError(apath+".tag.count", schema.ErrCodeValidation, "count must not be negative")
			}
		case "set":
			if (a.Set.Expr == "") == (a.Set.JQ == "") {
				result.AddError(apath+".set", schema.ErrCodeValidation, "set action needs exactly one of expr or jq")
			}
		case "wait":
			validateDuration(a.Wait, apath+".wait", true, result)
		}
	}
}

func validateSend(s *schema.SendAction, path string, result *schema.ValidationResult) {
	msg := s.Message()
	switch msg.Type {
	case schema.MessageText:
		if msg.Text == "" {
			result.AddError(path+".text", schema.ErrCodeValidation, "text message needs text")
		}
	case schema.MessagePoll:
		if msg.Text == "" || len(msg.Options) < 2 {
			result.AddError(path, schema.ErrCodeValidation, "poll needs a question and at least two options")
		}
	default:
		if msg.URL == "" {
			result.AddErrorf(path+".url", schema.ErrCodeValidation, "%s message needs a url", msg.Type)
		}
	}
}

func validateDuration(s, path string, required bool, result *schema.ValidationResult) {
	d, err := schema.ParseDuration(s)
	if err != nil {
		result.AddErrorf(path, schema.ErrCodeValidation, "invalid duration %q", s)
		return
	}
	if d < 0 || (required && d == 0) {
		result.AddError(path, schema.ErrCodeValidation, "duration must be positive")
	}
}
