package flowdef

import (
	"fmt"

	"github.com/rendis/funnel/internal/engine"
	"github.com/rendis/funnel/internal/expressions"
	"github.com/rendis/funnel/internal/validation"
	"github.com/rendis/funnel/pkg/schema"
)

// Compiler turns funnel definitions into engine scripts. One Compiler is
// shared by every script it builds: its expression engines cache compiled
// programs across conversations.
type Compiler struct {
	validator *validation.FunnelValidator
	cel       *expressions.CELEngine
	expr      *expressions.ExprEngine
	jq        *expressions.GoJQEngine
	interp    *expressions.Interpolator
}

// NewCompiler creates a Compiler. vault reveals vars.* references in texts
// and may be nil.
func NewCompiler(vault expressions.Revealer) (*Compiler, error) {
	v, err := validation.NewFunnelValidator()
	if err != nil {
		return nil, err
	}
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &Compiler{
		validator: v,
		cel:       cel,
		expr:      expressions.NewExprEngine(),
		jq:        expressions.NewGoJQEngine(),
		interp:    expressions.NewInterpolator(vault),
	}, nil
}

// Check validates def and compiles every expression and template it holds.
// The result carries warnings even when it is valid.
func (c *Compiler) Check(def *schema.FunnelDefinition) *schema.ValidationResult {
	result := c.validator.Validate(def)
	if !result.Valid() {
		return result
	}

	c.checkStage(&def.Start, "start", result)
	for i := range def.Stages {
		c.checkStage(&def.Stages[i], fmt.Sprintf("stages[%d]", i), result)
	}
	if def.End != nil {
		c.checkStage(def.End, "end", result)
	}
	return result
}

func (c *Compiler) checkStage(st *schema.StageDefinition, path string, result *schema.ValidationResult) {
	for i, rule := range st.Next {
		if rule.When == "" {
			continue
		}
		if err := c.cel.Compile(rule.When); err != nil {
			result.AddError(fmt.Sprintf("%s.next[%d].when", path, i), schema.ErrCodeExpression, err.Error())
		}
	}

	for i, a := range st.Actions {
		p := fmt.Sprintf("%s.actions[%d]", path, i)
		for _, text := range actionTexts(a) {
			if _, err := expressions.References(text); err != nil {
				result.AddError(p, schema.ErrCodeInterpolation, err.Error())
			}
		}
		if a.Set == nil {
			continue
		}
		var err error
		if a.Set.Expr != "" {
			err = c.expr.Compile(a.Set.Expr)
		} else {
			err = c.jq.Compile(a.Set.JQ)
		}
		if err != nil {
			result.AddError(p+".set", schema.ErrCodeExpression, err.Error())
		}
	}
}

// Compile validates def and builds the script.
func (c *Compiler) Compile(def *schema.FunnelDefinition) (*Script, error) {
	result := c.Check(def)
	if err := result.ToError(); err != nil {
		return nil, err
	}
	return &Script{def: def, c: c}, nil
}

func actionTexts(a schema.ActionDefinition) []string {
	var texts []string
	add := func(s *schema.SendAction) {
		texts = append(texts, s.Text, s.URL, s.Caption, s.FileName)
		texts = append(texts, s.Options...)
	}
	switch {
	case a.Send != nil:
		add(a.Send)
	case a.Ask != nil:
		add(&a.Ask.SendAction)
		for i := range a.Ask.Retries {
			add(&a.Ask.Retries[i].SendAction)
		}
	case a.Log != nil:
		texts = append(texts, a.Log.Text)
	}
	return texts
}
