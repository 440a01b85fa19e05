// Package routing picks the funnel a new contact starts.
package routing

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rendis/funnel/internal/engine"
	"github.com/rendis/funnel/internal/expressions"
	"github.com/rendis/funnel/pkg/schema"
)

// Rule variables.
const (
	VarContact = "contact"
	VarName    = "name"
	VarText    = "text"
	VarTester  = "tester"
)

// Rule starts Script when When holds. An empty When always matches.
type Rule struct {
	Name     string           `yaml:"name"`
	When     string           `yaml:"when,omitempty"`
	Script   schema.ScriptRef `yaml:"script"`
	Args     []schema.Arg     `yaml:"args,omitempty"`
	TestMode bool             `yaml:"test_mode,omitempty"`
}

type rulesFile struct {
	Rules []Rule `yaml:"rules"`
}

// Rules evaluates ordered CEL rules over the first messages of a contact.
// The first matching rule wins; no match returns nil so the engine falls
// back to its default script.
type Rules struct {
	rules []Rule
	cel   *expressions.CELEngine
}

// New compiles rules. An ambiguous script ref is kept: the engine turns
// it into a BROKEN conversation with the rule visible in the execution log.
func New(rules []Rule) (*Rules, error) {
	cel, err := expressions.NewCELEngine(VarContact, VarName, VarText, VarTester)
	if err != nil {
		return nil, err
	}
	for i, r := range rules {
		if r.Script.Empty() {
			return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "rule %d (%s) names no script", i, r.Name)
		}
		if r.When == "" {
			continue
		}
		if err := cel.Compile(r.When); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "rule %d (%s): %s", i, r.Name, err.Error()).WithCause(err)
		}
	}
	return &Rules{rules: rules, cel: cel}, nil
}

// Parse reads a YAML rules document.
func Parse(data []byte) (*Rules, error) {
	var f rulesFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "decode routing rules: %s", err.Error()).WithCause(err)
	}
	return New(f.Rules)
}

// Load reads a YAML rules file.
func Load(path string) (*Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read routing rules: %w", err)
	}
	return Parse(data)
}

// Select implements engine.Selector.
func (r *Rules) Select(ctx context.Context, req engine.StartRequest) (*engine.Startup, error) {
	data := map[string]any{
		VarContact: req.Contact,
		VarName:    req.Name,
		VarText:    firstText(req.Messages),
		VarTester:  req.Tester,
	}
	for _, rule := range r.rules {
		if rule.When != "" {
			ok, err := r.cel.EvaluateBool(ctx, rule.When, data)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}
		return &engine.Startup{
			Script:   rule.Script,
			Args:     rule.Args,
			TestMode: rule.TestMode || req.Tester,
		}, nil
	}
	return nil, nil
}

func firstText(msgs []schema.Message) string {
	var parts []string
	for _, m := range msgs {
		if m.Text != "" {
			parts = append(parts, m.Text)
		}
	}
	return strings.Join(parts, "\n")
}

var _ engine.Selector = (*Rules)(nil)
