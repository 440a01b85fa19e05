package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/funnel/pkg/schema"
)

const funnelSchemaURL = "https://funnel.dev/schemas/funnel.json"

// funnelSchemaJSON is the JSON Schema for FunnelDefinition validation.
const funnelSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://funnel.dev/schemas/funnel.json",
  "type": "object",
  "required": ["name", "start"],
  "properties": {
    "id": { "type": "string" },
    "name": { "type": "string", "minLength": 1 },
    "version": { "type": "string" },
    "params": {
      "type": "array",
      "items": { "$ref": "#/$defs/param" }
    },
    "start": { "$ref": "#/$defs/stage" },
    "stages": {
      "type": "array",
      "items": {
        "allOf": [
          { "$ref": "#/$defs/stage" },
          { "required": ["name"] }
        ]
      }
    },
    "end": { "$ref": "#/$defs/stage" }
  },
  "additionalProperties": false,
  "$defs": {
    "duration": {
      "type": "string",
      "pattern": "^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"
    },
    "param": {
      "type": "object",
      "required": ["key", "type"],
      "properties": {
        "key": { "type": "string", "minLength": 1 },
        "name": { "type": "string" },
        "description": { "type": "string" },
        "required": { "type": "boolean" },
        "type": { "enum": ["TEXT", "TEXT_LIST", "NUMBER", "LOGIC", "WEBHOOK", "VAR"] },
        "default": {}
      },
      "additionalProperties": false
    },
    "stage": {
      "type": "object",
      "properties": {
        "name": { "type": "string", "minLength": 1 },
        "actions": { "type": "array", "items": { "$ref": "#/$defs/action" } },
        "next": { "type": "array", "items": { "$ref": "#/$defs/next" } }
      },
      "additionalProperties": false
    },
    "message": {
      "type": "object",
      "properties": {
        "type": { "enum": ["TEXT", "IMAGE", "VIDEO", "AUDIO", "VOICE", "DOCUMENT", "POLL"] },
        "text": { "type": "string" },
        "url": { "type": "string" },
        "caption": { "type": "string" },
        "file_name": { "type": "string" },
        "options": { "type": "array", "items": { "type": "string" } }
      },
      "additionalProperties": false
    },
    "action": {
      "type": "object",
      "minProperties": 1,
      "maxProperties": 1,
      "properties": {
        "send": { "$ref": "#/$defs/message" },
        "ask": {
          "type": "object",
          "properties": {
            "type": { "enum": ["TEXT", "IMAGE", "VIDEO", "AUDIO", "VOICE", "DOCUMENT", "POLL"] },
            "text": { "type": "string" },
            "url": { "type": "string" },
            "caption": { "type": "string" },
            "file_name": { "type": "string" },
            "options": { "type": "array", "items": { "type": "string" } },
            "timeout": { "$ref": "#/$defs/duration" },
            "save_as": { "type": "string" },
            "retries": {
              "type": "array",
              "items": {
                "type": "object",
                "properties": {
                  "type": { "enum": ["TEXT", "IMAGE", "VIDEO", "AUDIO", "VOICE", "DOCUMENT", "POLL"] },
                  "text": { "type": "string" },
                  "url": { "type": "string" },
                  "caption": { "type": "string" },
                  "file_name": { "type": "string" },
                  "options": { "type": "array", "items": { "type": "string" } },
                  "timeout": { "$ref": "#/$defs/duration" }
                },
                "additionalProperties": false
              }
            }
          },
          "additionalProperties": false
        },
        "tag": {
          "type": "object",
          "properties": {
            "add": { "type": "string" },
            "remove": { "type": "string" },
            "count": { "type": "integer" },
            "clear": { "type": "boolean" }
          },
          "additionalProperties": false
        },
        "set": {
          "type": "object",
          "required": ["key"],
          "properties": {
            "key": { "type": "string", "minLength": 1 },
            "expr": { "type": "string" },
            "jq": { "type": "string" }
          },
          "additionalProperties": false
        },
        "wait": { "$ref": "#/$defs/duration" },
        "log": {
          "type": "object",
          "required": ["text"],
          "properties": {
            "level": { "enum": ["debug", "info", "warn", "error"] },
            "text": { "type": "string" }
          },
          "additionalProperties": false
        }
      },
      "additionalProperties": false
    },
    "next": {
      "type": "object",
      "properties": {
        "when": { "type": "string" },
        "stage": { "type": "string" },
        "loop": { "type": "boolean" },
        "restart": { "type": "boolean" },
        "end": { "enum": ["COMPLETED", "CANCELED"] }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator validates funnel definitions and script args.
// It is safe for concurrent use.
type JSONSchemaValidator struct {
	funnelSchema *jsonschema.Schema

	// mu guards the cache of compiled param schemas.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator creates a JSONSchemaValidator with the funnel schema pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := newCompiler()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(funnelSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal funnel schema: %w", err)
	}
	if err := c.AddResource(funnelSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add funnel schema resource: %w", err)
	}
	compiled, err := c.Compile(funnelSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile funnel schema: %w", err)
	}

	return &JSONSchemaValidator{
		funnelSchema: compiled,
		cache:        make(map[string]*jsonschema.Schema),
	}, nil
}

var (
	defaultOnce      sync.Once
	defaultValidator *JSONSchemaValidator
	defaultErr       error
)

// ValidateArgs checks args against params with a process-wide validator.
func ValidateArgs(params []schema.Param, args []schema.Arg) error {
	defaultOnce.Do(func() {
		defaultValidator, defaultErr = NewJSONSchemaValidator()
	})
	if defaultErr != nil {
		return defaultErr
	}
	return defaultValidator.ValidateArgs(params, args)
}

// ValidateDefinition validates a FunnelDefinition against the funnel JSON Schema.
func (v *JSONSchemaValidator) ValidateDefinition(def *schema.FunnelDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "funnel definition is nil")
	}

	doc, err := toJSONValue(def)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize funnel definition").WithCause(err)
	}
	if err := v.funnelSchema.Validate(doc); err != nil {
		return toFunnelError(err)
	}
	return nil
}

// ValidateArgs validates configured args against the JSON schema derived from params.
// Args without a matching param are ignored. Nil values count as unset.
func (v *JSONSchemaValidator) ValidateArgs(params []schema.Param, args []schema.Arg) error {
	if len(params) == 0 {
		return nil
	}

	raw, err := ParamsSchema(params)
	if err != nil {
		return err
	}
	compiled, err := v.getOrCompile(raw)
	if err != nil {
		return schema.NewError(schema.ErrCodeConfiguration, "invalid param schema").WithCause(err)
	}

	input := make(map[string]any, len(args))
	for k, val := range schema.ArgsMap(args) {
		if val != nil {
			input[k] = val
		}
	}
	doc, err := toJSONValue(input)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize args").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return toFunnelError(err)
	}
	return nil
}

// ParamsSchema renders params as a JSON Schema object. A required param with a
// default is not required in the args.
func ParamsSchema(params []schema.Param) ([]byte, error) {
	props := make(map[string]any, len(params))
	required := []string{}
	for _, p := range params {
		if _, dup := props[p.Key]; dup {
			return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "duplicate param key %q", p.Key)
		}
		prop, err := paramType(p.Type)
		if err != nil {
			return nil, err
		}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		props[p.Key] = prop
		if p.Required && p.Default == nil {
			required = append(required, p.Key)
		}
	}
	return json.Marshal(map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	})
}

func paramType(t schema.ParamType) (map[string]any, error) {
	switch t {
	case schema.ParamText, schema.ParamVar:
		return map[string]any{"type": "string"}, nil
	case schema.ParamWebhook:
		return map[string]any{"type": "string", "format": "uri"}, nil
	case schema.ParamTextList:
		return map[string]any{"type": "array", "items": map[string]any{"type": "string"}}, nil
	case schema.ParamNumber:
		return map[string]any{"type": "number"}, nil
	case schema.ParamLogic:
		return map[string]any{"type": "boolean"}, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "unknown param type %q", t)
	}
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	url := fmt.Sprintf("funnel://param-schema/%d", len(v.cache))
	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips a Go value through JSON so that numbers become
// json.Number, as the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toFunnelError converts a jsonschema.ValidationError into a VALIDATION_ERROR
// listing every leaf violation.
func toFunnelError(err error) *schema.FunnelError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "validation failed with %d errors", len(violations)).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf messages
// with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
