package validation

import "github.com/rendis/funnel/pkg/schema"

// Validator checks funnel definitions and script args before a conversation starts.
// Uses JSON Schema Draft 2020-12.
type Validator interface {
	ValidateDefinition(def *schema.FunnelDefinition) error
	ValidateArgs(params []schema.Param, args []schema.Arg) error
}

// FunnelValidator orchestrates the validation pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (stage names, next targets, action shapes)
// 3. Reachability (stages no rule leads to)
type FunnelValidator struct {
	jsonSchema *JSONSchemaValidator
}

// NewFunnelValidator creates a FunnelValidator.
func NewFunnelValidator() (*FunnelValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &FunnelValidator{jsonSchema: jsv}, nil
}

// Validate runs the full pipeline and returns an aggregated result.
// Structural errors short-circuit the later passes.
func (fv *FunnelValidator) Validate(def *schema.FunnelDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "funnel definition is nil")
		return r
	}

	result := validateStructural(fv.jsonSchema, def)
	if !result.Valid() {
		return result
	}

	result.Merge(validateSemantic(def))

	// Skip if semantic errors: targets may be dangling.
	if result.Valid() {
		result.Merge(validateReachability(def))
	}
	return result
}

// ValidateDefinition satisfies the Validator interface.
func (fv *FunnelValidator) ValidateDefinition(def *schema.FunnelDefinition) error {
	return fv.Validate(def).ToError()
}

// ValidateArgs delegates to the underlying JSONSchemaValidator.
func (fv *FunnelValidator) ValidateArgs(params []schema.Param, args []schema.Arg) error {
	return fv.jsonSchema.ValidateArgs(params, args)
}

// validateStructural converts the JSON schema pass into a ValidationResult.
func validateStructural(v *JSONSchemaValidator, def *schema.FunnelDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	err := v.ValidateDefinition(def)
	if err == nil {
		return result
	}

	fe, ok := err.(*schema.FunnelError)
	if !ok {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}
	if violations, ok := fe.Details["violations"].([]string); ok && len(violations) > 0 {
		for _, v := range violations {
			result.AddError("/", schema.ErrCodeValidation, v)
		}
		return result
	}
	result.AddError("/", fe.Code, fe.Message)
	return result
}
