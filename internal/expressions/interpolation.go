package expressions

import (
	"context"
	"encoding/json"
	"slices"
	"strconv"
	"strings"

	"github.com/rendis/funnel/pkg/schema"
)

// Revealer decrypts safevars. Satisfied by secrets.Vault.
type Revealer interface {
	Reveal(ctx context.Context, name string) (string, error)
}

// Interpolator renders {{ ... }} references in funnel texts.
//
//	{{ params.greeting }}    script argument
//	{{ metadata.name }}      stage metadata field (dot paths traverse objects)
//	{{ reply }}              last answer
//	{{ contact }} {{ stage }}
//	{{ vars.api_key }}       plaintext of the safevar named by a VAR param
//
// Rendering is two-pass: vars.* references resolve last so a revealed
// plaintext is never scanned for further references.
type Interpolator struct {
	vault Revealer
}

// NewInterpolator creates an Interpolator. vault may be nil when no script
// references vars.*.
func NewInterpolator(vault Revealer) *Interpolator {
	return &Interpolator{vault: vault}
}

// Render resolves every reference in text against scope.
func (interp *Interpolator) Render(ctx context.Context, text string, scope *Scope) (string, error) {
	if !HasInterpolation(text) {
		return text, nil
	}
	out, err := interp.renderPass(ctx, text, scope, false)
	if err != nil {
		return "", err
	}
	return interp.renderPass(ctx, out, scope, true)
}

// HasInterpolation reports whether text contains a {{ reference.
func HasInterpolation(text string) bool {
	return strings.Contains(text, "{{")
}

// References lists the trimmed references in text, in order of appearance.
func References(text string) ([]string, error) {
	var refs []string
	err := scanTokens(text, func(_, _ int, ref string) error {
		refs = append(refs, ref)
		return nil
	})
	return refs, err
}

func (interp *Interpolator) renderPass(ctx context.Context, input string, scope *Scope, varPass bool) (string, error) {
	var result strings.Builder
	result.Grow(len(input))
	i := 0
	err := scanTokens(input, func(start, end int, ref string) error {
		result.WriteString(input[i:start])
		i = end
		if isVarRef(ref) != varPass {
			result.WriteString(input[start:end])
			return nil
		}
		val, err := interp.resolve(ctx, ref, scope)
		if err != nil {
			return err
		}
		result.WriteString(inline(val))
		return nil
	})
	if err != nil {
		return "", err
	}
	result.WriteString(input[i:])
	return result.String(), nil
}

func isVarRef(ref string) bool {
	return strings.HasPrefix(ref, VarVars+".")
}

// scanTokens finds {{ ... }} tokens and calls fn with the token bounds and
// the trimmed reference.
func scanTokens(input string, fn func(start, end int, ref string) error) error {
	i := 0
	for i < len(input) {
		idx := strings.Index(input[i:], "{{")
		if idx == -1 {
			return nil
		}
		start := i + idx
		open := start + 2
		closing := strings.Index(input[open:], "}}")
		if closing == -1 {
			return schema.NewError(schema.ErrCodeInterpolation, "unclosed {{ reference")
		}
		end := open + closing + 2
		ref := strings.TrimSpace(input[open : open+closing])

		if strings.Contains(ref, "{{") {
			return schema.NewError(schema.ErrCodeInterpolation, "nested {{ references are not allowed")
		}
		if ref == "" {
			return schema.NewError(schema.ErrCodeInterpolation, "empty reference {{ }}")
		}
		if err := fn(start, end, ref); err != nil {
			return err
		}
		i = end
	}
	return nil
}

func (interp *Interpolator) resolve(ctx context.Context, ref string, scope *Scope) (any, error) {
	namespace, path, _ := strings.Cut(ref, ".")

	switch namespace {
	case VarReply:
		return scalar(ref, path, scope.Reply)
	case VarContact:
		return scalar(ref, path, scope.Contact)
	case VarStage:
		return scalar(ref, path, scope.Stage)
	case VarParams:
		return lookup(scope.Params, path, ref)
	case VarMetadata:
		return lookup(scope.Metadata, path, ref)
	case VarVars:
		return interp.reveal(ctx, ref, path, scope)
	default:
		available := []string{VarParams, VarMetadata, VarReply, VarContact, VarStage, VarVars}
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"unknown namespace %q in {{%s}}; available: %s", namespace, ref, strings.Join(available, ", ")).
			WithDetails(map[string]any{"reference": ref, "available_namespaces": available})
	}
}

func scalar(ref, path, value string) (any, error) {
	if path != "" {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation, "%q has no fields", ref).
			WithDetails(map[string]any{"reference": ref})
	}
	return value, nil
}

// reveal resolves vars.<param>: the param holds the safevar name.
func (interp *Interpolator) reveal(ctx context.Context, ref, param string, scope *Scope) (any, error) {
	if param == "" {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation, "invalid reference %q: expected vars.<param>", ref)
	}
	name, ok := scope.Params[param].(string)
	if !ok || name == "" {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation, "var param %q is not set", param).
			WithDetails(map[string]any{"reference": ref})
	}
	if interp.vault == nil {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation, "cannot reveal %q: no vault configured", param)
	}
	plaintext, err := interp.vault.Reveal(ctx, name)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation, "reveal var %q: %s", param, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"reference": ref})
	}
	return plaintext, nil
}

// lookup resolves a dot path inside m. A key containing dots matches before
// traversal.
func lookup(m map[string]any, path, ref string) (any, error) {
	if path == "" {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation, "invalid reference %q: expected a field", ref)
	}
	if val, ok := m[path]; ok {
		return val, nil
	}

	var current any = m
	for seg := range strings.SplitSeq(path, ".") {
		if seg == "" {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation, "empty segment in %q", ref)
		}
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"cannot traverse into non-object at %q in %q (type: %T)", seg, ref, current).
				WithDetails(map[string]any{"reference": ref})
		}
		val, ok := obj[seg]
		if !ok {
			keys := mapKeys(obj)
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"field %q not found in %q; available: [%s]", seg, ref, strings.Join(keys, ", ")).
				WithDetails(map[string]any{"reference": ref, "available_fields": keys})
		}
		current = val
	}
	return current, nil
}

// inline renders a resolved value as chat text. Whole numbers print without
// a decimal part; lists of strings are comma separated.
func inline(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return ""
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case []string:
		return strings.Join(v, ", ")
	case []any:
		parts := make([]string, len(v))
		for i, item := range v {
			parts[i] = inline(item)
		}
		return strings.Join(parts, ", ")
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

func mapKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
