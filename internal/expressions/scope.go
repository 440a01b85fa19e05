package expressions

import "encoding/json"

// Scope variable names, shared by every engine and by interpolation.
const (
	VarParams   = "params"
	VarMetadata = "metadata"
	VarReply    = "reply"
	VarContact  = "contact"
	VarStage    = "stage"
	VarVars     = "vars"
)

// ScopeVars lists the variables a funnel expression can reference.
var ScopeVars = []string{VarParams, VarMetadata, VarReply, VarContact, VarStage}

// Scope is the data visible to one expression or template evaluation. It is
// a snapshot: NewScope and With* deep-copy so later stage metadata writes do
// not leak into an evaluation in flight.
type Scope struct {
	Params   map[string]any
	Metadata map[string]any
	Reply    string
	Contact  string
	Stage    string
}

// NewScope builds a frozen scope.
func NewScope(contact, stage string, params, metadata map[string]any) *Scope {
	return &Scope{
		Params:   deepCopyMap(params),
		Metadata: deepCopyMap(metadata),
		Contact:  contact,
		Stage:    stage,
	}
}

// WithReply returns a copy of s carrying the last answer.
func (s *Scope) WithReply(reply string) *Scope {
	cp := *s
	cp.Reply = reply
	return &cp
}

// WithMetadata returns a copy of s with key set in metadata.
func (s *Scope) WithMetadata(key string, value any) *Scope {
	cp := *s
	cp.Metadata = deepCopyMap(s.Metadata)
	if cp.Metadata == nil {
		cp.Metadata = make(map[string]any, 1)
	}
	cp.Metadata[key] = deepCopyAny(value)
	return &cp
}

// Data returns the scope as an evaluation environment. Nil maps become
// empty maps so field access on an unset namespace is a missing key, not
// a nil dereference.
func (s *Scope) Data() map[string]any {
	params, metadata := s.Params, s.Metadata
	if params == nil {
		params = map[string]any{}
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	return map[string]any{
		VarParams:   params,
		VarMetadata: metadata,
		VarReply:    s.Reply,
		VarContact:  s.Contact,
		VarStage:    s.Stage,
	}
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyAny(item)
		}
		return cp
	case []string:
		return append([]string(nil), val...)
	case json.RawMessage:
		if val == nil {
			return nil
		}
		return append(json.RawMessage(nil), val...)
	default:
		return v
	}
}
