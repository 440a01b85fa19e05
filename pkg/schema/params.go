package schema

// ParamType is the declared type of a script parameter.
type ParamType string

const (
	ParamText     ParamType = "TEXT"
	ParamTextList ParamType = "TEXT_LIST"
	ParamNumber   ParamType = "NUMBER"
	ParamLogic    ParamType = "LOGIC"
	ParamWebhook  ParamType = "WEBHOOK"
	// ParamVar args hold the name of an encrypted safevar, never its value.
	ParamVar ParamType = "VAR"
)

// Param declares one configurable input of a funnel script.
type Param struct {
	Key         string    `json:"key" yaml:"key"`
	Name        string    `json:"name" yaml:"name"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	Required    bool      `json:"required,omitempty" yaml:"required,omitempty"`
	Type        ParamType `json:"type" yaml:"type"`
	Default     any       `json:"default,omitempty" yaml:"default,omitempty"`
}

// Arg is a configured value for a Param.
type Arg struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// ArgsMap indexes args by key. Later duplicates win.
func ArgsMap(args []Arg) map[string]any {
	m := make(map[string]any, len(args))
	for _, a := range args {
		m[a.Key] = a.Value
	}
	return m
}

// ScriptRef identifies which funnel script a conversation runs.
// Exactly one of ID or Name is set.
type ScriptRef struct {
	ID      string `json:"id,omitempty"`
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
}

// Empty reports whether the ref names no script.
func (r ScriptRef) Empty() bool {
	return r.ID == "" && r.Name == ""
}

// Ambiguous reports whether the ref names a script both by id and by name.
func (r ScriptRef) Ambiguous() bool {
	return r.ID != "" && r.Name != ""
}

func (r ScriptRef) String() string {
	key := r.Name
	if r.ID != "" {
		key = "#" + r.ID
	}
	if r.Version != "" {
		return key + "@" + r.Version
	}
	return key
}
