package schema

import (
	"strings"
	"time"
)

// FunnelDefinition is a declarative funnel script loaded from YAML or JSON.
type FunnelDefinition struct {
	ID      string            `json:"id,omitempty" yaml:"id,omitempty"`
	Name    string            `json:"name" yaml:"name"`
	Version string            `json:"version,omitempty" yaml:"version,omitempty"`
	Params  []Param           `json:"params,omitempty" yaml:"params,omitempty"`
	Start   StageDefinition   `json:"start" yaml:"start"`
	Stages  []StageDefinition `json:"stages,omitempty" yaml:"stages,omitempty"`
	End     *StageDefinition  `json:"end,omitempty" yaml:"end,omitempty"`
}

// StageDefinition lists the actions of a stage and the rules choosing the next one.
// Name is ignored for start and end.
type StageDefinition struct {
	Name    string             `json:"name,omitempty" yaml:"name,omitempty"`
	Actions []ActionDefinition `json:"actions,omitempty" yaml:"actions,omitempty"`
	Next    []NextRule         `json:"next,omitempty" yaml:"next,omitempty"`
}

// ActionDefinition is one step of a stage. Exactly one field is set.
type ActionDefinition struct {
	Send *SendAction `json:"send,omitempty" yaml:"send,omitempty"`
	Ask  *AskAction  `json:"ask,omitempty" yaml:"ask,omitempty"`
	Tag  *TagAction  `json:"tag,omitempty" yaml:"tag,omitempty"`
	Set  *SetAction  `json:"set,omitempty" yaml:"set,omitempty"`
	Wait string      `json:"wait,omitempty" yaml:"wait,omitempty"`
	Log  *LogAction  `json:"log,omitempty" yaml:"log,omitempty"`
}

// Kind returns the name of the set action field, or "" when none or several are set.
func (a ActionDefinition) Kind() string {
	var kinds []string
	if a.Send != nil {
		kinds = append(kinds, "send")
	}
	if a.Ask != nil {
		kinds = append(kinds, "ask")
	}
	if a.Tag != nil {
		kinds = append(kinds, "tag")
	}
	if a.Set != nil {
		kinds = append(kinds, "set")
	}
	if a.Wait != "" {
		kinds = append(kinds, "wait")
	}
	if a.Log != nil {
		kinds = append(kinds, "log")
	}
	if len(kinds) != 1 {
		return ""
	}
	return kinds[0]
}

// SendAction sends one message. Type defaults to TEXT, or POLL when Options are set.
type SendAction struct {
	Type     MessageType `json:"type,omitempty" yaml:"type,omitempty"`
	Text     string      `json:"text,omitempty" yaml:"text,omitempty"`
	URL      string      `json:"url,omitempty" yaml:"url,omitempty"`
	Caption  string      `json:"caption,omitempty" yaml:"caption,omitempty"`
	FileName string      `json:"file_name,omitempty" yaml:"file_name,omitempty"`
	Options  []string    `json:"options,omitempty" yaml:"options,omitempty"`
}

// Message builds the message to send.
func (s SendAction) Message() Message {
	t := s.Type
	if t == "" {
		t = MessageText
		if len(s.Options) > 0 {
			t = MessagePoll
		}
	}
	return Message{Type: t, Text: s.Text, URL: s.URL, Caption: s.Caption, FileName: s.FileName, Options: s.Options}
}

// AskAction sends a question and waits for the reply.
type AskAction struct {
	SendAction `yaml:",inline"`
	Timeout    string        `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Retries    []RetryAction `json:"retries,omitempty" yaml:"retries,omitempty"`
	// SaveAs stores the reply text in the stage metadata under this key.
	SaveAs string `json:"save_as,omitempty" yaml:"save_as,omitempty"`
}

// RetryAction is the message re-sent when a question times out.
type RetryAction struct {
	SendAction `yaml:",inline"`
	Timeout    string `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// TagAction adds, removes or clears conversation tags.
type TagAction struct {
	Add    string `json:"add,omitempty" yaml:"add,omitempty"`
	Remove string `json:"remove,omitempty" yaml:"remove,omitempty"`
	// Count limits how many Remove tags are deleted; 0 deletes all of them.
	Count int  `json:"count,omitempty" yaml:"count,omitempty"`
	Clear bool `json:"clear,omitempty" yaml:"clear,omitempty"`
}

// SetAction assigns a stage metadata key from an expr or jq expression.
type SetAction struct {
	Key  string `json:"key" yaml:"key"`
	Expr string `json:"expr,omitempty" yaml:"expr,omitempty"`
	JQ   string `json:"jq,omitempty" yaml:"jq,omitempty"`
}

// LogAction writes a script log line.
type LogAction struct {
	Level string `json:"level,omitempty" yaml:"level,omitempty"`
	Text  string `json:"text" yaml:"text"`
}

// NextRule picks the next stage when its optional CEL guard holds.
// Exactly one of Stage, Loop, Restart or End is set.
type NextRule struct {
	When    string             `json:"when,omitempty" yaml:"when,omitempty"`
	Stage   string             `json:"stage,omitempty" yaml:"stage,omitempty"`
	Loop    bool               `json:"loop,omitempty" yaml:"loop,omitempty"`
	Restart bool               `json:"restart,omitempty" yaml:"restart,omitempty"`
	End     ConversationStatus `json:"end,omitempty" yaml:"end,omitempty"`
}

// Targets counts how many destinations the rule names.
func (n NextRule) Targets() int {
	c := 0
	if n.Stage != "" {
		c++
	}
	if n.Loop {
		c++
	}
	if n.Restart {
		c++
	}
	if n.End != "" {
		c++
	}
	return c
}

// ParseDuration parses an optional duration field. Empty means zero.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}
