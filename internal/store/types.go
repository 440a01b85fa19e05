package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/funnel/pkg/schema"
)

// Coordinate identifies the Nth wrapped call of one stage run.
// Run scopes the sequence to a single visit of a stage, so re-entering a stage
// executes its calls again instead of replaying the previous visit.
type Coordinate struct {
	ScriptID     string `json:"script_id"`
	AutomationID string `json:"automation_id"`
	Run          int64  `json:"stage_run"`
	Sequence     int64  `json:"sequence"`
	Internal     bool   `json:"internal"`
}

// ExecutionEntry is one immutable row of the execution log.
type ExecutionEntry struct {
	ID int64 `json:"id"`
	Coordinate
	StageName    string          `json:"stage_name,omitempty"`
	FuncName     string          `json:"func_name"`
	Args         json.RawMessage `json:"args,omitempty"`
	CachedResult json.RawMessage `json:"cached_result,omitempty"`
	Error        string          `json:"error,omitempty"`
	DurationMs   int64           `json:"duration_ms"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Failed reports whether the entry records a failed call.
func (e *ExecutionEntry) Failed() bool {
	return e.Error != ""
}

// ExecutionFilter narrows ListExecutions.
type ExecutionFilter struct {
	ScriptID     string
	AutomationID string
	StageName    string
	FuncName     string
	FailedOnly   bool
	Limit        int
}

// TimerRecord is the persisted state of a durable timer.
type TimerRecord struct {
	Name      string        `json:"name"`
	ScriptID  string        `json:"script_id"`
	Sequence  int64         `json:"sequence"`
	Internal  bool          `json:"internal"`
	Duration  time.Duration `json:"duration"`
	StartedAt *time.Time    `json:"started_at,omitempty"`
	Canceled  bool          `json:"canceled"`
}

// LogLevel is the severity of a script log line.
type LogLevel string

const (
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
	LogDebug LogLevel = "debug"
)

// ScriptLog is a diagnostic line written by a running script.
type ScriptLog struct {
	ID           int64           `json:"id"`
	ScriptID     string          `json:"script_id"`
	AutomationID string          `json:"automation_id"`
	Level        LogLevel        `json:"level"`
	Text         string          `json:"text"`
	Data         json.RawMessage `json:"data,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// ScriptLogFilter narrows ListScriptLogs.
type ScriptLogFilter struct {
	ScriptID string
	Level    LogLevel
	Limit    int
}

// Conversation is the durable instruction pointer of a funnel run.
type Conversation struct {
	ID           string                    `json:"id"`
	AutomationID string                    `json:"automation_id"`
	Contact      string                    `json:"contact"`
	ContactName  string                    `json:"contact_name,omitempty"`
	Script       schema.ScriptRef          `json:"script"`
	Args         []schema.Arg              `json:"args,omitempty"`
	Status       schema.ConversationStatus `json:"status"`
	CurrentStage string                    `json:"current_stage"`
	StageRun     int64                     `json:"stage_run"`
	TestMode     bool                      `json:"test_mode"`
	Error        string                    `json:"error,omitempty"`
	CreatedAt    time.Time                 `json:"created_at"`
	UpdatedAt    time.Time                 `json:"updated_at"`
}

// ConversationUpdate holds the mutable fields. Nil pointers are left unchanged.
type ConversationUpdate struct {
	Status       *schema.ConversationStatus
	CurrentStage *string
	StageRun     *int64
	Error        *string
}

// ConversationFilter narrows ListConversations.
type ConversationFilter struct {
	AutomationID string
	Contact      string
	Statuses     []schema.ConversationStatus
	Limit        int
}

// Tag is a label attached to a conversation. Names may repeat.
type Tag struct {
	ID             int64     `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Name           string    `json:"name"`
	CreatedAt      time.Time `json:"created_at"`
}

// PathRecord is one visited stage, numbered per conversation.
type PathRecord struct {
	ConversationID string    `json:"conversation_id"`
	Sequence       int64     `json:"sequence"`
	StageName      string    `json:"stage_name"`
	CreatedAt      time.Time `json:"created_at"`
}

// StoredMessage is a chat message persisted against a conversation.
type StoredMessage struct {
	schema.Message
	ConversationID string       `json:"conversation_id"`
	Agent          schema.Agent `json:"agent"`
	AgentID        string       `json:"agent_id,omitempty"`
	StageName      string       `json:"stage_name,omitempty"`
	// Processed is set once a script consumed the message as input.
	Processed bool `json:"processed"`
}

// MessageFilter narrows ListMessages.
type MessageFilter struct {
	ConversationID string
	Agent          schema.Agent
	PendingOnly    bool
	Limit          int
}
