package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rendis/funnel/pkg/schema"
)

// ExecutionLog is the append-only replay log of wrapped step calls.
type ExecutionLog interface {
	RecordExecution(ctx context.Context, entry *ExecutionEntry) error
	// FindLatestSuccess returns the newest entry at exactly coord with no error,
	// or nil when the coordinate was never completed.
	FindLatestSuccess(ctx context.Context, coord Coordinate) (*ExecutionEntry, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*ExecutionEntry, error)
}

// VarStore is durable scratch space scoped to one execution coordinate.
type VarStore interface {
	// GetCachedVar returns the stored value, storing def first when absent.
	GetCachedVar(ctx context.Context, coord Coordinate, name string, def json.RawMessage) (json.RawMessage, error)
	SetCachedVar(ctx context.Context, coord Coordinate, name string, value json.RawMessage) error
	ClearCachedVars(ctx context.Context, coord Coordinate) error
	ClearScriptCachedVars(ctx context.Context, scriptID string) error
}

// TimerStore persists durable timer state.
type TimerStore interface {
	// GetOrCreateTimer returns the timer at (coord, name), creating it with
	// duration when absent. created reports whether this call inserted it.
	GetOrCreateTimer(ctx context.Context, coord Coordinate, name string, duration time.Duration) (rec *TimerRecord, created bool, err error)
	StartTimer(ctx context.Context, coord Coordinate, name string, startedAt time.Time) error
	CancelTimer(ctx context.Context, coord Coordinate, name string) error
	ClearTimers(ctx context.Context, coord Coordinate) error
	ClearScriptTimers(ctx context.Context, scriptID string) error
}

// ScriptLogStore holds diagnostic logs written by scripts.
type ScriptLogStore interface {
	AppendScriptLog(ctx context.Context, log *ScriptLog) error
	ListScriptLogs(ctx context.Context, filter ScriptLogFilter) ([]*ScriptLog, error)
}

// ConversationStore is the relational side consulted by the engine.
type ConversationStore interface {
	CreateConversation(ctx context.Context, c *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	FindActiveConversation(ctx context.Context, automationID, contact string) (*Conversation, error)
	UpdateConversation(ctx context.Context, id string, update ConversationUpdate) error
	ListConversations(ctx context.Context, filter ConversationFilter) ([]*Conversation, error)

	AddTag(ctx context.Context, conversationID, name string) (*Tag, error)
	ListTags(ctx context.Context, conversationID string) ([]*Tag, error)
	DeleteTags(ctx context.Context, conversationID string, ids []int64) error
	DeleteTagsByName(ctx context.Context, conversationID, name string) error
	ClearTags(ctx context.Context, conversationID string) error

	// GetStageMetadata returns nil without error when the stage has no metadata row.
	GetStageMetadata(ctx context.Context, conversationID, stage string) (map[string]any, error)
	PutStageMetadata(ctx context.Context, conversationID, stage string, metadata map[string]any) error
	DeleteStageMetadata(ctx context.Context, conversationID, stage string) error

	AppendPath(ctx context.Context, rec *PathRecord) error
	ListPath(ctx context.Context, conversationID string) ([]*PathRecord, error)

	SaveMessages(ctx context.Context, msgs []*StoredMessage) error
	GetMessages(ctx context.Context, ids []string) ([]*StoredMessage, error)
	ListMessages(ctx context.Context, filter MessageFilter) ([]*StoredMessage, error)
	MarkMessagesProcessed(ctx context.Context, ids []string) error
}

// SafevarStore persists encrypted script variables.
type SafevarStore interface {
	PutSafevar(ctx context.Context, name string, value []byte) error
	GetSafevar(ctx context.Context, name string) ([]byte, error)
	DeleteSafevar(ctx context.Context, name string) error
	ListSafevars(ctx context.Context) ([]string, error)
}

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	ExecutionLog
	VarStore
	TimerStore
	ScriptLogStore
	ConversationStore
	SafevarStore

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}

// ensure LibSQLStore satisfies the full contract.
var _ Store = (*LibSQLStore)(nil)

// ActiveStatuses are the statuses of a conversation that may still run.
var ActiveStatuses = []schema.ConversationStatus{
	schema.StatusCreated, schema.StatusExecuting, schema.StatusAwaiting, schema.StatusBroken,
}
