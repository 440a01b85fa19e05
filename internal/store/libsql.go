package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/funnel/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/funnel.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	// Replay correctness depends on a write being visible to the very next
	// read on the same coordinate, so every statement shares one connection.
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Conversations ---

const conversationColumns = `id, automation_id, contact, contact_name, script_id, script_name, script_version,
	script_args, status, current_stage, stage_run, test_mode, error, created_at, updated_at`

func (s *LibSQLStore) CreateConversation(ctx context.Context, c *Conversation) error {
	args, err := json.Marshal(c.Args)
	if err != nil {
		return fmt.Errorf("marshal script args: %w", err)
	}
	if c.CurrentStage == "" {
		c.CurrentStage = schema.StageStart
	}
	if c.Status == "" {
		c.Status = schema.StatusCreated
	}
	c.CreatedAt = timeOrNow(c.CreatedAt)
	c.UpdatedAt = c.CreatedAt

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conversations (`+conversationColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.AutomationID, c.Contact, nullStr(c.ContactName),
		nullStr(c.Script.ID), nullStr(c.Script.Name), nullStr(c.Script.Version),
		string(args), string(c.Status), c.CurrentStage, c.StageRun, boolInt(c.TestMode), nullStr(c.Error),
		c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("conversation", id)
	}
	return c, err
}

func (s *LibSQLStore) FindActiveConversation(ctx context.Context, automationID, contact string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations
		 WHERE automation_id = ? AND contact = ? AND status NOT IN (?, ?)
		 ORDER BY created_at DESC LIMIT 1`,
		automationID, contact, string(schema.StatusCompleted), string(schema.StatusCanceled),
	)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("active conversation for contact", contact)
	}
	return c, err
}

func (s *LibSQLStore) UpdateConversation(ctx context.Context, id string, update ConversationUpdate) error {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC()}

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.CurrentStage != nil {
		sets = append(sets, "current_stage = ?")
		args = append(args, *update.CurrentStage)
	}
	if update.StageRun != nil {
		sets = append(sets, "stage_run = ?")
		args = append(args, *update.StageRun)
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, nullStr(*update.Error))
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	return checkRowsAffected(res, "conversation", id)
}

func (s *LibSQLStore) ListConversations(ctx context.Context, filter ConversationFilter) ([]*Conversation, error) {
	var where []string
	var args []any

	if filter.AutomationID != "" {
		where = append(where, "automation_id = ?")
		args = append(args, filter.AutomationID)
	}
	if filter.Contact != "" {
		where = append(where, "contact = ?")
		args = append(args, filter.Contact)
	}
	if len(filter.Statuses) > 0 {
		marks := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}

	query := `SELECT ` + conversationColumns + ` FROM conversations`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	c := &Conversation{}
	var contactName, scriptID, scriptName, scriptVersion, scriptArgs, errMsg sql.NullString
	var status string
	err := row.Scan(&c.ID, &c.AutomationID, &c.Contact, &contactName, &scriptID, &scriptName, &scriptVersion,
		&scriptArgs, &status, &c.CurrentStage, &c.StageRun, &c.TestMode, &errMsg, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.ContactName = contactName.String
	c.Script = schema.ScriptRef{ID: scriptID.String, Name: scriptName.String, Version: scriptVersion.String}
	c.Status = schema.ConversationStatus(status)
	c.Error = errMsg.String
	if raw := rawOrNil(scriptArgs); raw != nil {
		if err := json.Unmarshal(raw, &c.Args); err != nil {
			return nil, fmt.Errorf("unmarshal script args: %w", err)
		}
	}
	return c, nil
}

// --- Tags ---

func (s *LibSQLStore) AddTag(ctx context.Context, conversationID, name string) (*Tag, error) {
	tag := &Tag{ConversationID: conversationID, Name: name, CreatedAt: time.Now().UTC()}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tags (conversation_id, name, created_at) VALUES (?, ?, ?)`,
		conversationID, name, tag.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert tag: %w", err)
	}
	if tag.ID, err = res.LastInsertId(); err != nil {
		return nil, err
	}
	return tag, nil
}

func (s *LibSQLStore) ListTags(ctx context.Context, conversationID string) ([]*Tag, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, name, created_at FROM tags WHERE conversation_id = ? ORDER BY id ASC`,
		conversationID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tags []*Tag
	for rows.Next() {
		t := &Tag{}
		if err := rows.Scan(&t.ID, &t.ConversationID, &t.Name, &t.CreatedAt); err != nil {
			return nil, err
		}
		tags = append(tags, t)
	}
	return tags, rows.Err()
}

func (s *LibSQLStore) DeleteTags(ctx context.Context, conversationID string, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	marks := make([]string, len(ids))
	args := []any{conversationID}
	for i, id := range ids {
		marks[i] = "?"
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM tags WHERE conversation_id = ? AND id IN (`+strings.Join(marks, ", ")+`)`, args...)
	return err
}

func (s *LibSQLStore) DeleteTagsByName(ctx context.Context, conversationID, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tags WHERE conversation_id = ? AND name = ?`, conversationID, name)
	return err
}

func (s *LibSQLStore) ClearTags(ctx context.Context, conversationID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tags WHERE conversation_id = ?`, conversationID)
	return err
}

// --- Stage Metadata ---

func (s *LibSQLStore) GetStageMetadata(ctx context.Context, conversationID, stage string) (map[string]any, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT metadata FROM stage_metadata WHERE conversation_id = ? AND stage_name = ?`,
		conversationID, stage,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	md := map[string]any{}
	if err := json.Unmarshal([]byte(raw), &md); err != nil {
		return nil, fmt.Errorf("unmarshal stage metadata: %w", err)
	}
	return md, nil
}

func (s *LibSQLStore) PutStageMetadata(ctx context.Context, conversationID, stage string, metadata map[string]any) error {
	raw, err := marshalMapOrDefault(metadata)
	if err != nil {
		return fmt.Errorf("marshal stage metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO stage_metadata (conversation_id, stage_name, metadata, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(conversation_id, stage_name) DO UPDATE SET metadata=excluded.metadata, updated_at=excluded.updated_at`,
		conversationID, stage, string(raw), time.Now().UTC(),
	)
	return err
}

func (s *LibSQLStore) DeleteStageMetadata(ctx context.Context, conversationID, stage string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM stage_metadata WHERE conversation_id = ? AND stage_name = ?`, conversationID, stage)
	return err
}

// --- Messages ---

func (s *LibSQLStore) SaveMessages(ctx context.Context, msgs []*StoredMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, m := range msgs {
		content, err := json.Marshal(m.Message)
		if err != nil {
			return fmt.Errorf("marshal message %s: %w", m.ID, err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO messages (id, conversation_id, agent, agent_id, type, content, stage_name, quote_id, processed, date)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, m.ConversationID, string(m.Agent), nullStr(m.AgentID), string(m.Type), string(content),
			nullStr(m.StageName), nullStr(m.QuoteID), boolInt(m.Processed), timeOrNow(m.Date),
		)
		if err != nil {
			return fmt.Errorf("insert message %s: %w", m.ID, err)
		}
	}
	return tx.Commit()
}

const messageColumns = `id, conversation_id, agent, agent_id, content, stage_name, processed, date`

// GetMessages returns the stored messages for ids, in the order of ids.
// Unknown ids are skipped.
func (s *LibSQLStore) GetMessages(ctx context.Context, ids []string) ([]*StoredMessage, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	marks := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		marks[i] = "?"
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id IN (`+strings.Join(marks, ", ")+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byID := make(map[string]*StoredMessage, len(ids))
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		byID[m.ID] = m
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*StoredMessage, 0, len(ids))
	for _, id := range ids {
		if m, ok := byID[id]; ok {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *LibSQLStore) ListMessages(ctx context.Context, filter MessageFilter) ([]*StoredMessage, error) {
	var where []string
	var args []any
	if filter.ConversationID != "" {
		where = append(where, "conversation_id = ?")
		args = append(args, filter.ConversationID)
	}
	if filter.Agent != "" {
		where = append(where, "agent = ?")
		args = append(args, string(filter.Agent))
	}
	if filter.PendingOnly {
		where = append(where, "processed = 0")
	}
	query := `SELECT ` + messageColumns + ` FROM messages`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY date ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*StoredMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanMessage(row rowScanner) (*StoredMessage, error) {
	m := &StoredMessage{}
	var agent, content string
	var agentID, stage sql.NullString
	var id string
	var date time.Time
	if err := row.Scan(&id, &m.ConversationID, &agent, &agentID, &content, &stage, &m.Processed, &date); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(content), &m.Message); err != nil {
		return nil, fmt.Errorf("unmarshal message %s: %w", id, err)
	}
	m.ID = id
	m.Date = date
	m.Agent = schema.Agent(agent)
	m.AgentID = agentID.String
	m.StageName = stage.String
	return m, nil
}

// MarkMessagesProcessed flags messages as consumed by a script.
func (s *LibSQLStore) MarkMessagesProcessed(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	marks := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		marks[i] = "?"
		args[i] = id
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET processed = 1 WHERE id IN (`+strings.Join(marks, ", ")+`)`, args...)
	return err
}

// --- Safevars ---

func (s *LibSQLStore) PutSafevar(ctx context.Context, name string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO safevars (name, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		name, value, time.Now().UTC(),
	)
	return err
}

func (s *LibSQLStore) GetSafevar(ctx context.Context, name string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM safevars WHERE name = ?`, name).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("safevar", name)
	}
	return value, err
}

func (s *LibSQLStore) DeleteSafevar(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM safevars WHERE name = ?`, name)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "safevar", name)
}

func (s *LibSQLStore) ListSafevars(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM safevars ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.FunnelError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
