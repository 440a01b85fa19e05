package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// --- Execution Log ---

func (s *LibSQLStore) RecordExecution(ctx context.Context, e *ExecutionEntry) error {
	e.CreatedAt = timeOrNow(e.CreatedAt)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO execution_log (script_id, automation_id, stage_run, exec_sequence, internal,
			stage_name, func_name, args, cached_result, error, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ScriptID, e.AutomationID, e.Run, e.Sequence, boolInt(e.Internal),
		nullStr(e.StageName), e.FuncName, nullRaw(e.Args), nullRaw(e.CachedResult), nullStr(e.Error),
		e.DurationMs, e.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	if e.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("execution id: %w", err)
	}
	return nil
}

const executionColumns = `id, script_id, automation_id, stage_run, exec_sequence, internal,
	stage_name, func_name, args, cached_result, error, duration_ms, created_at`

func (s *LibSQLStore) FindLatestSuccess(ctx context.Context, coord Coordinate) (*ExecutionEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM execution_log
		 WHERE script_id = ? AND automation_id = ? AND stage_run = ? AND exec_sequence = ? AND internal = ?
		   AND error IS NULL
		 ORDER BY id DESC LIMIT 1`,
		coord.ScriptID, coord.AutomationID, coord.Run, coord.Sequence, boolInt(coord.Internal),
	)
	e, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find execution: %w", err)
	}
	return e, nil
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*ExecutionEntry, error) {
	var where []string
	var args []any

	if filter.ScriptID != "" {
		where = append(where, "script_id = ?")
		args = append(args, filter.ScriptID)
	}
	if filter.AutomationID != "" {
		where = append(where, "automation_id = ?")
		args = append(args, filter.AutomationID)
	}
	if filter.StageName != "" {
		where = append(where, "stage_name = ?")
		args = append(args, filter.StageName)
	}
	if filter.FuncName != "" {
		where = append(where, "func_name = ?")
		args = append(args, filter.FuncName)
	}
	if filter.FailedOnly {
		where = append(where, "error IS NOT NULL")
	}

	query := `SELECT ` + executionColumns + ` FROM execution_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ExecutionEntry
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanExecution(row rowScanner) (*ExecutionEntry, error) {
	e := &ExecutionEntry{}
	var stage, args, result, errMsg sql.NullString
	var created int64
	err := row.Scan(&e.ID, &e.ScriptID, &e.AutomationID, &e.Run, &e.Sequence, &e.Internal,
		&stage, &e.FuncName, &args, &result, &errMsg, &e.DurationMs, &created)
	if err != nil {
		return nil, err
	}
	e.StageName = stage.String
	e.Args = rawOrNil(args)
	e.CachedResult = rawOrNil(result)
	e.Error = errMsg.String
	e.CreatedAt = time.Unix(created, 0).UTC()
	return e, nil
}

// --- Cached Vars ---

func (s *LibSQLStore) GetCachedVar(ctx context.Context, coord Coordinate, name string, def json.RawMessage) (json.RawMessage, error) {
	if len(def) == 0 {
		def = json.RawMessage("null")
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO cached_vars (name, script_id, exec_sequence, internal, value) VALUES (?, ?, ?, ?, ?)`,
		name, coord.ScriptID, coord.Sequence, boolInt(coord.Internal), string(def),
	); err != nil {
		return nil, fmt.Errorf("seed cached var %s: %w", name, err)
	}

	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM cached_vars WHERE name = ? AND script_id = ? AND exec_sequence = ? AND internal = ?`,
		name, coord.ScriptID, coord.Sequence, boolInt(coord.Internal),
	).Scan(&value)
	if err != nil {
		return nil, fmt.Errorf("read cached var %s: %w", name, err)
	}
	return json.RawMessage(value), nil
}

func (s *LibSQLStore) SetCachedVar(ctx context.Context, coord Coordinate, name string, value json.RawMessage) error {
	if len(value) == 0 {
		value = json.RawMessage("null")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cached_vars (name, script_id, exec_sequence, internal, value) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(name, script_id, exec_sequence, internal) DO UPDATE SET value=excluded.value`,
		name, coord.ScriptID, coord.Sequence, boolInt(coord.Internal), string(value),
	)
	if err != nil {
		return fmt.Errorf("write cached var %s: %w", name, err)
	}
	return nil
}

func (s *LibSQLStore) ClearCachedVars(ctx context.Context, coord Coordinate) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM cached_vars WHERE script_id = ? AND exec_sequence = ? AND internal = ?`,
		coord.ScriptID, coord.Sequence, boolInt(coord.Internal),
	)
	return err
}

func (s *LibSQLStore) ClearScriptCachedVars(ctx context.Context, scriptID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM cached_vars WHERE script_id = ?`, scriptID)
	return err
}

// --- Timers ---

const timerColumns = `name, script_id, exec_sequence, internal, duration_ms, started_at_ms, canceled`

func (s *LibSQLStore) GetOrCreateTimer(ctx context.Context, coord Coordinate, name string, duration time.Duration) (*TimerRecord, bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO timers (name, script_id, exec_sequence, internal, duration_ms, canceled)
		 VALUES (?, ?, ?, ?, ?, 0)`,
		name, coord.ScriptID, coord.Sequence, boolInt(coord.Internal), duration.Milliseconds(),
	)
	if err != nil {
		return nil, false, fmt.Errorf("create timer %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}

	rec, err := s.getTimer(ctx, coord, name)
	if err != nil {
		return nil, false, err
	}
	return rec, n > 0, nil
}

func (s *LibSQLStore) getTimer(ctx context.Context, coord Coordinate, name string) (*TimerRecord, error) {
	rec := &TimerRecord{}
	var durationMs int64
	var startedAt sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT `+timerColumns+` FROM timers WHERE name = ? AND script_id = ? AND exec_sequence = ? AND internal = ?`,
		name, coord.ScriptID, coord.Sequence, boolInt(coord.Internal),
	).Scan(&rec.Name, &rec.ScriptID, &rec.Sequence, &rec.Internal, &durationMs, &startedAt, &rec.Canceled)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("timer", name)
	}
	if err != nil {
		return nil, fmt.Errorf("read timer %s: %w", name, err)
	}
	rec.Duration = time.Duration(durationMs) * time.Millisecond
	if startedAt.Valid {
		t := time.UnixMilli(startedAt.Int64).UTC()
		rec.StartedAt = &t
	}
	return rec, nil
}

// StartTimer records the start instant. An already started timer keeps its
// original start so elapsed time survives restarts.
func (s *LibSQLStore) StartTimer(ctx context.Context, coord Coordinate, name string, startedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE timers SET started_at_ms = COALESCE(started_at_ms, ?)
		 WHERE name = ? AND script_id = ? AND exec_sequence = ? AND internal = ?`,
		startedAt.UnixMilli(), name, coord.ScriptID, coord.Sequence, boolInt(coord.Internal),
	)
	if err != nil {
		return fmt.Errorf("start timer %s: %w", name, err)
	}
	return checkRowsAffected(res, "timer", name)
}

// CancelTimer sets the canceled flag. Canceling a missing timer is a no-op.
func (s *LibSQLStore) CancelTimer(ctx context.Context, coord Coordinate, name string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE timers SET canceled = 1 WHERE name = ? AND script_id = ? AND exec_sequence = ? AND internal = ?`,
		name, coord.ScriptID, coord.Sequence, boolInt(coord.Internal),
	)
	if err != nil {
		return fmt.Errorf("cancel timer %s: %w", name, err)
	}
	return nil
}

func (s *LibSQLStore) ClearTimers(ctx context.Context, coord Coordinate) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM timers WHERE script_id = ? AND exec_sequence = ? AND internal = ?`,
		coord.ScriptID, coord.Sequence, boolInt(coord.Internal),
	)
	return err
}

func (s *LibSQLStore) ClearScriptTimers(ctx context.Context, scriptID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM timers WHERE script_id = ?`, scriptID)
	return err
}

// --- Script Logs ---

func (s *LibSQLStore) AppendScriptLog(ctx context.Context, l *ScriptLog) error {
	l.CreatedAt = timeOrNow(l.CreatedAt)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO script_logs (script_id, automation_id, level, text, data, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		l.ScriptID, l.AutomationID, string(l.Level), l.Text, nullRaw(l.Data), l.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert script log: %w", err)
	}
	l.ID, err = res.LastInsertId()
	return err
}

func (s *LibSQLStore) ListScriptLogs(ctx context.Context, filter ScriptLogFilter) ([]*ScriptLog, error) {
	var where []string
	var args []any
	if filter.ScriptID != "" {
		where = append(where, "script_id = ?")
		args = append(args, filter.ScriptID)
	}
	if filter.Level != "" {
		where = append(where, "level = ?")
		args = append(args, string(filter.Level))
	}
	query := `SELECT id, script_id, automation_id, level, text, data, created_at FROM script_logs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ScriptLog
	for rows.Next() {
		l := &ScriptLog{}
		var level string
		var data sql.NullString
		var created int64
		if err := rows.Scan(&l.ID, &l.ScriptID, &l.AutomationID, &level, &l.Text, &data, &created); err != nil {
			return nil, err
		}
		l.Level = LogLevel(level)
		l.Data = rawOrNil(data)
		l.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, l)
	}
	return out, rows.Err()
}
