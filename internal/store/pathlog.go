package store

import (
	"context"
	"fmt"
	"time"

	"github.com/rendis/funnel/pkg/schema"
)

// AppendPath appends a visited stage with the next per-conversation sequence.
func (s *LibSQLStore) AppendPath(ctx context.Context, rec *PathRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// In WAL mode BeginTx may start a deferred transaction; force the write
	// lock before reading MAX(sequence).
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM schema_version WHERE version = -1`); err != nil {
		return fmt.Errorf("cleanup write lock: %w", err)
	}

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM stage_path WHERE conversation_id = ?`, rec.ConversationID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next path sequence: %w", err)
	}
	rec.Sequence = seq
	rec.CreatedAt = timeOrNow(rec.CreatedAt)

	_, err = tx.ExecContext(ctx,
		`INSERT INTO stage_path (conversation_id, sequence, stage_name, created_at) VALUES (?, ?, ?, ?)`,
		rec.ConversationID, seq, rec.StageName, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert path: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit path: %w", err)
	}
	return nil
}

// ListPath returns the visited stages of a conversation in order.
func (s *LibSQLStore) ListPath(ctx context.Context, conversationID string) ([]*PathRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT conversation_id, sequence, stage_name, created_at FROM stage_path
		 WHERE conversation_id = ? ORDER BY sequence ASC`,
		conversationID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*PathRecord
	for rows.Next() {
		p := &PathRecord{}
		if err := rows.Scan(&p.ConversationID, &p.Sequence, &p.StageName, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// PathSummary is the stage position reconstructed from a conversation's path.
type PathSummary struct {
	CurrentStage string
	// Run is the number of transitions taken, equal to the stage run of CurrentStage.
	Run      int64
	Visits   map[string]int
	LastMove time.Time
}

// ReplayPath rebuilds the stage position from the path log.
// Returns an error if sequence gaps are detected.
func (s *LibSQLStore) ReplayPath(ctx context.Context, conversationID string) (*PathSummary, error) {
	path, err := s.ListPath(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list path for replay: %w", err)
	}

	sum := &PathSummary{CurrentStage: schema.StageStart, Visits: map[string]int{}}
	for i, p := range path {
		expected := int64(i + 1)
		if p.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in stage path of %s: expected %d, got %d", conversationID, expected, p.Sequence)
		}
		sum.CurrentStage = p.StageName
		sum.Run = p.Sequence
		sum.Visits[p.StageName]++
		sum.LastMove = p.CreatedAt
	}
	return sum, nil
}
