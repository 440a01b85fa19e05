package store

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/funnel/pkg/schema"
)

func TestAppendPath_MonotonicSequence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c := seedConversation(t, s)

	for i, stage := range []string{"A", "B", "A"} {
		rec := &PathRecord{ConversationID: c.ID, StageName: stage}
		require.NoError(t, s.AppendPath(ctx, rec))
		assert.Equal(t, int64(i+1), rec.Sequence)
	}

	path, err := s.ListPath(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, path, 3)
	assert.Equal(t, "B", path[1].StageName)
}

func TestAppendPath_ConversationScoped(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := seedConversation(t, s)
	b := seedConversation(t, s)

	require.NoError(t, s.AppendPath(ctx, &PathRecord{ConversationID: a.ID, StageName: "X"}))
	rec := &PathRecord{ConversationID: b.ID, StageName: "Y"}
	require.NoError(t, s.AppendPath(ctx, rec))
	assert.Equal(t, int64(1), rec.Sequence)
}

func TestAppendPath_Concurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c := seedConversation(t, s)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.AppendPath(ctx, &PathRecord{ConversationID: c.ID, StageName: "A"}))
		}()
	}
	wg.Wait()

	sum, err := s.ReplayPath(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), sum.Run)
}

func TestReplayPath(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c := seedConversation(t, s)

	sum, err := s.ReplayPath(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.StageStart, sum.CurrentStage)
	assert.Equal(t, int64(0), sum.Run)

	for _, stage := range []string{"A", "B", "B", schema.StageEnd} {
		require.NoError(t, s.AppendPath(ctx, &PathRecord{ConversationID: c.ID, StageName: stage}))
	}

	sum, err = s.ReplayPath(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.StageEnd, sum.CurrentStage)
	assert.Equal(t, int64(4), sum.Run)
	assert.Equal(t, 2, sum.Visits["B"])
}

func TestReplayPath_SequenceGap(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c := seedConversation(t, s)

	require.NoError(t, s.AppendPath(ctx, &PathRecord{ConversationID: c.ID, StageName: "A"}))
	_, err := s.DB().ExecContext(ctx,
		`INSERT INTO stage_path (conversation_id, sequence, stage_name, created_at) VALUES (?, 3, 'C', CURRENT_TIMESTAMP)`, c.ID)
	require.NoError(t, err)

	_, err = s.ReplayPath(ctx, c.ID)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeStore))
}
