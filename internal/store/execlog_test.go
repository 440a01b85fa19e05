package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCoord(seq int64) Coordinate {
	return Coordinate{ScriptID: "conv-1", AutomationID: "auto-1", Sequence: seq}
}

func TestExecutionLog_FindLatestSuccess(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	coord := testCoord(0)

	got, err := s.FindLatestSuccess(ctx, coord)
	require.NoError(t, err)
	assert.Nil(t, got, "absent coordinate")

	require.NoError(t, s.RecordExecution(ctx, &ExecutionEntry{Coordinate: coord, FuncName: "sendText", Error: "boom"}))
	got, err = s.FindLatestSuccess(ctx, coord)
	require.NoError(t, err)
	assert.Nil(t, got, "failed rows never replay")

	require.NoError(t, s.RecordExecution(ctx, &ExecutionEntry{
		Coordinate: coord, FuncName: "sendText", StageName: "A",
		Args: json.RawMessage(`["hi"]`), CachedResult: json.RawMessage(`"first"`),
	}))
	require.NoError(t, s.RecordExecution(ctx, &ExecutionEntry{
		Coordinate: coord, FuncName: "sendText", CachedResult: json.RawMessage(`"second"`),
	}))

	got, err = s.FindLatestSuccess(ctx, coord)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.JSONEq(t, `"second"`, string(got.CachedResult))
}

func TestExecutionLog_NilResultStillReplays(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	coord := testCoord(2)

	require.NoError(t, s.RecordExecution(ctx, &ExecutionEntry{Coordinate: coord, FuncName: "noop"}))
	got, err := s.FindLatestSuccess(ctx, coord)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Nil(t, got.CachedResult)
}

func TestExecutionLog_CoordinateIsolation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordExecution(ctx, &ExecutionEntry{Coordinate: testCoord(0), FuncName: "a"}))

	internal := testCoord(0)
	internal.Internal = true
	nextRun := testCoord(0)
	nextRun.Run = 1
	otherAutomation := testCoord(0)
	otherAutomation.AutomationID = "auto-2"

	for _, c := range []Coordinate{internal, nextRun, otherAutomation, testCoord(1)} {
		got, err := s.FindLatestSuccess(ctx, c)
		require.NoError(t, err)
		assert.Nil(t, got, "%+v", c)
	}
}

func TestExecutionLog_SameSecondRowsDoNotCollide(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	at := time.Unix(1700000000, 0)

	a := &ExecutionEntry{Coordinate: testCoord(0), FuncName: "f", CreatedAt: at}
	b := &ExecutionEntry{Coordinate: testCoord(0), FuncName: "f", CreatedAt: at}
	require.NoError(t, s.RecordExecution(ctx, a))
	require.NoError(t, s.RecordExecution(ctx, b))
	assert.Greater(t, b.ID, a.ID)
}

func TestListExecutions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordExecution(ctx, &ExecutionEntry{Coordinate: testCoord(0), FuncName: "sendText", StageName: "A"}))
	require.NoError(t, s.RecordExecution(ctx, &ExecutionEntry{Coordinate: testCoord(1), FuncName: "ask", StageName: "A", Error: "x"}))
	require.NoError(t, s.RecordExecution(ctx, &ExecutionEntry{Coordinate: testCoord(0), FuncName: "sendText", StageName: "B"}))

	all, err := s.ListExecutions(ctx, ExecutionFilter{ScriptID: "conv-1"})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	failed, err := s.ListExecutions(ctx, ExecutionFilter{ScriptID: "conv-1", FailedOnly: true})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.True(t, failed[0].Failed())

	stageB, err := s.ListExecutions(ctx, ExecutionFilter{StageName: "B"})
	require.NoError(t, err)
	assert.Len(t, stageB, 1)

	limited, err := s.ListExecutions(ctx, ExecutionFilter{FuncName: "sendText", Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

// --- Cached Vars ---

func TestCachedVar_ReadThroughWrite(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	coord := testCoord(0)

	v, err := s.GetCachedVar(ctx, coord, "_firstExec", json.RawMessage(`true`))
	require.NoError(t, err)
	assert.JSONEq(t, `true`, string(v))

	// the default was persisted; a different default does not override it
	v, err = s.GetCachedVar(ctx, coord, "_firstExec", json.RawMessage(`false`))
	require.NoError(t, err)
	assert.JSONEq(t, `true`, string(v))

	require.NoError(t, s.SetCachedVar(ctx, coord, "_firstExec", json.RawMessage(`false`)))
	v, err = s.GetCachedVar(ctx, coord, "_firstExec", json.RawMessage(`true`))
	require.NoError(t, err)
	assert.JSONEq(t, `false`, string(v))
}

func TestCachedVar_Clear(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetCachedVar(ctx, testCoord(0), "a", json.RawMessage(`1`)))
	require.NoError(t, s.SetCachedVar(ctx, testCoord(1), "a", json.RawMessage(`2`)))

	require.NoError(t, s.ClearCachedVars(ctx, testCoord(0)))
	v, err := s.GetCachedVar(ctx, testCoord(0), "a", json.RawMessage(`0`))
	require.NoError(t, err)
	assert.JSONEq(t, `0`, string(v))

	v, err = s.GetCachedVar(ctx, testCoord(1), "a", json.RawMessage(`0`))
	require.NoError(t, err)
	assert.JSONEq(t, `2`, string(v))

	require.NoError(t, s.ClearScriptCachedVars(ctx, "conv-1"))
	v, err = s.GetCachedVar(ctx, testCoord(1), "a", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `null`, string(v))
}

// --- Timers ---

func TestTimer_Lifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	coord := testCoord(0)

	rec, created, err := s.GetOrCreateTimer(ctx, coord, "q", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, 10*time.Second, rec.Duration)
	assert.Nil(t, rec.StartedAt)
	assert.False(t, rec.Canceled)

	rec, created, err = s.GetOrCreateTimer(ctx, coord, "q", 99*time.Second)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, 10*time.Second, rec.Duration, "duration fixed at creation")

	start := time.UnixMilli(1700000000123)
	require.NoError(t, s.StartTimer(ctx, coord, "q", start))
	require.NoError(t, s.StartTimer(ctx, coord, "q", start.Add(time.Hour)))

	rec, _, err = s.GetOrCreateTimer(ctx, coord, "q", 0)
	require.NoError(t, err)
	require.NotNil(t, rec.StartedAt)
	assert.True(t, rec.StartedAt.Equal(start), "first start wins")

	require.NoError(t, s.CancelTimer(ctx, coord, "q"))
	require.NoError(t, s.CancelTimer(ctx, coord, "q"))
	require.NoError(t, s.CancelTimer(ctx, coord, "missing"))

	rec, _, err = s.GetOrCreateTimer(ctx, coord, "q", 0)
	require.NoError(t, err)
	assert.True(t, rec.Canceled)
}

func TestTimer_Clear(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, _, err := s.GetOrCreateTimer(ctx, testCoord(0), "q", time.Second)
	require.NoError(t, err)
	_, _, err = s.GetOrCreateTimer(ctx, testCoord(1), "q", time.Second)
	require.NoError(t, err)

	require.NoError(t, s.ClearTimers(ctx, testCoord(0)))
	_, created, err := s.GetOrCreateTimer(ctx, testCoord(0), "q", time.Second)
	require.NoError(t, err)
	assert.True(t, created)

	require.NoError(t, s.ClearScriptTimers(ctx, "conv-1"))
	_, created, err = s.GetOrCreateTimer(ctx, testCoord(1), "q", time.Second)
	require.NoError(t, err)
	assert.True(t, created)
}

// --- Script Logs ---

func TestScriptLogs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendScriptLog(ctx, &ScriptLog{ScriptID: "conv-1", AutomationID: "auto-1", Level: LogInfo, Text: "hello"}))
	require.NoError(t, s.AppendScriptLog(ctx, &ScriptLog{
		ScriptID: "conv-1", AutomationID: "auto-1", Level: LogError, Text: "bad", Data: json.RawMessage(`{"k":1}`),
	}))

	logs, err := s.ListScriptLogs(ctx, ScriptLogFilter{ScriptID: "conv-1"})
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "hello", logs[0].Text)

	errs, err := s.ListScriptLogs(ctx, ScriptLogFilter{Level: LogError})
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.JSONEq(t, `{"k":1}`, string(errs[0].Data))

	assert.Error(t, s.AppendScriptLog(ctx, &ScriptLog{ScriptID: "conv-1", AutomationID: "a", Level: "fatal", Text: "x"}))
}
