package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/funnel/internal/clock"
	"github.com/rendis/funnel/internal/store"
)

func timerCoord() store.Coordinate {
	return store.Coordinate{ScriptID: "conv-1", AutomationID: testAutomation}
}

func TestDurableTimer_FiresAfterDuration(t *testing.T) {
	st := newTestStore(t)
	clk := clock.NewManual(epoch)
	timers := NewTimers(st, clk, time.Minute, nil, discardLogger())
	ctx := context.Background()

	dt, err := timers.New(ctx, timerCoord(), "q", 10*time.Second)
	require.NoError(t, err)
	assert.False(t, dt.Resumed())

	var fired atomic.Int32
	require.NoError(t, dt.Start(ctx, func() { fired.Add(1) }))
	assert.Equal(t, 1, timers.Scheduled("conv-1"))

	clk.Advance(9 * time.Second)
	assert.Equal(t, int32(0), fired.Load())
	clk.Advance(time.Second)
	require.Eventually(t, func() bool { return fired.Load() == 1 }, waitFor, time.Millisecond)
	require.Eventually(t, func() bool { return timers.Scheduled("conv-1") == 0 }, waitFor, time.Millisecond)

	// starting again is a no-op
	require.NoError(t, dt.Start(ctx, func() { fired.Add(1) }))
	assert.False(t, clk.WaitForTimers(1, 10*time.Millisecond))
	assert.Equal(t, int32(1), fired.Load())
}

func TestDurableTimer_ResumedWaitsRemaining(t *testing.T) {
	st := newTestStore(t)
	clk := clock.NewManual(epoch)
	ctx := context.Background()

	first := NewTimers(st, clk, time.Minute, nil, discardLogger())
	dt, err := first.New(ctx, timerCoord(), "q", 10*time.Second)
	require.NoError(t, err)
	require.NoError(t, dt.Start(ctx, func() { t.Error("stopped timer fired") }))
	first.StopAll()

	clk.Advance(6 * time.Second)

	restarted := NewTimers(st, clk, time.Minute, nil, discardLogger())
	dt, err = restarted.New(ctx, timerCoord(), "q", time.Hour)
	require.NoError(t, err)
	assert.True(t, dt.Resumed())
	assert.Equal(t, 10*time.Second, dt.Duration(), "stored duration wins")

	var fired atomic.Bool
	require.NoError(t, dt.Start(ctx, func() { fired.Store(true) }))
	clk.Advance(3999 * time.Millisecond)
	assert.False(t, fired.Load())
	clk.Advance(time.Millisecond)
	require.Eventually(t, fired.Load, waitFor, time.Millisecond)
}

func TestDurableTimer_ExpiredFiresSynchronously(t *testing.T) {
	st := newTestStore(t)
	clk := clock.NewManual(epoch)
	ctx := context.Background()
	timers := NewTimers(st, clk, time.Minute, nil, discardLogger())

	_, _, err := st.GetOrCreateTimer(ctx, timerCoord(), "q", 10*time.Second)
	require.NoError(t, err)
	require.NoError(t, st.StartTimer(ctx, timerCoord(), "q", epoch))

	clk.Advance(12 * time.Second)
	dt, err := timers.New(ctx, timerCoord(), "q", 10*time.Second)
	require.NoError(t, err)

	fired := false
	require.NoError(t, dt.Start(ctx, func() { fired = true }))
	assert.True(t, fired)
	assert.Equal(t, 0, timers.Scheduled("conv-1"))
	assert.False(t, clk.WaitForTimers(1, 10*time.Millisecond))
}

func TestDurableTimer_Cancel(t *testing.T) {
	st := newTestStore(t)
	clk := clock.NewManual(epoch)
	ctx := context.Background()
	timers := NewTimers(st, clk, time.Minute, nil, discardLogger())

	dt, err := timers.New(ctx, timerCoord(), "q", time.Second)
	require.NoError(t, err)
	require.NoError(t, dt.Start(ctx, func() { t.Error("canceled timer fired") }))
	require.NoError(t, dt.Cancel(ctx))
	require.NoError(t, dt.Cancel(ctx))
	assert.True(t, dt.Canceled())
	assert.False(t, clk.WaitForTimers(1, 10*time.Millisecond))
	assert.Equal(t, 0, timers.Scheduled("conv-1"))

	// a canceled timer stays canceled after a restart
	dt, err = timers.New(ctx, timerCoord(), "q", time.Second)
	require.NoError(t, err)
	assert.True(t, dt.Canceled())
	require.NoError(t, dt.Start(ctx, func() { t.Error("canceled timer fired") }))
	clk.Advance(time.Hour)
}

func TestTimers_DefaultDuration(t *testing.T) {
	st := newTestStore(t)
	timers := NewTimers(st, clock.NewManual(epoch), 42*time.Second, nil, discardLogger())

	dt, err := timers.New(context.Background(), timerCoord(), "q", 0)
	require.NoError(t, err)
	assert.Equal(t, 42*time.Second, dt.Duration())
}

func TestTimers_StopScriptKeepsDurableState(t *testing.T) {
	st := newTestStore(t)
	clk := clock.NewManual(epoch)
	ctx := context.Background()
	timers := NewTimers(st, clk, time.Minute, nil, discardLogger())

	for _, name := range []string{"a", "b"} {
		dt, err := timers.New(ctx, timerCoord(), name, time.Second)
		require.NoError(t, err)
		require.NoError(t, dt.Start(ctx, func() { t.Error("stopped timer fired") }))
	}
	assert.Equal(t, 2, timers.Scheduled("conv-1"))

	timers.StopScript("conv-1")
	assert.Equal(t, 0, timers.Scheduled("conv-1"))
	assert.False(t, clk.WaitForTimers(1, 10*time.Millisecond))

	rec, created, err := st.GetOrCreateTimer(ctx, timerCoord(), "a", time.Second)
	require.NoError(t, err)
	assert.False(t, created)
	assert.NotNil(t, rec.StartedAt)
	assert.False(t, rec.Canceled)
}
