package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/funnel/internal/clock"
	"github.com/rendis/funnel/internal/metrics"
	"github.com/rendis/funnel/internal/store"
)

// Timers creates durable timers and tracks the ones scheduled in this process.
type Timers struct {
	store          store.TimerStore
	clock          clock.Clock
	defaultTimeout time.Duration
	metrics        *metrics.Collector
	logger         *slog.Logger

	mu   sync.Mutex
	live map[string]map[*DurableTimer]struct{} // by script id
}

// NewTimers creates a timer registry. Non-positive durations requested on
// creation fall back to defaultTimeout.
func NewTimers(ts store.TimerStore, clk clock.Clock, defaultTimeout time.Duration, m *metrics.Collector, logger *slog.Logger) *Timers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Timers{
		store:          ts,
		clock:          clk,
		defaultTimeout: defaultTimeout,
		metrics:        m,
		logger:         logger,
		live:           make(map[string]map[*DurableTimer]struct{}),
	}
}

// New loads the timer at (coord, name), creating it when absent. The duration
// only applies on creation; a stored timer keeps its original duration.
func (t *Timers) New(ctx context.Context, coord store.Coordinate, name string, d time.Duration) (*DurableTimer, error) {
	if d <= 0 {
		d = t.defaultTimeout
	}
	rec, _, err := t.store.GetOrCreateTimer(ctx, coord, name, d)
	if err != nil {
		return nil, err
	}
	return &DurableTimer{
		timers:    t,
		coord:     coord,
		name:      name,
		duration:  rec.Duration,
		startedAt: rec.StartedAt,
		canceled:  rec.Canceled,
	}, nil
}

// StopScript stops the in-process callbacks of a script's timers. Durable
// state is left untouched.
func (t *Timers) StopScript(scriptID string) {
	t.mu.Lock()
	timers := t.live[scriptID]
	delete(t.live, scriptID)
	t.mu.Unlock()

	for dt := range timers {
		dt.stop()
	}
}

// StopAll stops every in-process callback.
func (t *Timers) StopAll() {
	t.mu.Lock()
	ids := make([]string, 0, len(t.live))
	for id := range t.live {
		ids = append(ids, id)
	}
	t.mu.Unlock()

	for _, id := range ids {
		t.StopScript(id)
	}
}

// Scheduled returns how many callbacks of a script are scheduled.
func (t *Timers) Scheduled(scriptID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.live[scriptID])
}

func (t *Timers) track(dt *DurableTimer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	set := t.live[dt.coord.ScriptID]
	if set == nil {
		set = make(map[*DurableTimer]struct{})
		t.live[dt.coord.ScriptID] = set
	}
	set[dt] = struct{}{}
}

func (t *Timers) untrack(dt *DurableTimer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	set := t.live[dt.coord.ScriptID]
	delete(set, dt)
	if len(set) == 0 {
		delete(t.live, dt.coord.ScriptID)
	}
}

type timerState int

const (
	timerIdle timerState = iota
	timerRunning
	timerFired
	timerStopped
)

// DurableTimer is a countdown whose start time is persisted, so a restarted
// process waits only for the remaining time.
type DurableTimer struct {
	timers    *Timers
	coord     store.Coordinate
	name      string
	duration  time.Duration
	startedAt *time.Time

	mu       sync.Mutex
	state    timerState
	canceled bool
	handle   clock.Timer
}

// Duration returns the stored duration.
func (d *DurableTimer) Duration() time.Duration { return d.duration }

// Canceled reports whether the timer was canceled, in this process or before.
func (d *DurableTimer) Canceled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.canceled
}

// Resumed reports whether the timer was started by an earlier execution.
func (d *DurableTimer) Resumed() bool { return d.startedAt != nil }

// Start schedules onFire. A canceled timer never fires. A timer started
// earlier fires after its remaining time, and synchronously when that time
// has already elapsed. Calling Start again is a no-op.
func (d *DurableTimer) Start(ctx context.Context, onFire func()) error {
	d.mu.Lock()
	if d.canceled || d.state != timerIdle {
		d.mu.Unlock()
		return nil
	}

	now := d.timers.clock.Now()
	resumed := d.startedAt != nil
	remaining := d.duration
	if resumed {
		remaining = d.duration - now.Sub(*d.startedAt)
	} else {
		if err := d.timers.store.StartTimer(ctx, d.coord, d.name, now); err != nil {
			d.mu.Unlock()
			return err
		}
		d.startedAt = &now
	}

	if remaining <= 0 {
		d.state = timerFired
		d.mu.Unlock()
		d.timers.metrics.TimerFired(resumed)
		onFire()
		return nil
	}

	d.state = timerRunning
	d.timers.track(d)
	d.handle = d.timers.clock.AfterFunc(remaining, func() {
		d.mu.Lock()
		if d.state != timerRunning {
			d.mu.Unlock()
			return
		}
		d.state = timerFired
		d.mu.Unlock()

		d.timers.untrack(d)
		d.timers.metrics.TimerFired(resumed)
		onFire()
	})
	d.mu.Unlock()
	return nil
}

// Cancel stops the timer and durably marks it canceled. It is idempotent.
func (d *DurableTimer) Cancel(ctx context.Context) error {
	d.mu.Lock()
	if d.canceled {
		d.mu.Unlock()
		return nil
	}
	d.canceled = true
	wasRunning := d.state == timerRunning
	if wasRunning {
		d.handle.Stop()
		d.state = timerStopped
	}
	d.mu.Unlock()

	if wasRunning {
		d.timers.untrack(d)
	}
	return d.timers.store.CancelTimer(ctx, d.coord, d.name)
}

// stop drops the in-process callback without touching the stored state.
func (d *DurableTimer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == timerRunning {
		d.handle.Stop()
		d.state = timerStopped
	}
}
