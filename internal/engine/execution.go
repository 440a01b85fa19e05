package engine

import "github.com/rendis/funnel/internal/store"

// Execution is the replay position of a script instance inside its current
// stage run. It is owned by the runtime goroutine and is not safe for
// concurrent use.
type Execution struct {
	ScriptID     string
	AutomationID string
	Stage        string
	Run          int64

	seq         int64
	internalSeq int64
	internal    bool

	// step is the call currently executing; calls made inside it run without
	// their own log entry.
	step *Step
}

// Coordinate returns the coordinate the next wrapped call will use.
func (e *Execution) Coordinate() store.Coordinate {
	c := store.Coordinate{
		ScriptID:     e.ScriptID,
		AutomationID: e.AutomationID,
		Run:          e.Run,
		Internal:     e.internal,
		Sequence:     e.seq,
	}
	if e.internal {
		c.Sequence = e.internalSeq
	}
	return c
}

// Sequences returns the primary and internal counters.
func (e *Execution) Sequences() (primary, internal int64) {
	return e.seq, e.internalSeq
}

// Reset starts a fresh coordinate space for a stage run.
func (e *Execution) Reset(stage string, run int64) {
	e.Stage = stage
	e.Run = run
	e.seq = 0
	e.internalSeq = 0
	e.internal = false
	e.step = nil
}

func (e *Execution) advance(internal bool) {
	if internal {
		e.internalSeq++
		return
	}
	e.seq++
}

// RunInternal runs fn with wrapped calls placed in the internal sequence.
func (e *Execution) RunInternal(fn func() error) error {
	prev := e.internal
	e.internal = true
	defer func() { e.internal = prev }()
	return fn()
}
