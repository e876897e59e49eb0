package shard

import "sync"

// State is the split/merge lifecycle of one model.
type State string

const (
	StateUnsplit   State = "unsplit"
	StateSplitting State = "splitting"
	StateSplit     State = "split"
	StateMerging   State = "merging"
	StateMerged    State = "merged"
)

// stateTracker serializes split/merge per model name. Callers must not run
// two operations against the same shard directory concurrently; the tracker
// enforces that with a busy error instead of corrupting output.
type stateTracker struct {
	mu     sync.Mutex
	states map[string]State
}

func newStateTracker() *stateTracker {
	return &stateTracker{states: make(map[string]State)}
}

// begin moves the model into an in-flight state, rejecting concurrent ops.
func (t *stateTracker) begin(model string, inflight State) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.states[model] {
	case StateSplitting, StateMerging:
		return busyError{model: model}
	}
	t.states[model] = inflight
	return nil
}

// finish records the terminal state of a completed operation.
func (t *stateTracker) finish(model string, final State) {
	t.mu.Lock()
	t.states[model] = final
	t.mu.Unlock()
}

// get returns the model's current state, StateUnsplit when unknown.
func (t *stateTracker) get(model string) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.states[model]; ok {
		return s
	}
	return StateUnsplit
}
