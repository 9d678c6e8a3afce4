package orchestrator

import (
	"sync"
	"time"
)

// State is a step of the download state machine
type State string

const (
	StateIdle                State = "idle"
	StateValidating          State = "validating"
	StateParsing             State = "parsing"
	StateFetchingTempURLs    State = "fetching-temp-urls"
	StateSavingRecords       State = "saving-records"
	StateIncrementingCredits State = "incrementing-credits"
	StateComplete            State = "complete"
	StateError               State = "error"
)

// order ranks forward progress; error is reachable from anywhere
var order = map[State]int{
	StateIdle:                0,
	StateValidating:          1,
	StateParsing:             2,
	StateFetchingTempURLs:    3,
	StateSavingRecords:       4,
	StateIncrementingCredits: 5,
	StateComplete:            6,
}

// canTransition reports whether from -> to is allowed. Steps may be
// skipped forward but never backward; idle is re-entered only from a
// terminal state or when a run is abandoned before fetching starts.
func canTransition(from, to State) bool {
	switch {
	case to == StateError:
		return from != StateIdle && from != StateError && from != StateComplete
	case to == StateIdle:
		return from != StateIdle
	case from == StateError || from == StateComplete:
		return false
	}
	return order[to] > order[from]
}

// machine is one user's state machine
type machine struct {
	mu    sync.Mutex
	state State
	timer *time.Timer
}

// tryStart moves idle -> validating, reporting false if a run is active
// or cooling down
func (m *machine) tryStart() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateIdle {
		return false
	}
	m.state = StateValidating
	return true
}

func (m *machine) current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// set applies a transition and returns the previous state. Invalid
// transitions are ignored and reported with ok=false.
func (m *machine) set(to State) (from State, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	from = m.state
	if !canTransition(from, to) {
		return from, false
	}
	m.state = to
	return from, true
}

// resetAfter returns the machine to idle once d has elapsed. onIdle runs
// without m.mu held.
func (m *machine) resetAfter(d time.Duration, onIdle func()) {
	m.mu.Lock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if d <= 0 {
		m.state = StateIdle
		m.mu.Unlock()
		onIdle()
		return
	}
	m.timer = time.AfterFunc(d, func() {
		m.mu.Lock()
		m.state = StateIdle
		m.timer = nil
		m.mu.Unlock()
		onIdle()
	})
	m.mu.Unlock()
}
