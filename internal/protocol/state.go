package protocol

import (
	"sync"
	"time"

	"github.com/trueasset/alluse-core/pkg/types"
)

// EventKind identifies the condition a protocol tick surfaced.
type EventKind string

const (
	EventEscalated   EventKind = "escalated"
	EventDeescalated EventKind = "deescalated"
	EventExitMarked  EventKind = "exit_marked"
	EventDataStale   EventKind = "data_stale"
)

// Event is emitted on a tracker's event channel whenever a tick changes
// a position's posture.
type Event struct {
	Kind       EventKind
	PositionID string
	From       types.ProtocolLevel
	To         types.ProtocolLevel
	At         time.Time
}

// tracker owns the per-position ProtocolState map, held as a weak
// reference: position removal cancels state. Internal fine-grained
// locking, never exposed outside this package.
type tracker struct {
	mu        sync.RWMutex
	states    map[string]*types.ProtocolState
	lastTicks map[string]time.Time
	events    chan Event
}

func newTracker(eventBuffer int) *tracker {
	return &tracker{
		states:    make(map[string]*types.ProtocolState),
		lastTicks: make(map[string]time.Time),
		events:    make(chan Event, eventBuffer),
	}
}

func (t *tracker) lastTickAt(positionID string) (time.Time, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ts, ok := t.lastTicks[positionID]
	return ts, ok
}

func (t *tracker) markTick(positionID string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastTicks[positionID] = at
}

func (t *tracker) get(positionID string) (types.ProtocolState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.states[positionID]
	if !ok {
		return types.ProtocolState{}, false
	}
	return *s, true
}

func (t *tracker) set(positionID string, s types.ProtocolState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.states[positionID] = &s
}

// forget drops tracked state, implementing the "position removal cancels
// state" weak-reference semantics.
func (t *tracker) forget(positionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, positionID)
}

func (t *tracker) emit(e Event) {
	select {
	case t.events <- e:
	default:
		// Event queue full: drop rather than block the tick loop. The
		// ProtocolState map remains the source of truth; events are an
		// advisory notification stream.
	}
}

// Events exposes the tracker's event stream to subscribers (Orchestrator,
// Account Manager, API layer).
func (t *tracker) Events() <-chan Event { return t.events }
