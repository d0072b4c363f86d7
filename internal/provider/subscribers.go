package provider

import (
	"sync"

	"github.com/google/uuid"

	"github.com/exposurekit/riskengine/internal/scoring"
	"github.com/exposurekit/riskengine/internal/state"
)

// Event is delivered to subscribers when a detection cycle concludes.
type Event struct {
	// RunID identifies the detection cycle that produced the event.
	RunID string
	// Result is the newly persisted result. Nil on detection failure.
	Result *scoring.Result
	// Changed is true when the level moved between low and increased.
	Changed bool
	// Err carries the failure for detection-failed events.
	Err error
}

// Callbacks are the hooks a subscriber can register. All callbacks are
// optional; nil callbacks are simply not called. Callbacks run
// synchronously on the provider's goroutine and should return quickly.
type Callbacks struct {
	// OnActivity is called on every state machine transition.
	OnActivity func(activity state.Activity)

	// OnResult is called when a cycle persisted a new result.
	OnResult func(ev Event)

	// OnDetectionFailed is called when a cycle could not determine risk.
	// The previously persisted result still stands.
	OnDetectionFailed func(ev Event)
}

type subscriberSet struct {
	mu   sync.Mutex
	subs map[string]*Callbacks
}

func newSubscriberSet() *subscriberSet {
	return &subscriberSet{subs: make(map[string]*Callbacks)}
}

func (s *subscriberSet) add(cb *Callbacks) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.NewString()
	s.subs[id] = cb
	return id
}

func (s *subscriberSet) remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, id)
}

// snapshot copies the current subscriber list. Notification iterates the
// copy, so concurrent add/remove is never visible mid-iteration.
func (s *subscriberSet) snapshot() []*Callbacks {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Callbacks, 0, len(s.subs))
	for _, cb := range s.subs {
		out = append(out, cb)
	}
	return out
}

func (s *subscriberSet) notifyActivity(a state.Activity) {
	for _, cb := range s.snapshot() {
		if cb != nil && cb.OnActivity != nil {
			cb.OnActivity(a)
		}
	}
}

func (s *subscriberSet) notifyResult(ev Event) {
	for _, cb := range s.snapshot() {
		if cb != nil && cb.OnResult != nil {
			cb.OnResult(ev)
		}
	}
}

func (s *subscriberSet) notifyDetectionFailed(ev Event) {
	for _, cb := range s.snapshot() {
		if cb != nil && cb.OnDetectionFailed != nil {
			cb.OnDetectionFailed(ev)
		}
	}
}
