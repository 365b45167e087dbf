// Package advisory carries the out-of-band notices the platform raises about
// spiders: refused thread allocations and lifecycle transitions. Notices never
// change the outcome of the call that raised them; they exist for operators.
package advisory

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	iduuid "github.com/JakeFAU/spiderhost/internal/id/uuid"
	"github.com/JakeFAU/spiderhost/internal/spider"
)

// Kind classifies an advisory.
type Kind string

// Advisory kinds. The thread kinds share their spelling with spider.Reason.
const (
	KindThreadLimit  Kind = "thread-limit"
	KindThreadRepeat Kind = "thread-repeat"
	KindThreadClosed Kind = "thread-closed"
	KindLifecycle    Kind = "lifecycle"
)

// KindForReason maps a refusal reason to its advisory kind.
func KindForReason(r spider.Reason) (Kind, bool) {
	switch r {
	case spider.ReasonLimit:
		return KindThreadLimit, true
	case spider.ReasonNameConflict:
		return KindThreadRepeat, true
	case spider.ReasonClosed:
		return KindThreadClosed, true
	}
	return "", false
}

// Event is a single advisory notice.
type Event struct {
	ID     uuid.UUID `json:"id"`
	Spider spider.ID `json:"spider"`
	Kind   Kind      `json:"kind"`
	// Thread is the requested thread name for thread kinds.
	Thread string `json:"thread,omitempty"`
	// State is the new lifecycle state for lifecycle events.
	State spider.State `json:"state,omitempty"`
	TS    time.Time    `json:"ts"`
	Note  string       `json:"note,omitempty"`
}

// NewThreadEvent builds the advisory for a refused allocation.
func NewThreadEvent(owner spider.ID, kind Kind, thread string, ts time.Time, note string) Event {
	return Event{
		ID:     iduuid.NewEventID(),
		Spider: owner,
		Kind:   kind,
		Thread: thread,
		TS:     ts.UTC(),
		Note:   note,
	}
}

// NewLifecycleEvent builds the advisory for a state transition.
func NewLifecycleEvent(owner spider.ID, state spider.State, ts time.Time, note string) Event {
	return Event{
		ID:     iduuid.NewEventID(),
		Spider: owner,
		Kind:   KindLifecycle,
		State:  state,
		TS:     ts.UTC(),
		Note:   note,
	}
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.ID == uuid.Nil {
		return errors.New("advisory id is required")
	}
	if e.Spider == "" {
		return errors.New("spider is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Kind {
	case KindThreadLimit, KindThreadRepeat, KindThreadClosed:
		if e.Thread == "" {
			return fmt.Errorf("%s advisory requires a thread name", e.Kind)
		}
	case KindLifecycle:
		if e.State == "" {
			return errors.New("lifecycle advisory requires a state")
		}
	default:
		return fmt.Errorf("unknown advisory kind %q", e.Kind)
	}
	return nil
}
