package advisory

import (
	"sync"

	"github.com/JakeFAU/spiderhost/internal/spider"
)

// DefaultRecorderLimit bounds a Recorder created with a non-positive limit.
const DefaultRecorderLimit = 512

// Recorder keeps the most recent advisories in memory for the admin API and
// for tests. Emit is synchronous, so a refusal is visible as soon as
// AllocThread returns.
type Recorder struct {
	mu     sync.Mutex
	limit  int
	events []Event
	counts map[Kind]int
}

// NewRecorder creates a Recorder retaining up to limit advisories.
func NewRecorder(limit int) *Recorder {
	if limit <= 0 {
		limit = DefaultRecorderLimit
	}
	return &Recorder{limit: limit, counts: make(map[Kind]int)}
}

// Emit appends evt, evicting the oldest entry when full.
func (r *Recorder) Emit(evt Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == r.limit {
		copy(r.events, r.events[1:])
		r.events = r.events[:len(r.events)-1]
	}
	r.events = append(r.events, evt)
	r.counts[evt.Kind]++
}

// Recent returns up to n of the newest advisories, oldest first. n <= 0 returns all retained.
func (r *Recorder) Recent(n int) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n <= 0 || n > len(r.events) {
		n = len(r.events)
	}
	return append([]Event(nil), r.events[len(r.events)-n:]...)
}

// Count returns how many advisories of kind were ever recorded, including evicted ones.
func (r *Recorder) Count(kind Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[kind]
}

// ForSpider returns the retained advisories raised for owner.
func (r *Recorder) ForSpider(owner spider.ID) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, evt := range r.events {
		if evt.Spider == owner {
			out = append(out, evt)
		}
	}
	return out
}
