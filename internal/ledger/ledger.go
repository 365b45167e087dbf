// Package ledger tracks live thread allocations per spider and enforces the
// per-spider and host-wide concurrency ceilings. Every check-and-reserve runs
// under one mutex so concurrent requests can never overshoot a limit.
package ledger

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/spiderhost/internal/clock"
	"github.com/JakeFAU/spiderhost/internal/spider"
)

// DefaultPerSpider is used when Limits.PerSpider is not positive.
const DefaultPerSpider = 16

// Limits are the concurrency ceilings. Global of zero means unlimited.
type Limits struct {
	PerSpider int
	Global    int
}

// Validate rejects negative ceilings and a host ceiling below the per-spider one.
func (l Limits) Validate() error {
	if l.PerSpider <= 0 {
		return errors.New("per-spider thread limit must be > 0")
	}
	if l.Global < 0 {
		return errors.New("global thread limit must be >= 0")
	}
	if l.Global > 0 && l.Global < l.PerSpider {
		return fmt.Errorf("global thread limit %d is below per-spider limit %d", l.Global, l.PerSpider)
	}
	return nil
}

// Allocation is one live thread.
type Allocation struct {
	Owner     spider.ID `json:"spider"`
	Name      string    `json:"name"`
	Target    string    `json:"target"`
	CreatedAt time.Time `json:"created_at"`
}

// Ledger is safe for concurrent use.
type Ledger struct {
	mu     sync.Mutex
	limits Limits
	clock  clock.Clock
	live   map[spider.ID]map[string]Allocation
	total  int
	seq    map[spider.ID]uint64
	sealed map[spider.ID]struct{}
}

// New builds a Ledger. A nil clock uses the system clock.
func New(limits Limits, clk clock.Clock) *Ledger {
	if limits.PerSpider <= 0 {
		limits.PerSpider = DefaultPerSpider
	}
	if limits.Global < 0 {
		limits.Global = 0
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &Ledger{
		limits: limits,
		clock:  clk,
		live:   make(map[spider.ID]map[string]Allocation),
		seq:    make(map[spider.ID]uint64),
		sealed: make(map[spider.ID]struct{}),
	}
}

// Limits returns the effective ceilings.
func (l *Ledger) Limits() Limits {
	return l.limits
}

// Reserve records a new live thread for owner under name. Checks run in a
// fixed order: a sealed owner is refused as closed, then a live name is
// refused as a conflict, and only then are the ceilings consulted.
func (l *Ledger) Reserve(owner spider.ID, name, target string) (Allocation, spider.Reason) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.sealed[owner]; ok {
		return Allocation{}, spider.ReasonClosed
	}
	threads := l.live[owner]
	if _, ok := threads[name]; ok {
		return Allocation{}, spider.ReasonNameConflict
	}
	if len(threads) >= l.limits.PerSpider {
		return Allocation{}, spider.ReasonLimit
	}
	if l.limits.Global > 0 && l.total >= l.limits.Global {
		return Allocation{}, spider.ReasonLimit
	}
	if threads == nil {
		threads = make(map[string]Allocation)
		l.live[owner] = threads
	}
	alloc := Allocation{
		Owner:     owner,
		Name:      name,
		Target:    target,
		CreatedAt: l.clock.Now(),
	}
	threads[name] = alloc
	l.total++
	return alloc, spider.ReasonNone
}

// Release frees the slot held by owner/name. It reports whether a slot was
// actually held; releasing twice is harmless.
func (l *Ledger) Release(owner spider.ID, name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	threads, ok := l.live[owner]
	if !ok {
		return false
	}
	if _, ok := threads[name]; !ok {
		return false
	}
	delete(threads, name)
	l.total--
	if len(threads) == 0 {
		delete(l.live, owner)
	}
	return true
}

// NextSeq returns the next value of owner's name sequence, starting at 1.
func (l *Ledger) NextSeq(owner spider.ID) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq[owner]++
	return l.seq[owner]
}

// Seal refuses all further reservations for owner.
func (l *Ledger) Seal(owner spider.ID) {
	l.mu.Lock()
	l.sealed[owner] = struct{}{}
	l.mu.Unlock()
}

// Unseal lifts a Seal so the owner id can be loaded again.
func (l *Ledger) Unseal(owner spider.ID) {
	l.mu.Lock()
	delete(l.sealed, owner)
	l.mu.Unlock()
}

// Sealed reports whether owner is sealed.
func (l *Ledger) Sealed(owner spider.ID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.sealed[owner]
	return ok
}

// Live returns the number of live threads held by owner.
func (l *Ledger) Live(owner spider.ID) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.live[owner])
}

// Total returns the number of live threads across all owners.
func (l *Ledger) Total() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}

// Snapshot lists every live allocation ordered by owner then name.
func (l *Ledger) Snapshot() []Allocation {
	l.mu.Lock()
	out := make([]Allocation, 0, l.total)
	for _, threads := range l.live {
		for _, alloc := range threads {
			out = append(out, alloc)
		}
	}
	l.mu.Unlock()

	slices.SortFunc(out, func(a, b Allocation) int {
		if c := strings.Compare(string(a.Owner), string(b.Owner)); c != 0 {
			return c
		}
		return strings.Compare(a.Name, b.Name)
	})
	return out
}
