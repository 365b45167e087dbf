package spider

import (
	"context"
	"maps"
	"sync"
	"time"
)

// Args carries the positional and keyword arguments bound to a thread target.
type Args struct {
	Positional []any
	Keyword    map[string]any
}

// Arg returns the positional argument at index i.
func (a Args) Arg(i int) (any, bool) {
	if i < 0 || i >= len(a.Positional) {
		return nil, false
	}
	return a.Positional[i], true
}

// Kwarg returns the keyword argument stored under key.
func (a Args) Kwarg(key string) (any, bool) {
	v, ok := a.Keyword[key]
	return v, ok
}

// Target is the body of an allocated thread. ctx is cancelled when the owning
// spider is unloaded.
type Target func(ctx context.Context, args Args) error

// AllocOptions is the resolved form of a set of AllocOption values.
type AllocOptions struct {
	Name string
	Args Args
}

// AllocOption customizes a thread allocation.
type AllocOption func(*AllocOptions)

// WithName requests an explicit thread name. Without it a name is derived from
// the target function and a per-spider sequence number.
func WithName(name string) AllocOption {
	return func(o *AllocOptions) {
		o.Name = name
	}
}

// WithArgs binds positional arguments to the target.
func WithArgs(args ...any) AllocOption {
	return func(o *AllocOptions) {
		o.Args.Positional = append([]any(nil), args...)
	}
}

// WithKwargs binds keyword arguments to the target. The map is copied.
func WithKwargs(kwargs map[string]any) AllocOption {
	return func(o *AllocOptions) {
		o.Args.Keyword = maps.Clone(kwargs)
	}
}

// ApplyAllocOptions folds opts into an AllocOptions value.
func ApplyAllocOptions(opts []AllocOption) AllocOptions {
	var o AllocOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.Args.Keyword == nil {
		o.Args.Keyword = map[string]any{}
	}
	return o
}

// Reason explains why an allocation was refused.
type Reason string

const (
	// ReasonNone marks a granted allocation.
	ReasonNone Reason = ""
	// ReasonLimit means the spider (or the host) is at its thread ceiling.
	ReasonLimit Reason = "thread-limit"
	// ReasonNameConflict means a live thread of the same spider already uses the name.
	ReasonNameConflict Reason = "thread-repeat"
	// ReasonClosed means the spider is being unloaded.
	ReasonClosed Reason = "thread-closed"
	// ReasonInvalid means the request itself was unusable, such as a nil target.
	ReasonInvalid Reason = "thread-invalid"
)

// AllocResult is the outcome of AllocThread: either a handle or a refusal reason.
type AllocResult struct {
	Handle  *ThreadHandle
	Refused Reason
}

// Granted reports whether a thread was started.
func (r AllocResult) Granted() bool {
	return r.Handle != nil
}

// Granted wraps a handle as a successful result.
func Granted(h *ThreadHandle) AllocResult {
	return AllocResult{Handle: h}
}

// Refused builds a refusal result.
func Refused(reason Reason) AllocResult {
	return AllocResult{Refused: reason}
}

// ThreadHandle observes a granted thread.
type ThreadHandle struct {
	owner     ID
	name      string
	createdAt time.Time
	done      chan struct{}

	once sync.Once
	mu   sync.Mutex
	err  error
}

// NewThreadHandle builds a handle and the function that completes it. finish
// is safe to call more than once; only the first error is kept.
func NewThreadHandle(owner ID, name string, createdAt time.Time) (*ThreadHandle, func(error)) {
	h := &ThreadHandle{
		owner:     owner,
		name:      name,
		createdAt: createdAt,
		done:      make(chan struct{}),
	}
	finish := func(err error) {
		h.once.Do(func() {
			h.mu.Lock()
			h.err = err
			h.mu.Unlock()
			close(h.done)
		})
	}
	return h, finish
}

// Owner returns the spider that holds the thread.
func (h *ThreadHandle) Owner() ID { return h.owner }

// Name returns the thread name, explicit or synthesized.
func (h *ThreadHandle) Name() string { return h.name }

// CreatedAt returns the grant time.
func (h *ThreadHandle) CreatedAt() time.Time { return h.createdAt }

// Done is closed once the target has returned and its slot was released.
func (h *ThreadHandle) Done() <-chan struct{} { return h.done }

// Wait blocks until the thread terminates or ctx is done.
func (h *ThreadHandle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the target's error once the thread has finished.
func (h *ThreadHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}
