package spider

import (
	"context"
	"fmt"
	"regexp"

	"go.uber.org/zap"
)

const maxIDLength = 64

var validID = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

// ID names a loaded spider unit. It doubles as the thread ledger owner key and
// the key/value namespace.
type ID string

// Validate reports whether the identifier is usable as an owner key.
func (id ID) Validate() error {
	if id == "" {
		return fmt.Errorf("%w: spider id is required", ErrInvalidArgument)
	}
	if len(id) > maxIDLength {
		return fmt.Errorf("%w: spider id %q exceeds %d characters", ErrInvalidArgument, id, maxIDLength)
	}
	if !validID.MatchString(string(id)) {
		return fmt.Errorf("%w: spider id %q has invalid characters", ErrInvalidArgument, id)
	}
	return nil
}

func (id ID) String() string {
	return string(id)
}

// Unit is implemented by every hosted spider. Run performs the spider's work
// and may return early while its threads keep going; Unload releases whatever
// Run acquired. The supervisor never calls Unload while Run is still executing.
type Unit interface {
	Run(ctx context.Context) error
	Unload(ctx context.Context) error
}

// Capabilities are handed to a Factory when the supervisor loads a unit.
type Capabilities struct {
	ID      ID
	Session string
	Threads ThreadAllocator
	Tables  TabularStore
	Stores  KVStore
	Logger  *zap.Logger
}

// Factory constructs a Unit from its capabilities.
type Factory func(caps Capabilities) (Unit, error)

// State is the lifecycle position of a loaded unit.
type State string

const (
	// StateCreated means the unit was constructed but Run has not been called.
	StateCreated State = "created"
	// StateRunning means Run was invoked. The unit stays running after Run returns.
	StateRunning State = "running"
	// StateUnloading means teardown has begun.
	StateUnloading State = "unloading"
	// StateUnloaded is terminal.
	StateUnloaded State = "unloaded"
)

// ThreadAllocator grants bounded background work to a single spider.
type ThreadAllocator interface {
	AllocThread(target Target, opts ...AllocOption) AllocResult
}

// TabularStore is the append-only table facility available to a spider.
// NewTable reports success as a bool; read and write failures are returned as
// errors wrapping one of the package sentinels.
type TabularStore interface {
	NewTable(ctx context.Context, table string, ref Record) bool
	ReadLastData(ctx context.Context, table, field string, n int, order Order) ([]Row, error)
	WriteData(ctx context.Context, table string, data Record) error
}

// KVStore is the per-spider key/value facility. A read miss is reported as
// absent, never as an error.
type KVStore interface {
	ReadStore(ctx context.Context, name string) (Value, bool)
	WriteStore(ctx context.Context, name string, value any) bool
}
