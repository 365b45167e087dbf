// Package supervisor loads spider units, drives them through their lifecycle
// and tears them down. Run is called at most once per load and Unload at most
// once per unload, and never while Run is still executing.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/spiderhost/internal/advisory"
	"github.com/JakeFAU/spiderhost/internal/broker"
	"github.com/JakeFAU/spiderhost/internal/clock"
	iduuid "github.com/JakeFAU/spiderhost/internal/id/uuid"
	"github.com/JakeFAU/spiderhost/internal/kv"
	"github.com/JakeFAU/spiderhost/internal/logging"
	"github.com/JakeFAU/spiderhost/internal/metrics"
	"github.com/JakeFAU/spiderhost/internal/spider"
	"github.com/JakeFAU/spiderhost/internal/tabular"
)

var (
	// ErrAlreadyLoaded is returned when the id is already registered.
	ErrAlreadyLoaded = errors.New("spider already loaded")
	// ErrNotLoaded is returned for ids with no registered unit.
	ErrNotLoaded = errors.New("spider not loaded")
	// ErrInvalidTransition is returned when the unit is not in a state that
	// allows the requested operation.
	ErrInvalidTransition = errors.New("invalid lifecycle transition")
)

// Deps are the shared services handed to every unit.
type Deps struct {
	Broker  *broker.Broker
	Tables  *tabular.Store
	KV      kv.Backend
	Emitter advisory.Emitter
	Logger  *zap.Logger
	Clock   clock.Clock
	// UnloadTimeout bounds each unload when the caller's context has no
	// deadline. Zero leaves it unbounded.
	UnloadTimeout time.Duration
}

// Status describes one loaded unit.
type Status struct {
	ID          spider.ID    `json:"id"`
	Session     string       `json:"session"`
	State       spider.State `json:"state"`
	LoadedAt    time.Time    `json:"loaded_at"`
	StartedAt   time.Time    `json:"started_at,omitzero"`
	RunDone     bool         `json:"run_done"`
	RunErr      string       `json:"run_error,omitempty"`
	LiveThreads int          `json:"live_threads"`
}

type entry struct {
	id      spider.ID
	session string
	unit    spider.Unit
	ns      *kv.Namespace
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *zap.Logger

	state     spider.State
	unloading bool
	loadedAt  time.Time
	startedAt time.Time
	runDone   chan struct{}
	runErr    error
}

// Supervisor tracks every loaded unit.
type Supervisor struct {
	deps    Deps
	ids     *iduuid.Generator
	logger  *zap.Logger
	emitter advisory.Emitter
	clock   clock.Clock

	mu      sync.Mutex
	units   map[spider.ID]*entry
	loading map[spider.ID]struct{}
}

// New builds a Supervisor. Broker, Tables and KV are required.
func New(deps Deps) (*Supervisor, error) {
	if deps.Broker == nil || deps.Tables == nil || deps.KV == nil {
		return nil, errors.New("supervisor requires a broker, table store and kv backend")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Emitter == nil {
		deps.Emitter = advisory.Nop{}
	}
	if deps.Clock == nil {
		deps.Clock = clock.System{}
	}
	return &Supervisor{
		deps:    deps,
		ids:     iduuid.NewGenerator(),
		logger:  deps.Logger.Named("supervisor"),
		emitter: deps.Emitter,
		clock:   deps.Clock,
		units:   make(map[spider.ID]*entry),
		loading: make(map[spider.ID]struct{}),
	}, nil
}

// Load constructs a unit through factory and registers it in the created
// state. The session context handed to Run and to the unit's threads outlives
// ctx and is cancelled by Unload.
func (s *Supervisor) Load(ctx context.Context, id spider.ID, factory spider.Factory) error {
	if err := id.Validate(); err != nil {
		return err
	}
	if factory == nil {
		return fmt.Errorf("%w: spider %s has no factory", spider.ErrContractViolation, id)
	}

	s.mu.Lock()
	_, loaded := s.units[id]
	_, loading := s.loading[id]
	if loaded || loading {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyLoaded, id)
	}
	s.loading[id] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.loading, id)
		s.mu.Unlock()
	}()

	session, err := s.ids.NewSessionID()
	if err != nil {
		return err
	}
	sessCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	logger := logging.ForSpider(s.deps.Logger, id, session)
	ns := kv.NewNamespace(s.deps.KV, id, logger)
	s.deps.Broker.Unseal(id)

	unit, err := build(factory, spider.Capabilities{
		ID:      id,
		Session: session,
		Threads: s.deps.Broker.For(sessCtx, id),
		Tables:  s.deps.Tables,
		Stores:  ns,
		Logger:  logger,
	})
	if err != nil {
		cancel()
		return fmt.Errorf("%w: load %s: %w", spider.ErrContractViolation, id, err)
	}

	e := &entry{
		id:       id,
		session:  session,
		unit:     unit,
		ns:       ns,
		ctx:      sessCtx,
		cancel:   cancel,
		logger:   logger,
		state:    spider.StateCreated,
		loadedAt: s.clock.Now(),
	}
	s.mu.Lock()
	s.units[id] = e
	s.mu.Unlock()

	s.transition(e, spider.StateCreated, "")
	return nil
}

func build(factory spider.Factory, caps spider.Capabilities) (unit spider.Unit, err error) {
	defer func() {
		if r := recover(); r != nil {
			unit, err = nil, fmt.Errorf("factory panicked: %v", r)
		}
	}()
	unit, err = factory(caps)
	if err != nil {
		return nil, err
	}
	if unit == nil {
		return nil, errors.New("factory returned a nil unit")
	}
	return unit, nil
}

// Start moves a created unit to running and invokes Run in its own goroutine.
func (s *Supervisor) Start(id spider.ID) error {
	s.mu.Lock()
	e, ok := s.units[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotLoaded, id)
	}
	if e.state != spider.StateCreated {
		s.mu.Unlock()
		return fmt.Errorf("%w: start %s from %s", ErrInvalidTransition, id, e.state)
	}
	e.state = spider.StateRunning
	e.startedAt = s.clock.Now()
	e.runDone = make(chan struct{})
	s.mu.Unlock()

	s.transition(e, spider.StateRunning, "")
	go s.run(e)
	return nil
}

// run calls Run with the session context, which Unload cancels.
func (s *Supervisor) run(e *entry) {
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("run panicked: %v", r)
			e.logger.Error("run panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
		s.mu.Lock()
		e.runErr = err
		s.mu.Unlock()
		close(e.runDone)
	}()

	err = e.unit.Run(e.ctx)
	if err != nil {
		e.logger.Warn("run returned error", zap.Error(err))
		return
	}
	e.logger.Info("run returned")
}

// Wait blocks until Run of a started unit returns and reports its error.
func (s *Supervisor) Wait(ctx context.Context, id spider.ID) error {
	s.mu.Lock()
	e, ok := s.units[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotLoaded, id)
	}
	done := e.runDone
	s.mu.Unlock()
	if done == nil {
		return fmt.Errorf("%w: %s has not been started", ErrInvalidTransition, id)
	}

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("wait for %s: %w", id, ctx.Err())
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return e.runErr
}

// Unload tears the unit down: allocation is sealed, the session context is
// cancelled, Run is awaited, Unload is called, and the key/value namespace is
// closed. If ctx ends while Run is still executing the unit stays unloading
// and Unload may be retried. Threads still running are not joined.
func (s *Supervisor) Unload(ctx context.Context, id spider.ID) error {
	s.mu.Lock()
	e, ok := s.units[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotLoaded, id)
	}
	if e.unloading {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s is already unloading", ErrInvalidTransition, id)
	}
	e.unloading = true
	first := e.state != spider.StateUnloading
	started := e.runDone != nil
	e.state = spider.StateUnloading
	s.mu.Unlock()

	if first {
		s.transition(e, spider.StateUnloading, "")
	}
	s.deps.Broker.Seal(id)
	e.cancel()

	if _, hasDeadline := ctx.Deadline(); !hasDeadline && s.deps.UnloadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.deps.UnloadTimeout)
		defer cancel()
	}

	var errs []error
	if started {
		select {
		case <-e.runDone:
		case <-ctx.Done():
			s.mu.Lock()
			e.unloading = false
			s.mu.Unlock()
			e.logger.Warn("unload timed out waiting for run", zap.Error(ctx.Err()))
			return fmt.Errorf("unload %s: wait for run: %w", id, ctx.Err())
		}
		if err := callUnload(ctx, e.unit); err != nil {
			e.logger.Warn("unload returned error", zap.Error(err))
			errs = append(errs, fmt.Errorf("unload %s: %w", id, err))
		}
	}
	if err := e.ns.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close store %s: %w", id, err))
	}

	s.mu.Lock()
	delete(s.units, id)
	e.state = spider.StateUnloaded
	s.mu.Unlock()
	s.deps.Broker.Unseal(id)

	s.transition(e, spider.StateUnloaded, "")
	return errors.Join(errs...)
}

func callUnload(ctx context.Context, unit spider.Unit) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("unload panicked: %v", r)
		}
	}()
	return unit.Unload(ctx)
}

// Shutdown unloads every unit concurrently.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ids := make([]spider.ID, 0, len(s.units))
	for id := range s.units {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, id := range ids {
		g.Go(func() error {
			err := s.Unload(ctx, id)
			if err != nil && !errors.Is(err, ErrNotLoaded) {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	if len(errs) > 0 {
		s.logger.Warn("shutdown finished with errors", zap.Int("errors", len(errs)))
	}
	return errors.Join(errs...)
}

// Status lists loaded units sorted by id.
func (s *Supervisor) Status() []Status {
	s.mu.Lock()
	out := make([]Status, 0, len(s.units))
	for _, e := range s.units {
		out = append(out, s.statusLocked(e))
	}
	s.mu.Unlock()
	slices.SortFunc(out, func(a, b Status) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

// Get returns the status of one unit.
func (s *Supervisor) Get(id spider.ID) (Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.units[id]
	if !ok {
		return Status{}, false
	}
	return s.statusLocked(e), true
}

func (s *Supervisor) statusLocked(e *entry) Status {
	st := Status{
		ID:          e.id,
		Session:     e.session,
		State:       e.state,
		LoadedAt:    e.loadedAt,
		StartedAt:   e.startedAt,
		LiveThreads: s.deps.Broker.Ledger().Live(e.id),
	}
	if e.runDone != nil {
		select {
		case <-e.runDone:
			st.RunDone = true
			if e.runErr != nil {
				st.RunErr = e.runErr.Error()
			}
		default:
		}
	}
	return st
}

func (s *Supervisor) transition(e *entry, state spider.State, note string) {
	metrics.ObserveTransition(string(state))
	e.logger.Info("lifecycle transition", zap.String("state", string(state)))
	s.emitter.Emit(advisory.NewLifecycleEvent(e.id, state, s.clock.Now(), note))
}
