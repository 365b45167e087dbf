// Package pagewatch is a sample spider. Each round it fetches every seed URL
// on its own thread, appends one row per fetch to the pages table and keeps a
// cursor in its key/value store.
package pagewatch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/spiderhost/internal/metrics"
	"github.com/JakeFAU/spiderhost/internal/policy/ratelimit"
	"github.com/JakeFAU/spiderhost/internal/spider"
)

// Name is the catalog name of the spider.
const Name = "pagewatch"

// Table and store names used by the spider.
const (
	TableName      = "pages"
	CursorKey      = "cursor"
	CheckpointKey  = "checkpoint"
	orderingColumn = "fetched_at"
)

// Cursor is persisted after every round.
type Cursor struct {
	Round   int       `json:"round"`
	Pages   int       `json:"pages"`
	LastRun time.Time `json:"last_run"`
}

// Checkpoint is written when the spider is unloaded.
type Checkpoint struct {
	Round      int       `json:"round"`
	Pages      int       `json:"pages"`
	UnloadedAt time.Time `json:"unloaded_at"`
}

// Spider implements spider.Unit.
type Spider struct {
	caps    spider.Capabilities
	cfg     Config
	fetcher *fetcher
	limiter *ratelimit.Limiter
	logger  *zap.Logger
	now     func() time.Time

	tableMu    sync.Mutex
	tableReady bool

	mu     sync.Mutex
	cursor Cursor
}

// Builder decodes params and returns a factory for the catalog.
func Builder(params map[string]any) (spider.Factory, error) {
	cfg, err := DecodeConfig(params)
	if err != nil {
		return nil, err
	}
	return func(caps spider.Capabilities) (spider.Unit, error) {
		return New(cfg, caps)
	}, nil
}

// New builds the spider from its capabilities.
func New(cfg Config, caps spider.Capabilities) (*Spider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if caps.Threads == nil || caps.Tables == nil || caps.Stores == nil {
		return nil, errors.New("pagewatch needs threads, tables and stores")
	}
	logger := caps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Spider{
		caps:    caps,
		cfg:     cfg,
		fetcher: newFetcher(cfg.UserAgent, cfg.Timeout),
		limiter: ratelimit.New(cfg.RateLimit),
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

// Run executes the configured rounds and returns. Cancellation ends it early
// without an error.
func (s *Spider) Run(ctx context.Context) error {
	cursor := s.loadCursor(ctx)
	rounds := s.cfg.Rounds
	if rounds == 0 {
		rounds = 1
	}

	for i := range rounds {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(s.cfg.Interval):
			}
		}
		fetched, err := s.round(ctx)
		if err != nil {
			return err
		}
		cursor.Round++
		cursor.Pages += fetched
		cursor.LastRun = s.now()
		s.mu.Lock()
		s.cursor = cursor
		s.mu.Unlock()
		if !s.caps.Stores.WriteStore(ctx, CursorKey, cursor) {
			s.logger.Warn("cursor not saved", zap.Int("round", cursor.Round))
		}
		if ctx.Err() != nil {
			return nil
		}
	}
	return nil
}

func (s *Spider) loadCursor(ctx context.Context) Cursor {
	var cursor Cursor
	v, ok := s.caps.Stores.ReadStore(ctx, CursorKey)
	if !ok {
		return cursor
	}
	if err := v.Decode(&cursor); err != nil {
		s.logger.Warn("discarding unreadable cursor", zap.Error(err))
		return Cursor{}
	}
	s.mu.Lock()
	s.cursor = cursor
	s.mu.Unlock()
	return cursor
}

// round allocates one thread per seed, backing off while at the thread
// limit, then waits for all of them.
func (s *Spider) round(ctx context.Context) (int, error) {
	var handles []*spider.ThreadHandle
	for _, seed := range s.cfg.Seeds {
		for {
			res := s.caps.Threads.AllocThread(s.fetchPage, spider.WithArgs(seed))
			if res.Granted() {
				handles = append(handles, res.Handle)
				break
			}
			if res.Refused == spider.ReasonClosed || res.Refused == spider.ReasonInvalid {
				s.logger.Info("allocation closed, ending round", zap.String("reason", string(res.Refused)))
				return s.join(ctx, handles), nil
			}
			if !s.backoff(ctx, handles) {
				return s.join(ctx, handles), nil
			}
		}
	}
	return s.join(ctx, handles), nil
}

// backoff waits for the oldest outstanding thread or the backoff interval.
// It reports false once ctx is done.
func (s *Spider) backoff(ctx context.Context, handles []*spider.ThreadHandle) bool {
	var done <-chan struct{}
	for _, h := range handles {
		select {
		case <-h.Done():
			continue
		default:
		}
		done = h.Done()
		break
	}
	timer := time.NewTimer(s.cfg.Backoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-done:
	case <-timer.C:
	}
	return true
}

// join waits for every handle and counts the successful fetches.
func (s *Spider) join(ctx context.Context, handles []*spider.ThreadHandle) int {
	ok := 0
	for _, h := range handles {
		if err := h.Wait(ctx); err == nil {
			ok++
		}
	}
	return ok
}

func (s *Spider) fetchPage(ctx context.Context, args spider.Args) error {
	raw, _ := args.Arg(0)
	target, ok := raw.(string)
	if !ok {
		return fmt.Errorf("fetch target %v is not a url", raw)
	}
	if err := s.limiter.Wait(ctx, target); err != nil {
		return err
	}
	p, err := s.fetcher.Fetch(ctx, target)
	if err != nil {
		metrics.ObserveFetchError(target)
		return fmt.Errorf("fetch %s: %w", target, err)
	}
	metrics.ObserveFetch(target, p.StatusCode, len(p.Body))

	sum := sha256.Sum256(p.Body)
	rec := spider.Record{
		"url":        target,
		"status":     p.StatusCode,
		"bytes":      len(p.Body),
		"hash":       hex.EncodeToString(sum[:]),
		"fetched_at": s.now(),
	}
	return s.write(ctx, rec)
}

// write appends rec to the pages table, creating it with rec as the first
// row when it does not exist yet.
func (s *Spider) write(ctx context.Context, rec spider.Record) error {
	s.tableMu.Lock()
	if !s.tableReady {
		_, err := s.caps.Tables.ReadLastData(ctx, TableName, orderingColumn, 1, spider.OrderDesc)
		switch {
		case errors.Is(err, spider.ErrNoSuchTable):
			created := s.caps.Tables.NewTable(ctx, TableName, rec)
			s.tableReady = created
			s.tableMu.Unlock()
			if !created {
				return fmt.Errorf("create table %s failed", TableName)
			}
			return nil
		case err != nil:
			s.tableMu.Unlock()
			return err
		}
		s.tableReady = true
	}
	s.tableMu.Unlock()
	return s.caps.Tables.WriteData(ctx, TableName, rec)
}

// Unload records a checkpoint with the last cursor.
func (s *Spider) Unload(ctx context.Context) error {
	s.mu.Lock()
	cp := Checkpoint{Round: s.cursor.Round, Pages: s.cursor.Pages, UnloadedAt: s.now()}
	s.mu.Unlock()
	if !s.caps.Stores.WriteStore(ctx, CheckpointKey, cp) {
		return errors.New("checkpoint not saved")
	}
	s.logger.Info("checkpoint saved", zap.Int("round", cp.Round), zap.Int("pages", cp.Pages))
	return nil
}
