// Package broker grants bounded, named background threads to spiders. Every
// grant is recorded in the ledger before the goroutine starts and released
// when the target returns, however it returns.
package broker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/spiderhost/internal/advisory"
	"github.com/JakeFAU/spiderhost/internal/clock"
	"github.com/JakeFAU/spiderhost/internal/ledger"
	"github.com/JakeFAU/spiderhost/internal/metrics"
	"github.com/JakeFAU/spiderhost/internal/spider"
)

// Broker owns the thread ledger and runs granted targets.
type Broker struct {
	ledger  *ledger.Ledger
	emitter advisory.Emitter
	logger  *zap.Logger
	clock   clock.Clock
}

// New builds a Broker. A nil emitter discards advisories.
func New(l *ledger.Ledger, emitter advisory.Emitter, logger *zap.Logger) *Broker {
	if emitter == nil {
		emitter = advisory.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{
		ledger:  l,
		emitter: emitter,
		logger:  logger.Named("broker"),
		clock:   clock.System{},
	}
}

// Ledger exposes the underlying ledger for status reporting.
func (b *Broker) Ledger() *ledger.Ledger {
	return b.ledger
}

// AllocThread reserves a slot for owner and starts target on success. A
// refusal emits exactly one advisory and never blocks.
func (b *Broker) AllocThread(ctx context.Context, owner spider.ID, target spider.Target, opts ...spider.AllocOption) spider.AllocResult {
	if target == nil {
		b.logger.Error("thread target is nil", zap.String("spider", owner.String()))
		metrics.ObserveThreadRefused(owner.String(), string(spider.ReasonInvalid))
		return spider.Refused(spider.ReasonInvalid)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	o := spider.ApplyAllocOptions(opts)
	targetName := funcName(target)
	name := o.Name
	if name == "" {
		name = fmt.Sprintf("%s-%d", targetName, b.ledger.NextSeq(owner))
	}

	alloc, reason := b.ledger.Reserve(owner, name, targetName)
	if reason != spider.ReasonNone {
		b.refuse(owner, name, reason)
		return spider.Refused(reason)
	}

	handle, finish := spider.NewThreadHandle(owner, name, alloc.CreatedAt)
	metrics.ObserveThreadGranted(owner.String())
	b.logger.Debug("thread granted",
		zap.String("spider", owner.String()),
		zap.String("thread", name),
		zap.String("target", targetName),
	)
	go b.run(ctx, alloc, target, o.Args, finish)
	return spider.Granted(handle)
}

func (b *Broker) run(ctx context.Context, alloc ledger.Allocation, target spider.Target, args spider.Args, finish func(error)) {
	start := time.Now()
	var (
		err      error
		panicked bool
	)
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			err = fmt.Errorf("thread %s panicked: %v", alloc.Name, r)
			b.logger.Error("thread panicked",
				zap.String("spider", alloc.Owner.String()),
				zap.String("thread", alloc.Name),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
		}
		b.ledger.Release(alloc.Owner, alloc.Name)
		metrics.ObserveThreadFinished(alloc.Owner.String(), time.Since(start), panicked)
		finish(err)
	}()

	err = target(ctx, args)
	if err != nil {
		b.logger.Warn("thread returned error",
			zap.String("spider", alloc.Owner.String()),
			zap.String("thread", alloc.Name),
			zap.Error(err),
		)
	}
}

func (b *Broker) refuse(owner spider.ID, name string, reason spider.Reason) {
	metrics.ObserveThreadRefused(owner.String(), string(reason))
	note := refusalNote(reason, b.ledger.Limits())
	b.logger.Warn("thread allocation refused",
		zap.String("spider", owner.String()),
		zap.String("thread", name),
		zap.String("reason", string(reason)),
	)
	if kind, ok := advisory.KindForReason(reason); ok {
		b.emitter.Emit(advisory.NewThreadEvent(owner, kind, name, b.clock.Now(), note))
	}
}

func refusalNote(reason spider.Reason, limits ledger.Limits) string {
	switch reason {
	case spider.ReasonLimit:
		if limits.Global > 0 {
			return fmt.Sprintf("at thread limit (per spider %d, host %d)", limits.PerSpider, limits.Global)
		}
		return fmt.Sprintf("at thread limit (per spider %d)", limits.PerSpider)
	case spider.ReasonNameConflict:
		return "a live thread already uses this name"
	case spider.ReasonClosed:
		return "spider is unloading"
	}
	return ""
}

// Seal refuses every further allocation for owner.
func (b *Broker) Seal(owner spider.ID) {
	b.ledger.Seal(owner)
}

// Unseal re-opens owner for allocation.
func (b *Broker) Unseal(owner spider.ID) {
	b.ledger.Unseal(owner)
}

// Snapshot lists all live threads.
func (b *Broker) Snapshot() []ledger.Allocation {
	return b.ledger.Snapshot()
}

// For returns the allocator handed to one spider. Threads it starts receive
// ctx, which the supervisor cancels on unload.
func (b *Broker) For(ctx context.Context, owner spider.ID) spider.ThreadAllocator {
	return &allocator{broker: b, owner: owner, ctx: ctx}
}

type allocator struct {
	broker *Broker
	owner  spider.ID
	ctx    context.Context
}

func (a *allocator) AllocThread(target spider.Target, opts ...spider.AllocOption) spider.AllocResult {
	return a.broker.AllocThread(a.ctx, a.owner, target, opts...)
}
