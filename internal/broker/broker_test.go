package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/spiderhost/internal/advisory"
	"github.com/JakeFAU/spiderhost/internal/ledger"
	"github.com/JakeFAU/spiderhost/internal/spider"
)

func newTestBroker(limits ledger.Limits) (*Broker, *advisory.Recorder) {
	rec := advisory.NewRecorder(64)
	return New(ledger.New(limits, nil), rec, zap.NewNop()), rec
}

// blocker returns a target that parks until release is closed.
func blocker(release <-chan struct{}) spider.Target {
	return func(ctx context.Context, _ spider.Args) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}
}

func TestAllocThreadBoundedConcurrency(t *testing.T) {
	t.Parallel()

	b, rec := newTestBroker(ledger.Limits{PerSpider: 3})
	release := make(chan struct{})
	var handles []*spider.ThreadHandle
	for i := range 3 {
		res := b.AllocThread(context.Background(), "a", blocker(release), spider.WithName(fmt.Sprintf("w%d", i)))
		require.True(t, res.Granted())
		handles = append(handles, res.Handle)
	}

	res := b.AllocThread(context.Background(), "a", blocker(release), spider.WithName("w3"))
	require.False(t, res.Granted())
	require.Equal(t, spider.ReasonLimit, res.Refused)
	require.Equal(t, 1, rec.Count(advisory.KindThreadLimit))
	require.Equal(t, 3, b.Ledger().Live("a"))

	close(release)
	for _, h := range handles {
		require.NoError(t, h.Wait(context.Background()))
	}
	require.Equal(t, 0, b.Ledger().Live("a"))

	res = b.AllocThread(context.Background(), "a", blocker(release), spider.WithName("w3"))
	require.True(t, res.Granted())
	require.NoError(t, res.Handle.Wait(context.Background()))
}

func TestAllocThreadNameConflict(t *testing.T) {
	t.Parallel()

	b, rec := newTestBroker(ledger.Limits{PerSpider: 4})
	release := make(chan struct{})
	first := b.AllocThread(context.Background(), "a", blocker(release), spider.WithName("fetch"))
	require.True(t, first.Granted())

	dup := b.AllocThread(context.Background(), "a", blocker(release), spider.WithName("fetch"))
	require.Equal(t, spider.ReasonNameConflict, dup.Refused)
	require.Equal(t, 1, rec.Count(advisory.KindThreadRepeat))
	events := rec.ForSpider("a")
	require.Len(t, events, 1)
	require.Equal(t, "fetch", events[0].Thread)

	// The same name under another spider is independent.
	other := b.AllocThread(context.Background(), "b", blocker(release), spider.WithName("fetch"))
	require.True(t, other.Granted())

	close(release)
	require.NoError(t, first.Handle.Wait(context.Background()))
	require.NoError(t, other.Handle.Wait(context.Background()))

	again := b.AllocThread(context.Background(), "a", blocker(release), spider.WithName("fetch"))
	require.True(t, again.Granted())
	require.NoError(t, again.Handle.Wait(context.Background()))
}

func TestAllocThreadSealed(t *testing.T) {
	t.Parallel()

	b, rec := newTestBroker(ledger.Limits{PerSpider: 4})
	b.Seal("a")
	res := b.AllocThread(context.Background(), "a", blocker(nil), spider.WithName("late"))
	require.Equal(t, spider.ReasonClosed, res.Refused)
	require.Equal(t, 1, rec.Count(advisory.KindThreadClosed))

	b.Unseal("a")
	res = b.AllocThread(context.Background(), "a", func(context.Context, spider.Args) error { return nil })
	require.True(t, res.Granted())
	require.NoError(t, res.Handle.Wait(context.Background()))
}

func TestAllocThreadNilTarget(t *testing.T) {
	t.Parallel()

	b, rec := newTestBroker(ledger.Limits{PerSpider: 1})
	res := b.AllocThread(context.Background(), "a", nil)
	require.Equal(t, spider.ReasonInvalid, res.Refused)
	require.Empty(t, rec.Recent(0))
}

func TestAllocThreadReleasesAfterErrorAndPanic(t *testing.T) {
	t.Parallel()

	b, _ := newTestBroker(ledger.Limits{PerSpider: 1})
	boom := errors.New("boom")

	res := b.AllocThread(context.Background(), "a", func(context.Context, spider.Args) error { return boom })
	require.True(t, res.Granted())
	require.ErrorIs(t, res.Handle.Wait(context.Background()), boom)
	require.Equal(t, 0, b.Ledger().Live("a"))

	res = b.AllocThread(context.Background(), "a", func(context.Context, spider.Args) error { panic("kaboom") })
	require.True(t, res.Granted())
	err := res.Handle.Wait(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "kaboom")
	require.Equal(t, 0, b.Ledger().Live("a"))
}

func TestAllocThreadPassesArgs(t *testing.T) {
	t.Parallel()

	b, _ := newTestBroker(ledger.Limits{PerSpider: 1})
	got := make(chan spider.Args, 1)
	res := b.AllocThread(context.Background(), "a", func(_ context.Context, args spider.Args) error {
		got <- args
		return nil
	}, spider.WithArgs("https://example.com", 2), spider.WithKwargs(map[string]any{"depth": 1}))
	require.True(t, res.Granted())
	require.NoError(t, res.Handle.Wait(context.Background()))

	args := <-got
	require.Equal(t, []any{"https://example.com", 2}, args.Positional)
	require.Equal(t, map[string]any{"depth": 1}, args.Keyword)
}

func TestAllocThreadSynthesizesNames(t *testing.T) {
	t.Parallel()

	b, _ := newTestBroker(ledger.Limits{PerSpider: 4})
	release := make(chan struct{})
	first := b.AllocThread(context.Background(), "a", parked(release))
	second := b.AllocThread(context.Background(), "a", parked(release))
	require.True(t, first.Granted())
	require.True(t, second.Granted())
	require.NotEqual(t, first.Handle.Name(), second.Handle.Name())
	require.True(t, strings.HasSuffix(first.Handle.Name(), "-1"), first.Handle.Name())
	require.True(t, strings.HasSuffix(second.Handle.Name(), "-2"), second.Handle.Name())
	close(release)
	require.NoError(t, first.Handle.Wait(context.Background()))
	require.NoError(t, second.Handle.Wait(context.Background()))
}

func TestForBindsContext(t *testing.T) {
	t.Parallel()

	b, _ := newTestBroker(ledger.Limits{PerSpider: 2})
	ctx, cancel := context.WithCancel(context.Background())
	alloc := b.For(ctx, "a")

	res := alloc.AllocThread(func(ctx context.Context, _ spider.Args) error {
		<-ctx.Done()
		return ctx.Err()
	}, spider.WithName("waiter"))
	require.True(t, res.Granted())
	require.Equal(t, spider.ID("a"), res.Handle.Owner())

	cancel()
	waitCtx, waitCancel := context.WithTimeout(context.Background(), time.Second)
	defer waitCancel()
	require.ErrorIs(t, res.Handle.Wait(waitCtx), context.Canceled)
}

func TestConcurrentAllocationsExactlyOneAdvisoryPerRefusal(t *testing.T) {
	t.Parallel()

	const limit, callers = 4, 40
	b, rec := newTestBroker(ledger.Limits{PerSpider: limit})
	release := make(chan struct{})

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		granted  []*spider.ThreadHandle
		refusals int
	)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := b.AllocThread(context.Background(), "a", blocker(release), spider.WithName(fmt.Sprintf("t%d", i)))
			mu.Lock()
			defer mu.Unlock()
			if res.Granted() {
				granted = append(granted, res.Handle)
				return
			}
			refusals++
		}()
	}
	wg.Wait()

	require.Len(t, granted, limit)
	require.Equal(t, callers-limit, refusals)
	require.Equal(t, refusals, rec.Count(advisory.KindThreadLimit))

	close(release)
	for _, h := range granted {
		require.NoError(t, h.Wait(context.Background()))
	}
}

func TestFuncName(t *testing.T) {
	t.Parallel()

	// Inlining can prefix closure names with the caller, e.g. "TestFuncName.parked.func1".
	closure := funcName(parked(nil))
	require.True(t, strings.HasSuffix(closure, "parked.func1"), "got %q", closure)
	require.NotContains(t, closure, "/")
	require.Equal(t, "noop", funcName(noop))
}

func parked(release <-chan struct{}) spider.Target {
	return func(context.Context, spider.Args) error {
		<-release
		return nil
	}
}

func noop(context.Context, spider.Args) error { return nil }
