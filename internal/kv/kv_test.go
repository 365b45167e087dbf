package kv_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/spiderhost/internal/kv"
	"github.com/JakeFAU/spiderhost/internal/storage/memory"
)

func TestNamespaceRoundTripAndIsolation(t *testing.T) {
	t.Parallel()

	backend := memory.NewKVBackend()
	a := kv.NewNamespace(backend, "a", zap.NewNop())
	b := kv.NewNamespace(backend, "b", zap.NewNop())
	ctx := context.Background()

	_, ok := a.ReadStore(ctx, "cursor")
	require.False(t, ok)

	require.True(t, a.WriteStore(ctx, "cursor", map[string]int{"page": 3}))
	v, ok := a.ReadStore(ctx, "cursor")
	require.True(t, ok)
	var got map[string]int
	require.NoError(t, v.Decode(&got))
	require.Equal(t, 3, got["page"])

	_, ok = b.ReadStore(ctx, "cursor")
	require.False(t, ok)

	require.True(t, a.WriteStore(ctx, "cursor", []string{"x"}))
	v, ok = a.ReadStore(ctx, "cursor")
	require.True(t, ok)
	require.JSONEq(t, `["x"]`, v.String())
}

func TestNamespaceRejectsBadInput(t *testing.T) {
	t.Parallel()

	ns := kv.NewNamespace(memory.NewKVBackend(), "a", nil)
	ctx := context.Background()
	require.False(t, ns.WriteStore(ctx, "", 1))
	require.False(t, ns.WriteStore(ctx, "ch", make(chan int)))
	_, ok := ns.ReadStore(ctx, "")
	require.False(t, ok)
}

func TestNamespaceBackendFailureReadsAbsent(t *testing.T) {
	t.Parallel()

	ns := kv.NewNamespace(failingBackend{err: errors.New("disk gone")}, "a", nil)
	_, ok := ns.ReadStore(context.Background(), "cursor")
	require.False(t, ok)
	require.False(t, ns.WriteStore(context.Background(), "cursor", 1))
}

func TestNamespaceCloseFlushesAndRefuses(t *testing.T) {
	t.Parallel()

	fb := &flushingBackend{KVBackend: memory.NewKVBackend()}
	ns := kv.NewNamespace(fb, "a", nil)
	ctx := context.Background()
	require.True(t, ns.WriteStore(ctx, "k", 1))

	require.NoError(t, ns.Close(ctx))
	require.NoError(t, ns.Close(ctx))
	require.Equal(t, []string{"a"}, fb.flushed)

	require.False(t, ns.WriteStore(ctx, "k", 2))
	_, ok := ns.ReadStore(ctx, "k")
	require.False(t, ok)
}

type failingBackend struct{ err error }

func (f failingBackend) Get(context.Context, string, string) ([]byte, bool, error) {
	return nil, false, f.err
}

func (f failingBackend) Put(context.Context, string, string, []byte) error { return f.err }

func (f failingBackend) Close() error { return nil }

type flushingBackend struct {
	*memory.KVBackend
	flushed []string
}

func (f *flushingBackend) Flush(_ context.Context, ns string) error {
	f.flushed = append(f.flushed, ns)
	return nil
}
