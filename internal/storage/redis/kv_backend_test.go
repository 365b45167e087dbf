package redis_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/spiderhost/internal/kv"
	"github.com/JakeFAU/spiderhost/internal/storage/redis"
)

var _ kv.Backend = (*redis.KVBackend)(nil)

func TestKVBackend(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	backend, err := redis.New(redis.Config{Addr: mr.Addr()})
	require.NoError(t, err)
	defer func() { require.NoError(t, backend.Close()) }()

	ctx := context.Background()
	require.NoError(t, backend.Ping(ctx))

	_, ok, err := backend.Get(ctx, "alpha", "cursor")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, backend.Put(ctx, "alpha", "cursor", []byte(`{"page":3}`)))
	v, ok, err := backend.Get(ctx, "alpha", "cursor")
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, `{"page":3}`, string(v))

	raw, err := mr.Get("spiderhost:alpha:store:cursor")
	require.NoError(t, err)
	require.JSONEq(t, `{"page":3}`, raw)
}

func TestKVBackendPrefixAndErrors(t *testing.T) {
	t.Parallel()

	_, err := redis.New(redis.Config{})
	require.Error(t, err)

	mr := miniredis.RunT(t)
	backend := redis.NewFromClient(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}), "custom")
	require.Equal(t, "custom:ns:store:key", backend.Key("ns", "key"))

	ctx := context.Background()
	require.NoError(t, backend.Put(ctx, "ns", "key", []byte("1")))
	require.True(t, mr.Exists("custom:ns:store:key"))

	mr.Close()
	_, _, err = backend.Get(ctx, "ns", "key")
	require.Error(t, err)
	require.Error(t, backend.Put(ctx, "ns", "key", []byte("2")))
	require.NoError(t, backend.Close())
}

func TestNamespaceOverRedis(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	backend, err := redis.New(redis.Config{Addr: mr.Addr(), Prefix: "t"})
	require.NoError(t, err)
	defer func() { _ = backend.Close() }()

	ns := kv.NewNamespace(backend, "pagewatch", nil)
	ctx := context.Background()
	require.True(t, ns.WriteStore(ctx, "seen", []string{"a", "b"}))

	v, ok := ns.ReadStore(ctx, "seen")
	require.True(t, ok)
	var got []string
	require.NoError(t, v.Decode(&got))
	require.Equal(t, []string{"a", "b"}, got)
}
