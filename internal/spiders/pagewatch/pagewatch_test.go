package pagewatch_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/spiderhost/internal/advisory"
	"github.com/JakeFAU/spiderhost/internal/broker"
	"github.com/JakeFAU/spiderhost/internal/kv"
	"github.com/JakeFAU/spiderhost/internal/ledger"
	"github.com/JakeFAU/spiderhost/internal/spider"
	"github.com/JakeFAU/spiderhost/internal/spiders/pagewatch"
	"github.com/JakeFAU/spiderhost/internal/storage/memory"
	"github.com/JakeFAU/spiderhost/internal/tabular"
)

type env struct {
	caps     spider.Capabilities
	recorder *advisory.Recorder
	tables   *tabular.Store
	kv       *memory.KVBackend
}

func newEnv(t *testing.T, perSpider int) *env {
	t.Helper()
	rec := advisory.NewRecorder(64)
	b := broker.New(ledger.New(ledger.Limits{PerSpider: perSpider}, nil), rec, zap.NewNop())
	tables := tabular.New(memory.NewTableEngine(), nil)
	backend := memory.NewKVBackend()
	return &env{
		caps: spider.Capabilities{
			ID:      "pw",
			Threads: b.For(context.Background(), "pw"),
			Tables:  tables,
			Stores:  kv.NewNamespace(backend, "pw", nil),
			Logger:  zap.NewNop(),
		},
		recorder: rec,
		tables:   tables,
		kv:       backend,
	}
}

func newSite(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(20 * time.Millisecond)
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("hello " + r.URL.Path))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(seeds ...string) pagewatch.Config {
	cfg := pagewatch.DefaultConfig()
	cfg.Seeds = seeds
	cfg.Timeout = 2 * time.Second
	cfg.Backoff = 10 * time.Millisecond
	cfg.RateLimit.RPS = 0
	return cfg
}

func TestRunWritesPagesAndCursor(t *testing.T) {
	t.Parallel()

	srv := newSite(t)
	e := newEnv(t, 1)
	cfg := testConfig(srv.URL+"/a", srv.URL+"/b", srv.URL+"/missing")

	s, err := pagewatch.New(cfg, e.caps)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, s.Run(ctx))

	schema, rows, err := e.tables.Rows(ctx, pagewatch.TableName)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	require.Equal(t, []string{"bytes", "fetched_at", "hash", "status", "url"}, schema.Names())

	statusIdx, _ := schema.Index("status")
	statuses := map[int64]int{}
	for _, r := range rows {
		statuses[r[statusIdx].(int64)]++
	}
	require.Equal(t, map[int64]int{200: 2, 404: 1}, statuses)

	// One thread at a time forces at least one limit refusal and back-off.
	require.GreaterOrEqual(t, e.recorder.Count(advisory.KindThreadLimit), 1)

	v, ok := e.caps.Stores.ReadStore(ctx, pagewatch.CursorKey)
	require.True(t, ok)
	var cursor pagewatch.Cursor
	require.NoError(t, v.Decode(&cursor))
	require.Equal(t, 1, cursor.Round)
	require.Equal(t, 3, cursor.Pages)

	require.NoError(t, s.Unload(ctx))
	v, ok = e.caps.Stores.ReadStore(ctx, pagewatch.CheckpointKey)
	require.True(t, ok)
	var cp pagewatch.Checkpoint
	require.NoError(t, v.Decode(&cp))
	require.Equal(t, 1, cp.Round)
	require.False(t, cp.UnloadedAt.IsZero())
}

func TestSecondSessionAppendsAndAdvancesCursor(t *testing.T) {
	t.Parallel()

	srv := newSite(t)
	e := newEnv(t, 4)
	cfg := testConfig(srv.URL + "/a")
	ctx := context.Background()

	first, err := pagewatch.New(cfg, e.caps)
	require.NoError(t, err)
	require.NoError(t, first.Run(ctx))

	second, err := pagewatch.New(cfg, e.caps)
	require.NoError(t, err)
	require.NoError(t, second.Run(ctx))

	_, rows, err := e.tables.Rows(ctx, pagewatch.TableName)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	last, err := e.tables.ReadLastData(ctx, pagewatch.TableName, "fetched_at", 1, spider.OrderDesc)
	require.NoError(t, err)
	require.Len(t, last, 1)

	v, ok := e.caps.Stores.ReadStore(ctx, pagewatch.CursorKey)
	require.True(t, ok)
	var cursor pagewatch.Cursor
	require.NoError(t, v.Decode(&cursor))
	require.Equal(t, 2, cursor.Round)
	require.Equal(t, 2, cursor.Pages)
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	srv := newSite(t)
	e := newEnv(t, 2)
	cfg := testConfig(srv.URL + "/a")
	cfg.Rounds = 100
	cfg.Interval = time.Hour

	s, err := pagewatch.New(cfg, e.caps)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, ok := e.caps.Stores.ReadStore(context.Background(), pagewatch.CursorKey)
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop after cancel")
	}
}

func TestBuilderDecodesParams(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		params  map[string]any
		wantErr bool
	}{
		{
			name: "valid",
			params: map[string]any{
				"seeds":      []any{"https://example.com"},
				"timeout":    "5s",
				"rounds":     "2",
				"rate_limit": map[string]any{"rps": 2.5, "burst": 2},
			},
		},
		{name: "no seeds", params: map[string]any{}, wantErr: true},
		{name: "bad url", params: map[string]any{"seeds": []any{"ftp://x"}}, wantErr: true},
		{name: "unknown key", params: map[string]any{"seeds": []any{"https://a"}, "depth": 3}, wantErr: true},
		{name: "bad duration", params: map[string]any{"seeds": []any{"https://a"}, "timeout": "soon"}, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f, err := pagewatch.Builder(tc.params)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, f)
		})
	}

	cfg, err := pagewatch.DecodeConfig(map[string]any{"seeds": []any{"https://example.com"}, "timeout": "5s"})
	require.NoError(t, err)
	require.Equal(t, 5*time.Second, cfg.Timeout)
	require.Equal(t, 1, cfg.Rounds)
}

func TestNewRequiresCapabilities(t *testing.T) {
	t.Parallel()

	_, err := pagewatch.New(testConfig("https://example.com"), spider.Capabilities{})
	require.Error(t, err)
}
