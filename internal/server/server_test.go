package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/spiderhost/internal/config"
	"github.com/JakeFAU/spiderhost/internal/spider"
	"github.com/JakeFAU/spiderhost/internal/spiders/pagewatch"
	"github.com/JakeFAU/spiderhost/internal/storage"
	"github.com/JakeFAU/spiderhost/internal/supervisor"
)

func testConfig(seed string) config.Config {
	return config.Config{
		Server: config.ServerConfig{Port: 8080, ShutdownTimeout: time.Second},
		Broker: config.BrokerConfig{MaxThreadsPerSpider: 4},
		Advisory: config.AdvisoryConfig{
			BufferSize:     16,
			MaxBatchEvents: 4,
			MaxBatchWait:   10 * time.Millisecond,
			SinkTimeout:    time.Second,
			RecentLimit:    32,
		},
		Storage: storage.Config{Tabular: storage.BackendMemory, KV: storage.BackendMemory},
		Supervisor: config.SupervisorConfig{
			UnloadTimeout: 5 * time.Second,
			Spiders: []config.SpiderConfig{{
				Name:      pagewatch.Name,
				ID:        "watcher",
				AutoStart: true,
				Params: map[string]any{
					"seeds":      []any{seed + "/a", seed + "/b"},
					"rate_limit": map[string]any{"rps": 100, "burst": 10},
				},
			}},
		},
	}
}

func buildTestApp(t *testing.T, cfg config.Config) *App {
	t.Helper()
	app, err := Build(context.Background(), cfg, Options{
		Logger:     zap.NewNop(),
		Registerer: prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	return app
}

func TestNewCatalog(t *testing.T) {
	t.Parallel()

	require.Equal(t, []string{pagewatch.Name}, NewCatalog().Names())
}

func TestApp_LoadConfiguredRunsSpider(t *testing.T) {
	t.Parallel()

	site := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(site.Close)

	app := buildTestApp(t, testConfig(site.URL))
	ctx := context.Background()

	require.NoError(t, app.LoadConfigured(ctx))
	require.NoError(t, app.Supervisor().Wait(ctx, "watcher"))

	_, rows, err := app.Tables().Rows(ctx, pagewatch.TableName)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	st, ok := app.Supervisor().Get("watcher")
	require.True(t, ok)
	require.Equal(t, spider.StateRunning, st.State)
	require.True(t, st.RunDone)

	req := httptest.NewRequest(http.MethodGet, "/v1/spiders/watcher", nil)
	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"running"`)

	require.NoError(t, app.Close(ctx))
	_, ok = app.Supervisor().Get("watcher")
	require.False(t, ok)
	require.NotEmpty(t, app.Recorder().ForSpider("watcher"))
}

func TestApp_LoadSpiderUnknownKind(t *testing.T) {
	t.Parallel()

	app := buildTestApp(t, testConfig("http://127.0.0.1:1"))
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	err := app.LoadSpider(context.Background(), config.SpiderConfig{Name: "nope", ID: "x"}, false)
	require.ErrorIs(t, err, supervisor.ErrUnknownSpider)
}

func TestApp_ReadyProbe(t *testing.T) {
	t.Parallel()

	app := buildTestApp(t, testConfig("http://127.0.0.1:1"))
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}
