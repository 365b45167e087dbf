package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/spiderhost/internal/kv"
	"github.com/JakeFAU/spiderhost/internal/spider"
	"github.com/JakeFAU/spiderhost/internal/storage/memory"
	"github.com/JakeFAU/spiderhost/internal/storage/sqlite"
	"github.com/JakeFAU/spiderhost/internal/tabular"
)

var (
	_ tabular.Engine = (*sqlite.DB)(nil)
	_ kv.Backend     = (*sqlite.DB)(nil)
)

func openDB(t *testing.T) *sqlite.DB {
	t.Helper()
	db, err := sqlite.Open(t.TempDir(), sqlite.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })
	return db
}

func TestTablesThroughStore(t *testing.T) {
	t.Parallel()

	db := openDB(t)
	store := tabular.New(db, nil)
	ctx := context.Background()

	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	ref := spider.Record{
		"url":        "https://a.example",
		"status":     200,
		"ok":         true,
		"score":      1.5,
		"body":       []byte("x"),
		"fetched_at": base,
	}
	require.True(t, store.NewTable(ctx, "pages", ref))
	require.True(t, store.NewTable(ctx, "pages", ref))

	for i, status := range []int{404, 500} {
		require.NoError(t, store.WriteData(ctx, "pages", spider.Record{
			"url":        "https://b.example",
			"status":     status,
			"ok":         false,
			"score":      0.5,
			"body":       []byte("y"),
			"fetched_at": base.Add(time.Duration(i+1) * time.Hour),
		}))
	}
	require.ErrorIs(t, store.WriteData(ctx, "pages", spider.Record{"url": "x"}), spider.ErrSchemaMismatch)

	rows, err := store.ReadLastData(ctx, "pages", "fetched_at", 2, spider.OrderDesc)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	schema, err := store.Schema(ctx, "pages")
	require.NoError(t, err)
	tsIdx, _ := schema.Index("fetched_at")
	statusIdx, _ := schema.Index("status")
	okIdx, _ := schema.Index("ok")
	require.Equal(t, base.Add(2*time.Hour), rows[0][tsIdx])
	require.Equal(t, int64(500), rows[0][statusIdx])
	require.Equal(t, false, rows[0][okIdx])

	_, all, err := store.Rows(ctx, "pages")
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, true, all[0][okIdx])
}

func TestSchemaSurvivesReopen(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "data.db")
	db, err := sqlite.Open(path, sqlite.Options{})
	require.NoError(t, err)
	require.True(t, tabular.New(db, nil).NewTable(context.Background(), "t", spider.Record{"n": 1}))
	require.NoError(t, db.Close())
	require.NoError(t, db.Close())

	db, err = sqlite.Open(path, sqlite.Options{})
	require.NoError(t, err)
	defer func() { require.NoError(t, db.Close()) }()
	require.Equal(t, path, db.Path())

	names, err := db.Tables(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"t"}, names)
	require.False(t, tabular.New(db, nil).NewTable(context.Background(), "t", spider.Record{"n": "text"}))
}

func TestKeyValue(t *testing.T) {
	t.Parallel()

	db := openDB(t)
	ctx := context.Background()

	_, ok, err := db.Get(ctx, "a", "cursor")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, db.Put(ctx, "a", "cursor", []byte(`1`)))
	require.NoError(t, db.Put(ctx, "a", "cursor", []byte(`2`)))
	v, ok, err := db.Get(ctx, "a", "cursor")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte(`2`), v)

	_, ok, err = db.Get(ctx, "b", "cursor")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTimesOutsideNanosecondRange(t *testing.T) {
	t.Parallel()

	store := tabular.New(openDB(t), nil)
	ctx := context.Background()

	times := []time.Time{
		time.Date(1500, 3, 1, 12, 0, 0, 0, time.UTC),
		time.Date(2500, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(1999, 12, 31, 23, 59, 59, 123456789, time.UTC),
		time.Date(9999, 12, 31, 23, 59, 59, 999999999, time.UTC),
	}
	require.True(t, store.NewTable(ctx, "tt", spider.Record{"at": times[0]}))
	for _, ts := range times[1:] {
		require.NoError(t, store.WriteData(ctx, "tt", spider.Record{"at": ts}))
	}

	rows, err := store.ReadLastData(ctx, "tt", "at", 2, spider.OrderDesc)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.True(t, times[3].Equal(rows[0][0].(time.Time)), "got %v", rows[0][0])
	require.True(t, times[1].Equal(rows[1][0].(time.Time)), "got %v", rows[1][0])

	rows, err = store.ReadLastData(ctx, "tt", "at", 1, spider.OrderAsc)
	require.NoError(t, err)
	require.True(t, times[0].Equal(rows[0][0].(time.Time)), "got %v", rows[0][0])

	require.False(t, store.NewTable(ctx, "late", spider.Record{"at": time.Date(10000, 1, 1, 0, 0, 0, 0, time.UTC)}))
}

func TestEnginesAgreeOnEdgeValues(t *testing.T) {
	t.Parallel()

	engines := map[string]func(t *testing.T) tabular.Engine{
		"memory": func(*testing.T) tabular.Engine { return memory.NewTableEngine() },
		"sqlite": func(t *testing.T) tabular.Engine { return openDB(t) },
	}
	for name, newEngine := range engines {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			store := tabular.New(newEngine(t), nil)
			ctx := context.Background()

			require.True(t, store.NewTable(ctx, "blobs", spider.Record{"b": []byte(nil), "k": 1}))
			require.NoError(t, store.WriteData(ctx, "blobs", spider.Record{"b": []byte{}, "k": 2}))
			require.NoError(t, store.WriteData(ctx, "blobs", spider.Record{"b": []byte("z"), "k": 3}))

			rows, err := store.ReadLastData(ctx, "blobs", "k", 3, spider.OrderAsc)
			require.NoError(t, err)
			require.Len(t, rows, 3)
			require.NotNil(t, rows[0][0])
			require.Empty(t, rows[0][0])
			require.Empty(t, rows[1][0])
			require.Equal(t, []byte("z"), rows[2][0])

			far := time.Date(2500, 1, 1, 0, 0, 0, 0, time.UTC)
			require.True(t, store.NewTable(ctx, "tt", spider.Record{"at": far}))
			rows, err = store.ReadLastData(ctx, "tt", "at", 1, spider.OrderDesc)
			require.NoError(t, err)
			require.True(t, far.Equal(rows[0][0].(time.Time)), "got %v", rows[0][0])
		})
	}
}
