package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/spiderhost/internal/spider"
)

var eventsSchema = spider.Schema{
	Table: "events",
	Columns: []spider.Column{
		{Name: "id", Type: spider.TypeInt},
		{Name: "ts", Type: spider.TypeTime},
	},
}

const eventsColumnsJSON = `[{"name":"id","type":"int"},{"name":"ts","type":"time"}]`

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

func TestMigrate(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS spider_tables").WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS spider_stores").WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	require.NoError(t, Migrate(context.Background(), mock))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateTableInsertsCatalogAndFirstRow(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	engine, err := NewTableEngine(mock)
	require.NoError(t, err)

	ts := time.Unix(1700000000, 0).UTC()
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO spider_tables").
		WithArgs("events", []byte(eventsColumnsJSON)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE IF NOT EXISTS "ds_events" (_seq BIGSERIAL PRIMARY KEY, "id" BIGINT NOT NULL, "ts" TIMESTAMPTZ NOT NULL)`)).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "ds_events" ("id", "ts") VALUES ($1, $2)`)).
		WithArgs(int64(1), ts).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	created, err := engine.CreateTable(context.Background(), eventsSchema, spider.Row{int64(1), ts})
	require.NoError(t, err)
	require.True(t, created)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateTableExistingRollsBack(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	engine, err := NewTableEngine(mock)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO spider_tables").
		WithArgs("events", []byte(eventsColumnsJSON)).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectRollback()

	created, err := engine.CreateTable(context.Background(), eventsSchema, spider.Row{int64(1), time.Now()})
	require.NoError(t, err)
	require.False(t, created)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateTableFailureRollsBack(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	engine, err := NewTableEngine(mock)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO spider_tables").
		WithArgs("events", []byte(eventsColumnsJSON)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("CREATE TABLE").WillReturnError(errors.New("permission denied"))
	mock.ExpectRollback()

	_, err = engine.CreateTable(context.Background(), eventsSchema, spider.Row{int64(1), time.Now()})
	require.ErrorContains(t, err, "permission denied")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSchemaLookup(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	engine, err := NewTableEngine(mock)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT columns FROM spider_tables").
		WithArgs("events").
		WillReturnRows(pgxmock.NewRows([]string{"columns"}).AddRow([]byte(eventsColumnsJSON)))
	mock.ExpectQuery("SELECT columns FROM spider_tables").
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows([]string{"columns"}))

	schema, found, err := engine.Schema(context.Background(), "events")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, eventsSchema, schema)

	_, found, err = engine.Schema(context.Background(), "missing")
	require.NoError(t, err)
	require.False(t, found)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTopOrdersWithSeqTiebreak(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	engine, err := NewTableEngine(mock)
	require.NoError(t, err)

	t1 := time.Unix(100, 0).UTC()
	t2 := time.Unix(200, 0).UTC()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT "id", "ts" FROM "ds_events" ORDER BY "ts" DESC, _seq ASC LIMIT $1`)).
		WithArgs(2).
		WillReturnRows(pgxmock.NewRows([]string{"id", "ts"}).AddRow(int64(2), t2).AddRow(int64(1), t1))

	rows, err := engine.Top(context.Background(), eventsSchema, "ts", 2, spider.OrderDesc)
	require.NoError(t, err)
	require.Equal(t, []spider.Row{{int64(2), t2}, {int64(1), t1}}, rows)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendAndRows(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	engine, err := NewTableEngine(mock)
	require.NoError(t, err)

	ts := time.Unix(300, 0).UTC()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "ds_events" ("id", "ts") VALUES ($1, $2)`)).
		WithArgs(int64(3), ts).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT "id", "ts" FROM "ds_events" ORDER BY _seq ASC`)).
		WillReturnRows(pgxmock.NewRows([]string{"id", "ts"}).AddRow(int64(3), ts))
	mock.ExpectQuery("SELECT name FROM spider_tables").
		WillReturnRows(pgxmock.NewRows([]string{"name"}).AddRow("events"))

	require.NoError(t, engine.Append(context.Background(), eventsSchema, spider.Row{int64(3), ts}))
	rows, err := engine.Rows(context.Background(), eventsSchema)
	require.NoError(t, err)
	require.Equal(t, []spider.Row{{int64(3), ts}}, rows)
	names, err := engine.Tables(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"events"}, names)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestKVBackendGetPut(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	backend, err := NewKVBackend(mock)
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO spider_stores").
		WithArgs("pagewatch", "cursor", []byte(`{"round":2}`)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("SELECT value FROM spider_stores").
		WithArgs("pagewatch", "cursor").
		WillReturnRows(pgxmock.NewRows([]string{"value"}).AddRow([]byte(`{"round":2}`)))
	mock.ExpectQuery("SELECT value FROM spider_stores").
		WithArgs("pagewatch", "missing").
		WillReturnRows(pgxmock.NewRows([]string{"value"}))

	ctx := context.Background()
	require.NoError(t, backend.Put(ctx, "pagewatch", "cursor", []byte(`{"round":2}`)))
	v, ok, err := backend.Get(ctx, "pagewatch", "cursor")
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, `{"round":2}`, string(v))

	_, ok, err = backend.Get(ctx, "pagewatch", "missing")
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConstructorsRequirePool(t *testing.T) {
	t.Parallel()

	_, err := NewTableEngine(nil)
	require.Error(t, err)
	_, err = NewKVBackend(nil)
	require.Error(t, err)
	_, err = Connect(context.Background(), Config{})
	require.Error(t, err)
}
