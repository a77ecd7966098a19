package destination

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loupeproject/loupe/internal/configuration"
	"github.com/loupeproject/loupe/internal/model"
)

func openTestWriter(t *testing.T) *Writer {
	t.Helper()
	db, dialect, err := Open(configuration.DestinationConfig{
		Kind: configuration.DestinationKindEmbeddedFile,
		Path: filepath.Join(t.TempDir(), "loupe.db"),
	})
	require.NoError(t, err)
	writer := NewWriter(db, dialect)
	t.Cleanup(func() { _ = writer.Close() })
	return writer
}

func fullRecord(token string) *model.MetricRecord {
	return &model.MetricRecord{
		Token:             token,
		StartedAt:         time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Method:            "POST",
		URL:               "/checkout",
		TotalTime:         0.42,
		PeakMemory:        4096,
		ResponseCode:      201,
		ResponseSize:      128,
		ResponseBuildTime: 0.1,
		IP:                "10.0.0.9",
		UserAgent:         "curl/8",
		Host:              "shop.example.com",
		SessionID:         "sess-9",
		Routes: map[string]model.RouteMetric{
			"/checkout": {ExecutionTime: 0.4, Memory: 2048},
		},
		Middleware: map[string][]model.MiddlewareMetric{
			"/checkout": {
				{Identifier: "auth", Method: "handle", ExecutionTime: 0.01},
				{Identifier: "csrf", Method: "handle", ExecutionTime: 0.002},
			},
		},
		Views: map[string]model.ViewMetric{
			"checkout/confirm": {RenderTime: 0.05},
		},
		DB: &model.DBMetrics{
			Connection: model.DBConnection{Engine: "postgres", Host: "db1", Database: "shop"},
			Queries: []model.QueryMetric{
				{SQL: "INSERT INTO orders", Params: []string{"42"}, ExecutionTime: 0.02, RowCount: 1, MemoryDelta: 64},
			},
		},
		Errors: []model.ErrorMetric{{Message: "card declined", Code: 402}},
		Cache: map[string]model.CacheMetric{
			"cart:9": {Hit: true, ExecutionTime: 0.001},
		},
		Custom: []model.CustomEvent{
			{
				Timestamp: time.Date(2024, 3, 1, 12, 0, 1, 0, time.UTC),
				Type:      "order_placed",
				Data:      map[string]any{"total": 99.5, "currency": "EUR", "items": []any{"a", "b"}},
			},
		},
	}
}

func TestWriter_StoreDecomposesRecord(t *testing.T) {
	writer := openTestWriter(t)
	ctx := context.Background()

	require.NoError(t, writer.Store(ctx, fullRecord("tok-1")))

	counts := map[string]int{
		"requests":          1,
		"routes":            1,
		"middleware":        2,
		"views":             1,
		"db_connections":    1,
		"db_queries":        1,
		"errors":            1,
		"cache":             1,
		"custom_events":     1,
		"custom_event_data": 3,
		"raw_metrics":       1,
	}
	for table, want := range counts {
		var got int
		require.NoError(t, writer.db.QueryRow("SELECT COUNT(*) FROM "+table).Scan(&got))
		assert.Equal(t, want, got, table)
	}
}

func TestWriter_DuplicateTokenFails(t *testing.T) {
	writer := openTestWriter(t)
	ctx := context.Background()

	require.NoError(t, writer.Store(ctx, fullRecord("tok-1")))
	assert.Error(t, writer.Store(ctx, fullRecord("tok-1")))

	// The failed transaction must leave no partial rows behind
	var requests, routes int
	require.NoError(t, writer.db.QueryRow("SELECT COUNT(*) FROM requests").Scan(&requests))
	require.NoError(t, writer.db.QueryRow("SELECT COUNT(*) FROM routes").Scan(&routes))
	assert.Equal(t, 1, requests)
	assert.Equal(t, 1, routes)
}

func TestWriter_StoreMinimalRecord(t *testing.T) {
	writer := openTestWriter(t)

	record := &model.MetricRecord{
		Token:     "tok-minimal",
		StartedAt: time.Now().UTC(),
		Method:    "GET",
		URL:       "/",
	}
	require.NoError(t, writer.Store(context.Background(), record))

	var count int
	require.NoError(t, writer.db.QueryRow("SELECT COUNT(*) FROM requests").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestInsertSQL_PlaceholderStyles(t *testing.T) {
	pg := &Writer{dialect: postgresDialect{}}
	assert.Equal(t,
		"INSERT INTO routes (request_id, pattern) VALUES ($1, $2), ($3, $4)",
		pg.insertSQL("routes", []string{"request_id", "pattern"}, 2))

	lite := &Writer{dialect: sqliteDialect{}}
	assert.Equal(t,
		"INSERT INTO routes (request_id, pattern) VALUES (?, ?)",
		lite.insertSQL("routes", []string{"request_id", "pattern"}, 1))
}

func TestSerialiseEventValue(t *testing.T) {
	cases := []struct {
		value any
		want  string
	}{
		{"plain", "plain"},
		{nil, ""},
		{42.0, "42"},
		{true, "true"},
		{map[string]any{"a": 1}, `{"a":1}`},
		{[]any{"x", "y"}, `["x","y"]`},
	}
	for _, c := range cases {
		got, err := serialiseEventValue(c.value)
		require.NoError(t, err)
		assert.Equal(t, c.want, got)
	}
}

func TestDialectFor(t *testing.T) {
	embedded, err := DialectFor(configuration.DestinationKindEmbeddedFile)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", embedded.Name())

	pg, err := DialectFor(configuration.DestinationKindPostgres)
	require.NoError(t, err)
	assert.Equal(t, "postgres", pg.Name())
	assert.True(t, pg.SupportsReturning())

	ts, err := DialectFor(configuration.DestinationKindTimeseries)
	require.NoError(t, err)
	assert.Equal(t, "timescale", ts.Name())
	assert.Equal(t, 1, ts.BatchChunkSize())
	assert.NotEmpty(t, ts.PostCreateStatements())

	_, err = DialectFor("mystery")
	assert.Error(t, err)
}
