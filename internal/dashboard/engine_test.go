package dashboard

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loupeproject/loupe/internal/common/util"
	"github.com/loupeproject/loupe/internal/configuration"
	"github.com/loupeproject/loupe/internal/destination"
	"github.com/loupeproject/loupe/internal/model"
)

var (
	testNow       = time.Date(2024, 3, 1, 13, 0, 0, 0, time.UTC)
	testThreshold = testNow.Add(-time.Hour)
)

func newTestEngine(t *testing.T, cacheTTL time.Duration, records ...*model.MetricRecord) (*Engine, *destination.Writer) {
	t.Helper()
	db, dialect, err := destination.Open(configuration.DestinationConfig{
		Kind: configuration.DestinationKindEmbeddedFile,
		Path: filepath.Join(t.TempDir(), "loupe.db"),
	})
	require.NoError(t, err)
	writer := destination.NewWriter(db, dialect)
	t.Cleanup(func() { _ = writer.Close() })

	for _, record := range records {
		require.NoError(t, writer.Store(context.Background(), record))
	}

	engine := NewEngine(db, dialect, true, cacheTTL)
	engine.clock = &util.DummyClock{T: testNow}
	return engine, writer
}

func testRecords() []*model.MetricRecord {
	return []*model.MetricRecord{
		{
			Token: "tok-1", StartedAt: testThreshold.Add(5 * time.Minute),
			Method: "GET", URL: "/articles", ResponseCode: 200, TotalTime: 0.1,
			IP: "192.168.1.77", Host: "blog.example.com",
			Routes: map[string]model.RouteMetric{"/articles": {ExecutionTime: 0.1}},
			Cache:  map[string]model.CacheMetric{"articles:index": {Hit: true, ExecutionTime: 0.001}},
		},
		{
			Token: "tok-2", StartedAt: testThreshold.Add(10 * time.Minute),
			Method: "GET", URL: "/missing", ResponseCode: 404, TotalTime: 0.5,
			Custom: []model.CustomEvent{
				{Timestamp: testThreshold.Add(10 * time.Minute), Type: "checkout",
					Data: map[string]any{"amount": 99.5, "region": "eu"}},
			},
		},
		{
			Token: "tok-3", StartedAt: testThreshold.Add(20 * time.Minute),
			Method: "POST", URL: "/orders", ResponseCode: 500, TotalTime: 2.0,
			SessionID: "sess-3",
			Errors:    []model.ErrorMetric{{Message: "boom", Code: 500, Trace: "stack"}},
			DB: &model.DBMetrics{
				Connection: model.DBConnection{Engine: "postgres", Host: "db1", Database: "shop"},
				Queries:    []model.QueryMetric{{SQL: "INSERT INTO orders", ExecutionTime: 0.9, RowCount: 1}},
			},
			Middleware: map[string][]model.MiddlewareMetric{
				"/orders": {{Identifier: "auth", Method: "handle", ExecutionTime: 0.05}},
			},
			Custom: []model.CustomEvent{
				{Timestamp: testThreshold.Add(20 * time.Minute), Type: "checkout",
					Data: map[string]any{"amount": 150.0, "region": "us"}},
				{Timestamp: testThreshold.Add(21 * time.Minute), Type: "signup",
					Data: map[string]any{"plan": "pro"}},
			},
		},
		{
			Token: "tok-4", StartedAt: testThreshold.Add(40 * time.Minute),
			Method: "GET", URL: "/articles/9", ResponseCode: 200, TotalTime: 0.3,
			IsBot: true,
			Cache: map[string]model.CacheMetric{"articles:9": {Hit: false, ExecutionTime: 0.002}},
		},
	}
}

func TestEngine_GetDashboardData(t *testing.T) {
	engine, _ := newTestEngine(t, 0, testRecords()...)
	data := engine.GetDashboardData(context.Background(), testThreshold, RangeLastHour)

	assert.Equal(t, int64(4), data.AllRequestsCount)

	require.NotEmpty(t, data.SlowestRequests)
	assert.Equal(t, "tok-3", data.SlowestRequests[0].Token)
	assert.Equal(t, 2.0, data.SlowestRequests[0].TotalTime)

	assert.InDelta(t, 0.25, data.ErrorRate, 0.0001)
	assert.InDelta(t, 0.5, data.CacheHitRate, 0.0001)

	require.Len(t, data.SlowestQueries, 1)
	assert.Equal(t, "tok-3", data.SlowestQueries[0].Token)
	assert.Equal(t, "INSERT INTO orders", data.SlowestQueries[0].SQL)

	require.Len(t, data.SlowestMiddleware, 1)
	assert.Equal(t, "auth", data.SlowestMiddleware[0].Identifier)

	require.Len(t, data.SlowestRoutes, 1)
	assert.Equal(t, "/articles", data.SlowestRoutes[0].Pattern)
	assert.Equal(t, int64(1), data.SlowestRoutes[0].Count)

	// sorted total times: 0.1, 0.3, 0.5, 2.0
	assert.InDelta(t, 1.775, data.P95, 0.0001)
	assert.InDelta(t, 1.955, data.P99, 0.0001)

	require.Len(t, data.ResponseCodeHistogram, 13)
	var total int64
	for _, bucket := range data.ResponseCodeHistogram {
		total += bucket.Total
	}
	assert.Equal(t, int64(4), total)
	assert.Equal(t, int64(1), data.ResponseCodeHistogram[1].Counts[200])
	assert.Equal(t, int64(1), data.ResponseCodeHistogram[2].Counts[404])
	assert.Equal(t, int64(1), data.ResponseCodeHistogram[4].Counts[500])
	assert.Equal(t, int64(1), data.ResponseCodeHistogram[8].Counts[200])

	require.Len(t, data.LatencySeries, 13)
	assert.InDelta(t, 2.0, data.LatencySeries[4].AverageTime, 0.0001)
	assert.Zero(t, data.LatencySeries[3].Count)
}

func TestEngine_GetDashboardDataServesCachedResult(t *testing.T) {
	engine, writer := newTestEngine(t, time.Minute, testRecords()...)
	ctx := context.Background()

	first := engine.GetDashboardData(ctx, testThreshold, RangeLastHour)
	assert.Equal(t, int64(4), first.AllRequestsCount)

	require.NoError(t, writer.Store(ctx, &model.MetricRecord{
		Token: "tok-5", StartedAt: testThreshold.Add(50 * time.Minute),
		Method: "GET", URL: "/late", ResponseCode: 200, TotalTime: 0.1,
	}))

	second := engine.GetDashboardData(ctx, testThreshold, RangeLastHour)
	assert.Equal(t, int64(4), second.AllRequestsCount)
}

func TestEngine_GetDashboardDataEmptyStore(t *testing.T) {
	engine, _ := newTestEngine(t, 0)
	data := engine.GetDashboardData(context.Background(), testThreshold, RangeLastHour)

	assert.Zero(t, data.AllRequestsCount)
	assert.Zero(t, data.ErrorRate)
	assert.Zero(t, data.P95)
	assert.Len(t, data.ResponseCodeHistogram, 13)
	assert.Empty(t, data.SlowestRequests)
}

func TestEngine_GetRequestsData_Pagination(t *testing.T) {
	engine, _ := newTestEngine(t, 0, testRecords()...)
	data := engine.GetRequestsData(context.Background(), testThreshold, 1, 2, nil)

	assert.Equal(t, 4, data.Pagination.TotalCount)
	assert.Equal(t, 2, data.Pagination.TotalPages)
	require.Len(t, data.Requests, 2)
	// Newest first
	assert.Equal(t, "tok-4", data.Requests[0].Token)
	assert.Equal(t, "tok-3", data.Requests[1].Token)

	second := engine.GetRequestsData(context.Background(), testThreshold, 2, 2, nil)
	require.Len(t, second.Requests, 2)
	assert.Equal(t, "tok-2", second.Requests[0].Token)
	assert.Equal(t, "tok-1", second.Requests[1].Token)
}

func TestEngine_GetRequestsData_MainFilters(t *testing.T) {
	engine, _ := newTestEngine(t, 0, testRecords()...)
	ctx := context.Background()

	byToken := engine.GetRequestsData(ctx, testThreshold, 1, 20, &RequestFilters{Token: "tok-2"})
	require.Len(t, byToken.Requests, 1)
	assert.Equal(t, "tok-2", byToken.Requests[0].Token)

	byURL := engine.GetRequestsData(ctx, testThreshold, 1, 20, &RequestFilters{URLContains: "articles"})
	assert.Equal(t, 2, byURL.Pagination.TotalCount)

	exactCode := engine.GetRequestsData(ctx, testThreshold, 1, 20, &RequestFilters{ResponseCode: "404"})
	require.Len(t, exactCode.Requests, 1)
	assert.Equal(t, "tok-2", exactCode.Requests[0].Token)

	prefixCode := engine.GetRequestsData(ctx, testThreshold, 1, 20, &RequestFilters{ResponseCode: "4"})
	require.Len(t, prefixCode.Requests, 1)
	assert.Equal(t, "tok-2", prefixCode.Requests[0].Token)

	bot := true
	byBot := engine.GetRequestsData(ctx, testThreshold, 1, 20, &RequestFilters{IsBot: &bot})
	require.Len(t, byBot.Requests, 1)
	assert.Equal(t, "tok-4", byBot.Requests[0].Token)

	slow := engine.GetRequestsData(ctx, testThreshold, 1, 20, &RequestFilters{MinTotalTime: 0.4})
	assert.Equal(t, 2, slow.Pagination.TotalCount)

	bySession := engine.GetRequestsData(ctx, testThreshold, 1, 20, &RequestFilters{SessionID: "sess-3"})
	require.Len(t, bySession.Requests, 1)
	assert.Equal(t, "tok-3", bySession.Requests[0].Token)
}

func TestEngine_GetRequestsData_EventFilters(t *testing.T) {
	engine, _ := newTestEngine(t, 0, testRecords()...)
	ctx := context.Background()

	byType := engine.GetRequestsData(ctx, testThreshold, 1, 20, &RequestFilters{EventType: "checkout"})
	require.Len(t, byType.Requests, 2)
	assert.Equal(t, "tok-3", byType.Requests[0].Token)
	assert.Equal(t, "tok-2", byType.Requests[1].Token)

	// Type set and data set intersect
	combined := engine.GetRequestsData(ctx, testThreshold, 1, 20, &RequestFilters{
		EventType:   "checkout",
		DataFilters: []DataFilter{{Key: "amount", Operator: MatchGreaterThan, Value: "120"}},
	})
	require.Len(t, combined.Requests, 1)
	assert.Equal(t, "tok-3", combined.Requests[0].Token)

	exact := engine.GetRequestsData(ctx, testThreshold, 1, 20, &RequestFilters{
		DataFilters: []DataFilter{{Key: "region", Operator: MatchExact, Value: "eu"}},
	})
	require.Len(t, exact.Requests, 1)
	assert.Equal(t, "tok-2", exact.Requests[0].Token)

	// Both sets are non-empty but disjoint
	disjoint := engine.GetRequestsData(ctx, testThreshold, 1, 20, &RequestFilters{
		EventType:   "signup",
		DataFilters: []DataFilter{{Key: "region", Operator: MatchExact, Value: "eu"}},
	})
	assert.Zero(t, disjoint.Pagination.TotalCount)
	assert.Empty(t, disjoint.Requests)

	// An unmatched type filter short-circuits the search
	unmatched := engine.GetRequestsData(ctx, testThreshold, 1, 20, &RequestFilters{EventType: "nonexistent"})
	assert.Zero(t, unmatched.Pagination.TotalCount)
}

func TestEngine_GetRequestsData_HistogramCoversAllMatchesNotJustPage(t *testing.T) {
	engine, _ := newTestEngine(t, 0, testRecords()...)
	data := engine.GetRequestsData(context.Background(), testThreshold, 1, 1, nil)

	require.Len(t, data.Requests, 1)
	var total int64
	for _, bucket := range data.ResponseCodeHistogram {
		total += bucket.Total
	}
	assert.Equal(t, int64(4), total)
}

func TestEngine_MasksClientIPs(t *testing.T) {
	engine, _ := newTestEngine(t, 0, testRecords()...)
	data := engine.GetRequestsData(context.Background(), testThreshold, 1, 20, &RequestFilters{Token: "tok-1"})

	require.Len(t, data.Requests, 1)
	assert.Equal(t, "192.168.1.xx", data.Requests[0].IP)
}

func TestEngine_GetRequestDetails(t *testing.T) {
	engine, _ := newTestEngine(t, 0, testRecords()...)
	details := engine.GetRequestDetails(context.Background(), "tok-3")

	require.NotNil(t, details)
	assert.Equal(t, "tok-3", details.Request.Token)
	assert.Equal(t, "POST", details.Request.Method)

	require.Len(t, details.Errors, 1)
	assert.Equal(t, "boom", details.Errors[0].Message)
	assert.Equal(t, "stack", details.Errors[0].Trace)

	require.Len(t, details.Connections, 1)
	assert.Equal(t, "postgres", details.Connections[0].Engine)
	require.Len(t, details.Queries, 1)
	assert.Equal(t, "INSERT INTO orders", details.Queries[0].SQL)

	require.Len(t, details.Middleware, 1)
	assert.Equal(t, "auth", details.Middleware[0].Identifier)

	require.Len(t, details.Events, 2)
	assert.Equal(t, "checkout", details.Events[0].Type)
	// Scalar payload values come back as their stored text form
	assert.Equal(t, "150", details.Events[0].Data["amount"])
	assert.Equal(t, "us", details.Events[0].Data["region"])
	assert.Equal(t, "signup", details.Events[1].Type)
	assert.Equal(t, "pro", details.Events[1].Data["plan"])
}

func TestEngine_GetRequestDetails_UnknownToken(t *testing.T) {
	engine, _ := newTestEngine(t, 0, testRecords()...)
	assert.Nil(t, engine.GetRequestDetails(context.Background(), "no-such-token"))
}

func TestEngine_GetEventKeys(t *testing.T) {
	engine, _ := newTestEngine(t, 0, testRecords()...)
	keys := engine.GetEventKeys(context.Background(), testThreshold)
	assert.Equal(t, []string{"amount", "plan", "region"}, keys)
}

func TestDecodeEventValue(t *testing.T) {
	assert.Equal(t, "plain", decodeEventValue("plain"))
	assert.Equal(t, "150", decodeEventValue("150"))
	assert.Equal(t, map[string]any{"a": float64(1)}, decodeEventValue(`{"a":1}`))
	assert.Equal(t, []any{"x", "y"}, decodeEventValue(`["x","y"]`))
	// Broken JSON stays a string
	assert.Equal(t, `{"a":`, decodeEventValue(`{"a":`))
}
