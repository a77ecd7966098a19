package dashboard

import (
	"context"
	"database/sql"
	"time"

	"github.com/doug-martin/goqu/v9"
	log "github.com/sirupsen/logrus"
)

type requestRow struct {
	ID                int64     `db:"id"`
	Token             string    `db:"token"`
	RequestDT         time.Time `db:"request_dt"`
	Method            string    `db:"method"`
	URL               string    `db:"url"`
	TotalTime         float64   `db:"total_time"`
	PeakMemory        int64     `db:"peak_memory"`
	ResponseCode      int       `db:"response_code"`
	ResponseSize      int64     `db:"response_size"`
	ResponseBuildTime float64   `db:"response_build_time"`
	IsBot             bool      `db:"is_bot"`
	IP                string    `db:"ip"`
	UserAgent         string    `db:"user_agent"`
	Host              string    `db:"host"`
	SessionID         string    `db:"session_id"`
}

func requestColumns() []any {
	return []any{
		goqu.I("requests.id").As("id"),
		request_token.As("token"),
		request_dt.As("request_dt"),
		goqu.I("requests.method").As("method"),
		goqu.I("requests.url").As("url"),
		request_totalTime.As("total_time"),
		goqu.COALESCE(goqu.I("requests.peak_memory"), 0).As("peak_memory"),
		goqu.COALESCE(goqu.I("requests.response_code"), 0).As("response_code"),
		goqu.COALESCE(goqu.I("requests.response_size"), 0).As("response_size"),
		goqu.COALESCE(goqu.I("requests.response_build_time"), 0).As("response_build_time"),
		goqu.I("requests.is_bot").As("is_bot"),
		goqu.COALESCE(goqu.I("requests.ip"), "").As("ip"),
		goqu.COALESCE(goqu.I("requests.user_agent"), "").As("user_agent"),
		goqu.COALESCE(goqu.I("requests.host"), "").As("host"),
		goqu.COALESCE(goqu.I("requests.session_id"), "").As("session_id"),
	}
}

func (e *Engine) summaryFromRow(row *requestRow) *RequestSummary {
	return &RequestSummary{
		Token:             row.Token,
		RequestDT:         row.RequestDT.UTC(),
		Method:            row.Method,
		URL:               row.URL,
		TotalTime:         row.TotalTime,
		PeakMemory:        row.PeakMemory,
		ResponseCode:      row.ResponseCode,
		ResponseSize:      row.ResponseSize,
		ResponseBuildTime: row.ResponseBuildTime,
		IsBot:             row.IsBot,
		IP:                e.maskIP(row.IP),
		UserAgent:         row.UserAgent,
		Host:              row.Host,
		SessionID:         row.SessionID,
	}
}

// GetDashboardData assembles the aggregate dashboard for requests newer than
// threshold. Failures are logged and degrade to an empty dashboard with
// zero-filled series; results are cached for the engine's cache TTL.
func (e *Engine) GetDashboardData(ctx context.Context, threshold time.Time, rng Range) *DashboardData {
	threshold = threshold.UTC()

	key := dashboardCacheKey(threshold, rng)
	if e.cacheTTL > 0 {
		if cached, ok := e.cache.Get(key); ok {
			return cached.(*DashboardData)
		}
	}

	data, err := e.dashboardData(ctx, threshold, rng)
	if err != nil {
		log.WithError(err).Warn("Could not load dashboard data, returning empty dashboard")
		return e.emptyDashboard(threshold, rng)
	}

	if e.cacheTTL > 0 {
		e.cache.Set(key, data, e.cacheTTL)
	}
	return data
}

func (e *Engine) emptyDashboard(threshold time.Time, rng Range) *DashboardData {
	now := e.clock.Now().UTC()
	histogram, latency := emptySeries(threshold, now, rng.BucketWidth())
	return &DashboardData{
		SlowestRequests:       []*RequestSummary{},
		SlowestRoutes:         []*RouteAggregate{},
		SlowestQueries:        []*QuerySummary{},
		SlowestMiddleware:     []*MiddlewareAggregate{},
		ResponseCodeHistogram: histogram,
		LatencySeries:         latency,
	}
}

func emptySeries(threshold, now time.Time, width time.Duration) ([]*HistogramBucket, []*LatencyBucket) {
	starts := buildBuckets(threshold, now, width)
	histogram := make([]*HistogramBucket, len(starts))
	latency := make([]*LatencyBucket, len(starts))
	for i, start := range starts {
		histogram[i] = &HistogramBucket{Start: start, Counts: map[int]int64{}}
		latency[i] = &LatencyBucket{Start: start}
	}
	return histogram, latency
}

func (e *Engine) dashboardData(ctx context.Context, threshold time.Time, rng Range) (*DashboardData, error) {
	data := &DashboardData{}

	count, err := e.from(requestsTable).
		Where(request_dt.Gte(threshold)).
		CountContext(ctx)
	if err != nil {
		return nil, err
	}
	data.AllRequestsCount = count

	if data.SlowestRequests, err = e.slowestRequests(ctx, threshold); err != nil {
		return nil, err
	}
	if data.SlowestRoutes, err = e.slowestRoutes(ctx, threshold); err != nil {
		return nil, err
	}
	if data.ErrorRate, err = e.errorRate(ctx, threshold, count); err != nil {
		return nil, err
	}
	if data.SlowestQueries, err = e.slowestQueries(ctx, threshold); err != nil {
		return nil, err
	}
	if data.SlowestMiddleware, err = e.slowestMiddleware(ctx, threshold); err != nil {
		return nil, err
	}
	if data.CacheHitRate, err = e.cacheHitRate(ctx, threshold); err != nil {
		return nil, err
	}

	samples, err := e.requestSamples(ctx, threshold)
	if err != nil {
		return nil, err
	}
	now := e.clock.Now().UTC()
	data.ResponseCodeHistogram, data.LatencySeries = buildSeries(samples, threshold, now, rng.BucketWidth())

	times := make([]float64, len(samples))
	for i, s := range samples {
		times[i] = s.TotalTime
	}
	data.P95 = Percentile(times, 95)
	data.P99 = Percentile(times, 99)

	return data, nil
}

func (e *Engine) slowestRequests(ctx context.Context, threshold time.Time) ([]*RequestSummary, error) {
	var rows []requestRow
	err := e.from(requestsTable).
		Select(requestColumns()...).
		Where(request_dt.Gte(threshold)).
		Order(request_totalTime.Desc()).
		Limit(5).
		ScanStructsContext(ctx, &rows)
	if err != nil {
		return nil, err
	}
	summaries := make([]*RequestSummary, len(rows))
	for i := range rows {
		summaries[i] = e.summaryFromRow(&rows[i])
	}
	return summaries, nil
}

func (e *Engine) slowestRoutes(ctx context.Context, threshold time.Time) ([]*RouteAggregate, error) {
	var rows []struct {
		Pattern     string  `db:"pattern"`
		AverageTime float64 `db:"average_time"`
		Count       int64   `db:"count"`
	}
	err := e.from(routesTable).
		Join(requestsTable, goqu.On(route_requestId.Eq(request_id))).
		Select(
			goqu.I("routes.pattern").As("pattern"),
			goqu.AVG(goqu.I("routes.execution_time")).As("average_time"),
			goqu.COUNT(goqu.Star()).As("count"),
		).
		Where(request_dt.Gte(threshold)).
		GroupBy(goqu.I("routes.pattern")).
		Order(goqu.I("average_time").Desc()).
		Limit(5).
		ScanStructsContext(ctx, &rows)
	if err != nil {
		return nil, err
	}
	aggregates := make([]*RouteAggregate, len(rows))
	for i, row := range rows {
		aggregates[i] = &RouteAggregate{Pattern: row.Pattern, AverageTime: row.AverageTime, Count: row.Count}
	}
	return aggregates, nil
}

func (e *Engine) errorRate(ctx context.Context, threshold time.Time, totalRequests int64) (float64, error) {
	if totalRequests == 0 {
		return 0, nil
	}
	var failed int64
	_, err := e.from(errorsTable).
		Join(requestsTable, goqu.On(error_requestId.Eq(request_id))).
		Select(goqu.COUNT(goqu.DISTINCT(error_requestId))).
		Where(request_dt.Gte(threshold)).
		ScanValContext(ctx, &failed)
	if err != nil {
		return 0, err
	}
	return float64(failed) / float64(totalRequests), nil
}

func (e *Engine) slowestQueries(ctx context.Context, threshold time.Time) ([]*QuerySummary, error) {
	var rows []struct {
		Token         string        `db:"token"`
		SQL           string        `db:"sql_text"`
		ExecutionTime float64       `db:"execution_time"`
		RowCount      sql.NullInt64 `db:"row_count"`
	}
	err := e.from(dbQueriesTable).
		Join(requestsTable, goqu.On(query_requestId.Eq(request_id))).
		Select(
			request_token.As("token"),
			goqu.COALESCE(goqu.I("db_queries.sql_text"), "").As("sql_text"),
			goqu.COALESCE(goqu.I("db_queries.execution_time"), 0).As("execution_time"),
			goqu.I("db_queries.row_count").As("row_count"),
		).
		Where(request_dt.Gte(threshold)).
		Order(goqu.I("db_queries.execution_time").Desc()).
		Limit(5).
		ScanStructsContext(ctx, &rows)
	if err != nil {
		return nil, err
	}
	summaries := make([]*QuerySummary, len(rows))
	for i, row := range rows {
		summaries[i] = &QuerySummary{
			Token:         row.Token,
			SQL:           row.SQL,
			ExecutionTime: row.ExecutionTime,
			RowCount:      row.RowCount.Int64,
		}
	}
	return summaries, nil
}

func (e *Engine) slowestMiddleware(ctx context.Context, threshold time.Time) ([]*MiddlewareAggregate, error) {
	var rows []struct {
		Identifier  string  `db:"identifier"`
		AverageTime float64 `db:"average_time"`
		Count       int64   `db:"count"`
	}
	err := e.from(middlewareTable).
		Join(requestsTable, goqu.On(middleware_requestId.Eq(request_id))).
		Select(
			goqu.I("middleware.identifier").As("identifier"),
			goqu.AVG(goqu.I("middleware.execution_time")).As("average_time"),
			goqu.COUNT(goqu.Star()).As("count"),
		).
		Where(request_dt.Gte(threshold)).
		GroupBy(goqu.I("middleware.identifier")).
		Order(goqu.I("average_time").Desc()).
		Limit(5).
		ScanStructsContext(ctx, &rows)
	if err != nil {
		return nil, err
	}
	aggregates := make([]*MiddlewareAggregate, len(rows))
	for i, row := range rows {
		aggregates[i] = &MiddlewareAggregate{Identifier: row.Identifier, AverageTime: row.AverageTime, Count: row.Count}
	}
	return aggregates, nil
}

func (e *Engine) cacheHitRate(ctx context.Context, threshold time.Time) (float64, error) {
	var row struct {
		Total int64         `db:"total"`
		Hits  sql.NullInt64 `db:"hits"`
	}
	found, err := e.from(cacheTable).
		Join(requestsTable, goqu.On(cache_requestId.Eq(request_id))).
		Select(
			goqu.COUNT(goqu.Star()).As("total"),
			goqu.SUM(goqu.Case().When(goqu.I("cache.hit").IsTrue(), 1).Else(0)).As("hits"),
		).
		Where(request_dt.Gte(threshold)).
		ScanStructContext(ctx, &row)
	if err != nil || !found || row.Total == 0 {
		return 0, err
	}
	return float64(row.Hits.Int64) / float64(row.Total), nil
}

type requestSample struct {
	RequestDT    time.Time `db:"request_dt"`
	ResponseCode int       `db:"response_code"`
	TotalTime    float64   `db:"total_time"`
}

func (e *Engine) requestSamples(ctx context.Context, threshold time.Time) ([]requestSample, error) {
	var samples []requestSample
	err := e.from(requestsTable).
		Select(
			request_dt.As("request_dt"),
			goqu.COALESCE(goqu.I("requests.response_code"), 0).As("response_code"),
			request_totalTime.As("total_time"),
		).
		Where(request_dt.Gte(threshold)).
		ScanStructsContext(ctx, &samples)
	return samples, err
}

// buildSeries folds per-request samples into the zero-filled response code
// histogram and latency series. Bucketing happens here rather than in SQL so
// every backend produces identical series.
func buildSeries(samples []requestSample, threshold, now time.Time, width time.Duration) ([]*HistogramBucket, []*LatencyBucket) {
	histogram, latency := emptySeries(threshold, now, width)
	sums := make([]float64, len(latency))

	for _, s := range samples {
		i := bucketIndex(s.RequestDT.UTC(), threshold, width)
		if i < 0 || i >= len(histogram) {
			continue
		}
		histogram[i].Counts[s.ResponseCode]++
		histogram[i].Total++
		latency[i].Count++
		sums[i] += s.TotalTime
	}
	for i, bucket := range latency {
		if bucket.Count > 0 {
			bucket.AverageTime = sums[i] / float64(bucket.Count)
		}
	}
	return histogram, latency
}
