package dashboard

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/doug-martin/goqu/v9/exp"
	gocache "github.com/patrickmn/go-cache"

	"github.com/loupeproject/loupe/internal/common/util"
	"github.com/loupeproject/loupe/internal/destination"
)

// Hard cap on candidate rows considered by a request search before
// pagination is applied.
const candidateLimit = 500

var (
	// Tables
	requestsTable        = goqu.T("requests")
	routesTable          = goqu.T("routes")
	middlewareTable      = goqu.T("middleware")
	viewsTable           = goqu.T("views")
	dbConnectionsTable   = goqu.T("db_connections")
	dbQueriesTable       = goqu.T("db_queries")
	errorsTable          = goqu.T("errors")
	cacheTable           = goqu.T("cache")
	customEventsTable    = goqu.T("custom_events")
	customEventDataTable = goqu.T("custom_event_data")
	rawMetricsTable      = goqu.T("raw_metrics")

	// Columns: requests
	request_id        = goqu.I("requests.id")
	request_token     = goqu.I("requests.token")
	request_dt        = goqu.I("requests.request_dt")
	request_totalTime = goqu.I("requests.total_time")

	// Columns: children
	route_requestId      = goqu.I("routes.request_id")
	middleware_requestId = goqu.I("middleware.request_id")
	query_requestId      = goqu.I("db_queries.request_id")
	error_requestId      = goqu.I("errors.request_id")
	cache_requestId      = goqu.I("cache.request_id")
	event_requestId      = goqu.I("custom_events.request_id")
	event_type           = goqu.I("custom_events.event_type")
	eventData_requestId  = goqu.I("custom_event_data.request_id")
	eventData_key        = goqu.I("custom_event_data.data_key")
	eventData_value      = goqu.I("custom_event_data.data_value")
)

// Engine serves read-only dashboard queries against the destination schema.
// It may run concurrently with the transfer worker and tolerates seeing
// partially delivered batches. Query failures degrade to empty results so
// the dashboard stays usable; they are logged, never propagated.
type Engine struct {
	goquDb   *goqu.Database
	maskIPs  bool
	cache    *gocache.Cache
	cacheTTL time.Duration
	clock    util.Clock
}

// NewEngine wraps db in a query engine. cacheTTL bounds how stale dashboard
// aggregates may be served from the in-process cache; 0 disables caching.
func NewEngine(db *sql.DB, dialect destination.Dialect, maskIPs bool, cacheTTL time.Duration) *Engine {
	return &Engine{
		goquDb:   goqu.Dialect(dialect.GoquDialect()).DB(db),
		maskIPs:  maskIPs,
		cache:    gocache.New(cacheTTL, 2*cacheTTL+time.Minute),
		cacheTTL: cacheTTL,
		clock:    &util.DefaultClock{},
	}
}

// from starts a prepared select on table. Prepared statements matter beyond
// performance here: driver-bound time values use the same text encoding the
// writer stored them with, which keeps timestamp comparisons correct on
// text-typed backends.
func (e *Engine) from(table exp.IdentifierExpression) *goqu.SelectDataset {
	return e.goquDb.From(table).Prepared(true)
}

func (e *Engine) maskIP(ip string) string {
	if e.maskIPs {
		return MaskIP(ip)
	}
	return ip
}

// buildBuckets emits one bucket start per width step from threshold up to
// now, inclusive of the bucket containing now. Zero-filling the full span
// avoids gaps in time-series rendering.
func buildBuckets(threshold, now time.Time, width time.Duration) []time.Time {
	if now.Before(threshold) {
		return nil
	}
	starts := make([]time.Time, 0, now.Sub(threshold)/width+1)
	for t := threshold; !t.After(now); t = t.Add(width) {
		starts = append(starts, t)
	}
	return starts
}

func bucketIndex(t, threshold time.Time, width time.Duration) int {
	if t.Before(threshold) {
		return -1
	}
	return int(t.Sub(threshold) / width)
}

// bucketWidthFor derives the bucket width of a filtered search histogram
// from the window size, mirroring the fixed widths of the dashboard ranges.
func bucketWidthFor(threshold, now time.Time) time.Duration {
	window := now.Sub(threshold)
	switch {
	case window <= time.Hour:
		return RangeLastHour.BucketWidth()
	case window <= 24*time.Hour:
		return RangeLastDay.BucketWidth()
	default:
		return RangeLastWeek.BucketWidth()
	}
}

func dashboardCacheKey(threshold time.Time, rng Range) string {
	return fmt.Sprintf("dashboard:%d:%s", threshold.Unix(), rng)
}

// intersect keeps the members of ordered that appear in every set.
func intersect(ordered []int64, sets []map[int64]bool) []int64 {
	result := make([]int64, 0, len(ordered))
	for _, id := range ordered {
		member := true
		for _, set := range sets {
			if !set[id] {
				member = false
				break
			}
		}
		if member {
			result = append(result, id)
		}
	}
	return result
}

func toSet(ids []int64) map[int64]bool {
	set := make(map[int64]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}
