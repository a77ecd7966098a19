package dashboard

import (
	"time"
)

// Range selects the dashboard window and with it the histogram bucket width.
type Range string

const (
	RangeLastHour Range = "last_hour"
	RangeLastDay  Range = "last_day"
	RangeLastWeek Range = "last_week"
)

// BucketWidth is the histogram bucket size for the range: 5 minutes for the
// last hour, 15 minutes for the last day, 6 hours for the last week.
func (r Range) BucketWidth() time.Duration {
	switch r {
	case RangeLastDay:
		return 15 * time.Minute
	case RangeLastWeek:
		return 6 * time.Hour
	default:
		return 5 * time.Minute
	}
}

// Filter operators accepted for custom event data filters.
const (
	MatchExact            = "exact"
	MatchContains         = "contains"
	MatchStartsWith       = "starts_with"
	MatchEndsWith         = "ends_with"
	MatchGreaterThan      = "greater_than"
	MatchLessThan         = "less_than"
	MatchGreaterThanEqual = "greater_than_equal"
	MatchLessThanEqual    = "less_than_equal"
)

// DataFilter matches requests by a single custom event payload field.
type DataFilter struct {
	Key      string
	Operator string
	Value    string
}

// RequestFilters is the explicit filter set for GetRequestsData. The query
// engine never reaches into ambient request state; callers populate this
// struct instead.
type RequestFilters struct {
	// Exact request token match
	Token string
	// Substring match on the URL
	URLContains string
	// Response code, exact ("404") or prefix ("4", "40")
	ResponseCode string
	// nil means no bot filtering
	IsBot *bool
	// Minimum total request time in seconds
	MinTotalTime float64
	IP           string
	Host         string
	SessionID    string
	UserAgent    string
	// Substring match on the custom event type
	EventType string
	// Matching request id sets of multiple data filters are intersected
	DataFilters []DataFilter
}

func (f *RequestFilters) hasEventFilters() bool {
	return f.EventType != "" || len(f.DataFilters) > 0
}

type RequestSummary struct {
	Token             string
	RequestDT         time.Time
	Method            string
	URL               string
	TotalTime         float64
	PeakMemory        int64
	ResponseCode      int
	ResponseSize      int64
	ResponseBuildTime float64
	IsBot             bool
	IP                string
	UserAgent         string
	Host              string
	SessionID         string
}

type RouteAggregate struct {
	Pattern     string
	AverageTime float64
	Count       int64
}

type MiddlewareAggregate struct {
	Identifier  string
	AverageTime float64
	Count       int64
}

type QuerySummary struct {
	Token         string
	SQL           string
	ExecutionTime float64
	RowCount      int64
}

// HistogramBucket is one zero-filled time bucket of response code counts.
type HistogramBucket struct {
	Start  time.Time
	Counts map[int]int64
	Total  int64
}

// LatencyBucket is one zero-filled time bucket of average request latency.
type LatencyBucket struct {
	Start       time.Time
	AverageTime float64
	Count       int64
}

type DashboardData struct {
	AllRequestsCount      int64
	SlowestRequests       []*RequestSummary
	SlowestRoutes         []*RouteAggregate
	ErrorRate             float64
	SlowestQueries        []*QuerySummary
	SlowestMiddleware     []*MiddlewareAggregate
	CacheHitRate          float64
	ResponseCodeHistogram []*HistogramBucket
	P95                   float64
	P99                   float64
	LatencySeries         []*LatencyBucket
}

type Pagination struct {
	Page       int
	PerPage    int
	TotalCount int
	TotalPages int
}

type RequestsData struct {
	Requests              []*RequestSummary
	Pagination            Pagination
	ResponseCodeHistogram []*HistogramBucket
}

type MiddlewareDetail struct {
	RoutePattern  string
	Identifier    string
	Method        string
	ExecutionTime float64
}

type RouteDetail struct {
	Pattern       string
	ExecutionTime float64
	Memory        int64
}

type ViewDetail struct {
	Identifier string
	RenderTime float64
}

type ConnectionDetail struct {
	Engine   string
	Host     string
	Database string
}

type QueryDetail struct {
	SQL           string
	Params        []string
	ExecutionTime float64
	RowCount      int64
	MemoryDelta   int64
}

type ErrorDetail struct {
	Message string
	Code    int
	Trace   string
}

type CacheDetail struct {
	Key           string
	Hit           bool
	ExecutionTime float64
}

type EventDetail struct {
	Timestamp time.Time
	Type      string
	Data      map[string]any
}

type RequestDetails struct {
	Request     *RequestSummary
	Routes      []*RouteDetail
	Middleware  []*MiddlewareDetail
	Views       []*ViewDetail
	Connections []*ConnectionDetail
	Queries     []*QueryDetail
	Errors      []*ErrorDetail
	CacheOps    []*CacheDetail
	Events      []*EventDetail
}
