package collector

import (
	"context"
	"math/rand"
	"runtime"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/loupeproject/loupe/internal/common/spool"
	"github.com/loupeproject/loupe/internal/common/util"
	"github.com/loupeproject/loupe/internal/model"
	"github.com/loupeproject/loupe/internal/source"
)

// MemorySampler reports the host's current memory usage in bytes. The
// default reads cumulative allocation from the Go runtime so that the
// difference between request start and end approximates per-request usage.
type MemorySampler func() int64

func runtimeMemorySampler() int64 {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	return int64(stats.TotalAlloc)
}

// Collector builds one MetricRecord per host request from lifecycle hooks
// and, when the sampling test passes, appends the finished record to the
// source sink. Hook failures never propagate past the host request
// boundary: a sink failure falls back to a local spool file and is
// otherwise swallowed.
type Collector struct {
	sink          source.Sink
	fallback      *spool.Spool
	sampleRate    float64
	clock         util.Clock
	memorySampler MemorySampler

	mu   sync.Mutex
	rand *rand.Rand
}

func New(sink source.Sink, sampleRate float64, fallbackPath string) *Collector {
	return &Collector{
		sink:          sink,
		fallback:      spool.New(fallbackPath),
		sampleRate:    sampleRate,
		clock:         &util.DefaultClock{},
		memorySampler: runtimeMemorySampler,
		rand:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// RequestContext owns the in-flight record for a single host request. It is
// used synchronously within that request's handling context and holds no
// state shared across requests.
type RequestContext struct {
	collector   *Collector
	record      *model.MetricRecord
	startMemory int64
	finished    bool
}

// RequestStarted creates the record for a new request. The request token is
// assigned here, exactly once.
func (c *Collector) RequestStarted(method, url string) *RequestContext {
	return &RequestContext{
		collector:   c,
		startMemory: c.memorySampler(),
		record: &model.MetricRecord{
			Token:     util.NewRequestToken(),
			StartedAt: c.clock.Now().UTC(),
			Method:    method,
			URL:       url,
		},
	}
}

func (rc *RequestContext) RouteExecuted(pattern string, executionTime float64, memory int64) {
	if rc.record.Routes == nil {
		rc.record.Routes = map[string]model.RouteMetric{}
	}
	rc.record.Routes[pattern] = model.RouteMetric{ExecutionTime: executionTime, Memory: memory}
}

func (rc *RequestContext) MiddlewareExecuted(routePattern, identifier, method string, executionTime float64) {
	if rc.record.Middleware == nil {
		rc.record.Middleware = map[string][]model.MiddlewareMetric{}
	}
	rc.record.Middleware[routePattern] = append(rc.record.Middleware[routePattern], model.MiddlewareMetric{
		Identifier:    identifier,
		Method:        method,
		ExecutionTime: executionTime,
	})
}

func (rc *RequestContext) ViewRendered(identifier string, renderTime float64) {
	if rc.record.Views == nil {
		rc.record.Views = map[string]model.ViewMetric{}
	}
	rc.record.Views[identifier] = model.ViewMetric{RenderTime: renderTime}
}

func (rc *RequestContext) DbQueriesReported(connection model.DBConnection, queries []model.QueryMetric) {
	if rc.record.DB == nil {
		rc.record.DB = &model.DBMetrics{Connection: connection}
	}
	rc.record.DB.Queries = append(rc.record.DB.Queries, queries...)
}

func (rc *RequestContext) ErrorOccurred(message string, code int, trace string) {
	rc.record.Errors = append(rc.record.Errors, model.ErrorMetric{
		Message: message,
		Code:    code,
		Trace:   trace,
	})
}

func (rc *RequestContext) CacheChecked(key string, hit bool, executionTime float64) {
	if rc.record.Cache == nil {
		rc.record.Cache = map[string]model.CacheMetric{}
	}
	rc.record.Cache[key] = model.CacheMetric{Hit: hit, ExecutionTime: executionTime}
}

func (rc *RequestContext) CustomEventRecorded(eventType string, data map[string]any) {
	rc.record.Custom = append(rc.record.Custom, model.CustomEvent{
		Timestamp: rc.collector.clock.Now().UTC(),
		Type:      eventType,
		Data:      data,
	})
}

// SetClientInfo records the request's client metadata. Typically called
// once between RequestStarted and ResponseSent.
func (rc *RequestContext) SetClientInfo(ip, userAgent, host, sessionID string, isBot bool) {
	rc.record.IP = ip
	rc.record.UserAgent = userAgent
	rc.record.Host = host
	rc.record.SessionID = sessionID
	rc.record.IsBot = isBot
}

// ResponseSent is the terminal hook. It finalises the record, applies the
// sampling test and, if sampled, hands the record to the source sink. It is
// a no-op when called more than once.
func (rc *RequestContext) ResponseSent(ctx context.Context, statusCode int, bodySize int64, buildTime float64) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("panic finalising metric record %s: %v", rc.record.Token, r)
		}
	}()

	if rc.finished {
		return
	}
	rc.finished = true

	c := rc.collector
	record := rc.record
	record.ResponseCode = statusCode
	record.ResponseSize = bodySize
	record.ResponseBuildTime = buildTime
	record.TotalTime = c.clock.Now().UTC().Sub(record.StartedAt).Seconds()
	if record.TotalTime < 0 {
		record.TotalTime = 0
	}
	record.PeakMemory = c.memorySampler() - rc.startMemory

	if !c.sample() {
		return
	}

	if err := c.sink.Append(ctx, record); err != nil {
		log.WithError(err).Warnf("Could not append metric record %s to source sink, spooling locally", record.Token)
		if spoolErr := c.fallback.Append(record); spoolErr != nil {
			log.WithError(spoolErr).Errorf("Could not spool metric record %s", record.Token)
		}
	}
}

// sample draws a uniform value in [0,1) and keeps the record iff the value
// is at most the configured sample rate.
func (c *Collector) sample() bool {
	c.mu.Lock()
	v := c.rand.Float64()
	c.mu.Unlock()
	return v <= c.sampleRate
}
