package model

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// MetricRecord is one complete performance snapshot for a single host
// request. It is created by the collector at request start, mutated by
// lifecycle hooks, and becomes immutable once handed to a source sink.
type MetricRecord struct {
	Token             string                        `json:"token"`
	StartedAt         time.Time                     `json:"started_at"`
	Method            string                        `json:"method"`
	URL               string                        `json:"url"`
	TotalTime         float64                       `json:"total_time"`
	PeakMemory        int64                         `json:"peak_memory"`
	ResponseCode      int                           `json:"response_code"`
	ResponseSize      int64                         `json:"response_size"`
	ResponseBuildTime float64                       `json:"response_build_time"`
	IP                string                        `json:"ip"`
	UserAgent         string                        `json:"user_agent"`
	Host              string                        `json:"host"`
	SessionID         string                        `json:"session_id"`
	IsBot             bool                          `json:"is_bot"`
	Routes            map[string]RouteMetric        `json:"routes,omitempty"`
	Middleware        map[string][]MiddlewareMetric `json:"middleware,omitempty"`
	Views             map[string]ViewMetric         `json:"views,omitempty"`
	DB                *DBMetrics                    `json:"db,omitempty"`
	Errors            []ErrorMetric                 `json:"errors,omitempty"`
	Cache             map[string]CacheMetric        `json:"cache,omitempty"`
	Custom            []CustomEvent                 `json:"custom,omitempty"`
}

type RouteMetric struct {
	ExecutionTime float64 `json:"execution_time"`
	Memory        int64   `json:"memory"`
}

type MiddlewareMetric struct {
	Identifier    string  `json:"identifier"`
	Method        string  `json:"method"`
	ExecutionTime float64 `json:"execution_time"`
}

type ViewMetric struct {
	RenderTime float64 `json:"render_time"`
}

type DBMetrics struct {
	Connection DBConnection  `json:"connection"`
	Queries    []QueryMetric `json:"queries,omitempty"`
}

type DBConnection struct {
	Engine   string `json:"engine"`
	Host     string `json:"host"`
	Database string `json:"database"`
}

type QueryMetric struct {
	SQL           string   `json:"sql"`
	Params        []string `json:"params,omitempty"`
	ExecutionTime float64  `json:"execution_time"`
	RowCount      int64    `json:"row_count"`
	MemoryDelta   int64    `json:"memory_delta"`
}

type ErrorMetric struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
	Trace   string `json:"trace,omitempty"`
}

type CacheMetric struct {
	Hit           bool    `json:"hit"`
	ExecutionTime float64 `json:"execution_time"`
}

type CustomEvent struct {
	Timestamp time.Time      `json:"timestamp"`
	Type      string         `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
}

// Marshal serialises a record to its canonical single-line JSON form, used
// both by file-backed sinks and the raw_metrics table.
func Marshal(record *MetricRecord) ([]byte, error) {
	payload, err := json.Marshal(record)
	if err != nil {
		return nil, errors.Wrap(err, "marshalling metric record")
	}
	return payload, nil
}

// Unmarshal decodes a record previously produced by Marshal.
func Unmarshal(payload []byte) (*MetricRecord, error) {
	record := &MetricRecord{}
	if err := json.Unmarshal(payload, record); err != nil {
		return nil, errors.Wrap(err, "unmarshalling metric record")
	}
	return record, nil
}
