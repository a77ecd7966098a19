package collector

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loupeproject/loupe/internal/common/util"
	"github.com/loupeproject/loupe/internal/model"
)

type capturingSink struct {
	records []*model.MetricRecord
	err     error
}

func (s *capturingSink) Append(ctx context.Context, record *model.MetricRecord) error {
	if s.err != nil {
		return s.err
	}
	s.records = append(s.records, record)
	return nil
}

func (s *capturingSink) Close() error { return nil }

func newTestCollector(sink *capturingSink, sampleRate float64, fallbackPath string) *Collector {
	c := New(sink, sampleRate, fallbackPath)
	c.clock = &util.DummyClock{T: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	c.memorySampler = func() int64 { return 1024 }
	c.rand = rand.New(rand.NewSource(1))
	return c
}

func TestCollector_HooksAccumulateIntoRecord(t *testing.T) {
	sink := &capturingSink{}
	c := newTestCollector(sink, 1, filepath.Join(t.TempDir(), "fallback.jsonl"))

	rc := c.RequestStarted("GET", "/orders/42")
	rc.SetClientInfo("10.1.2.3", "curl/8", "shop.example.com", "sess-1", false)
	rc.RouteExecuted("/orders/{id}", 0.12, 2048)
	rc.MiddlewareExecuted("/orders/{id}", "auth", "handle", 0.01)
	rc.MiddlewareExecuted("/orders/{id}", "throttle", "handle", 0.002)
	rc.ViewRendered("orders/show", 0.05)
	rc.DbQueriesReported(
		model.DBConnection{Engine: "postgres", Host: "db1", Database: "shop"},
		[]model.QueryMetric{{SQL: "SELECT 1", ExecutionTime: 0.004, RowCount: 1}},
	)
	rc.ErrorOccurred("boom", 500, "stack")
	rc.CacheChecked("orders:42", true, 0.001)
	rc.CustomEventRecorded("checkout", map[string]any{"total": 99.5})
	rc.ResponseSent(context.Background(), 200, 512, 0.2)

	require.Len(t, sink.records, 1)
	record := sink.records[0]
	assert.NotEmpty(t, record.Token)
	assert.Equal(t, "GET", record.Method)
	assert.Equal(t, "/orders/42", record.URL)
	assert.Equal(t, 200, record.ResponseCode)
	assert.Equal(t, int64(512), record.ResponseSize)
	assert.Equal(t, "10.1.2.3", record.IP)
	assert.Len(t, record.Routes, 1)
	assert.Len(t, record.Middleware["/orders/{id}"], 2)
	assert.Len(t, record.Views, 1)
	require.NotNil(t, record.DB)
	assert.Len(t, record.DB.Queries, 1)
	assert.Len(t, record.Errors, 1)
	assert.True(t, record.Cache["orders:42"].Hit)
	require.Len(t, record.Custom, 1)
	assert.Equal(t, "checkout", record.Custom[0].Type)
}

func TestCollector_TokensAreUnique(t *testing.T) {
	sink := &capturingSink{}
	c := newTestCollector(sink, 1, filepath.Join(t.TempDir(), "fallback.jsonl"))

	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		rc := c.RequestStarted("GET", "/")
		assert.False(t, seen[rc.record.Token])
		seen[rc.record.Token] = true
	}
}

func TestCollector_ResponseSentIsTerminal(t *testing.T) {
	sink := &capturingSink{}
	c := newTestCollector(sink, 1, filepath.Join(t.TempDir(), "fallback.jsonl"))

	rc := c.RequestStarted("GET", "/")
	rc.ResponseSent(context.Background(), 200, 0, 0)
	rc.ResponseSent(context.Background(), 500, 0, 0)

	require.Len(t, sink.records, 1)
	assert.Equal(t, 200, sink.records[0].ResponseCode)
}

func TestCollector_SampleRateZeroDropsEverything(t *testing.T) {
	sink := &capturingSink{}
	c := newTestCollector(sink, 0, filepath.Join(t.TempDir(), "fallback.jsonl"))

	for i := 0; i < 50; i++ {
		rc := c.RequestStarted("GET", "/")
		rc.ResponseSent(context.Background(), 200, 0, 0)
	}
	assert.Empty(t, sink.records)
}

func TestCollector_SampleRateConverges(t *testing.T) {
	sink := &capturingSink{}
	c := newTestCollector(sink, 0.5, filepath.Join(t.TempDir(), "fallback.jsonl"))

	const n = 2000
	for i := 0; i < n; i++ {
		rc := c.RequestStarted("GET", "/")
		rc.ResponseSent(context.Background(), 200, 0, 0)
	}
	kept := float64(len(sink.records)) / n
	assert.InDelta(t, 0.5, kept, 0.05)
}

func TestCollector_SinkFailureFallsBackToSpool(t *testing.T) {
	fallbackPath := filepath.Join(t.TempDir(), "fallback.jsonl")
	sink := &capturingSink{err: errors.New("sink unavailable")}
	c := newTestCollector(sink, 1, fallbackPath)

	rc := c.RequestStarted("GET", "/")
	rc.ResponseSent(context.Background(), 200, 0, 0)

	payload, err := os.ReadFile(fallbackPath)
	require.NoError(t, err)
	record, err := model.Unmarshal([]byte(string(payload[:len(payload)-1])))
	require.NoError(t, err)
	assert.Equal(t, rc.record.Token, record.Token)
}
