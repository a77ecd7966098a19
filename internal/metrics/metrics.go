package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type DBOperation string

const (
	DBOperationRead         DBOperation = "read"
	DBOperationInsert       DBOperation = "insert"
	DBOperationDelete       DBOperation = "delete"
	DBOperationCreateSchema DBOperation = "create_schema"
)

const LoupeTransferMetricsPrefix = "loupe_transfer_"

var recordsTransferredCounter = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: LoupeTransferMetricsPrefix + "records_transferred",
		Help: "Number of metric records successfully written to the destination store",
	},
)

var recordFailuresCounter = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: LoupeTransferMetricsPrefix + "record_failures",
		Help: "Number of metric records dropped after a per-record store failure",
	},
)

var dbErrorsCounter = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: LoupeTransferMetricsPrefix + "db_errors",
		Help: "Number of database errors grouped by database operation",
	},
	[]string{"operation"},
)

var batchDurationHist = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Name:    LoupeTransferMetricsPrefix + "batch_duration_ms",
		Help:    "Time taken in milliseconds to transfer one batch from source to destination",
		Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000, 5000, 10000},
	},
)

type Metrics struct{}

var m = &Metrics{}

func Get() *Metrics {
	return m
}

func (m *Metrics) RecordRecordsTransferred(count int) {
	recordsTransferredCounter.Add(float64(count))
}

func (m *Metrics) RecordRecordFailure() {
	recordFailuresCounter.Inc()
}

func (m *Metrics) RecordDBError(operation DBOperation) {
	dbErrorsCounter.With(map[string]string{"operation": string(operation)}).Inc()
}

func (m *Metrics) RecordBatchDuration(duration time.Duration) {
	batchDurationHist.Observe(float64(duration.Milliseconds()))
}
