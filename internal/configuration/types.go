package configuration

import (
	"time"

	"github.com/redis/go-redis/v9"
)

// SourceKind identifies the backend holding not-yet-transferred records.
type SourceKind string

const (
	SourceKindFile     SourceKind = "file"
	SourceKindEmbedded SourceKind = "embedded-sql"
	SourceKindPostgres SourceKind = "client-server-sql"
	SourceKindRedis    SourceKind = "redis"
)

// DestinationKind identifies the relational backend served to the dashboard.
type DestinationKind string

const (
	DestinationKindEmbeddedFile DestinationKind = "embedded-file"
	DestinationKindEmbedded     DestinationKind = "embedded-sql"
	DestinationKindPostgres     DestinationKind = "client-server-sql"
	DestinationKindTimeseries   DestinationKind = "time-series-sql"
)

type SourceConfig struct {
	Kind SourceKind
	// Path to the spool file (file kind) or database file (embedded-sql kind)
	Path string
	// Connection string for client-server backends
	ConnectionString string
	// Redis connection options (redis kind)
	Redis redis.UniversalOptions
}

type DestinationConfig struct {
	Kind DestinationKind
	// Path to the database file for embedded kinds
	Path string
	// Connection string for client-server backends
	ConnectionString string
}

type PipelineConfiguration struct {
	// Source and destination stores are configured independently
	Source      SourceConfig
	Destination DestinationConfig
	// Probability that a finished request's metrics are persisted at all
	SampleRate float64 `validate:"gte=0,lte=1"`
	// Number of records fetched from the source per read
	BatchSize int `validate:"gt=0"`
	// Wall clock bound on a single worker run, 0 means unbounded.
	// Advisory: checked between batches, never preemptively.
	Timeout time.Duration
	// Maximum number of records transferred in a single worker run, 0 means unbounded
	MaxMessages int
	// If true the worker keeps polling after draining the source
	Daemon bool
	// If true client IP addresses are masked in query results
	MaskIPAddresses bool
	// Local append-only spool used when the source sink is unreachable
	FallbackPath string
	// Records that repeatedly fail to store are written here before being dropped
	DeadLetterPath string
	// How long the worker sleeps after an empty read in daemon mode
	EmptyPollDelay time.Duration
	// How long the worker backs off after a batch level failure
	ErrorBackoff time.Duration
	// Port on which prometheus metrics are exposed
	MetricsPort uint16
}

// ApplyDefaults fills the zero values that have sensible defaults.
func (c *PipelineConfiguration) ApplyDefaults() {
	if c.EmptyPollDelay == 0 {
		c.EmptyPollDelay = time.Second
	}
	if c.ErrorBackoff == 0 {
		c.ErrorBackoff = 5 * time.Second
	}
	if c.BatchSize == 0 {
		c.BatchSize = 100
	}
}
