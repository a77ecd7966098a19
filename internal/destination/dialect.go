package destination

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/loupeproject/loupe/internal/configuration"
)

// Dialect captures the backend differences the writer and query engine need
// to know about: placeholder style, auto increment retrieval, multi-row
// insert chunking and DDL fragments. One writer parameterised by a Dialect
// replaces per-backend writer hierarchies.
type Dialect interface {
	Name() string
	// DriverName is the database/sql driver to open connections with.
	DriverName() string
	// GoquDialect is the goqu dialect used for SELECT building.
	GoquDialect() string
	// Placeholder renders the 1-based i-th statement parameter.
	Placeholder(i int) string
	// SupportsReturning reports whether INSERT ... RETURNING id is
	// available; otherwise the last insert id is read from the driver.
	SupportsReturning() bool
	// BatchChunkSize is the number of rows per multi-row INSERT. A value
	// of 1 means children are inserted row by row within the transaction.
	BatchChunkSize() int
	// AutoIncrementPK is the DDL fragment declaring a generated primary key.
	AutoIncrementPK() string
	// TimestampType is the DDL fragment for timestamp columns.
	TimestampType() string
	// FloatType is the DDL fragment for floating point columns.
	FloatType() string
	// PostCreateStatements run after the schema exists; failures here are
	// logged, not fatal (used for the timescale hypertable setup).
	PostCreateStatements() []string
}

type postgresDialect struct{}

func (postgresDialect) Name() string { return "postgres" }
func (postgresDialect) DriverName() string { return "postgres" }
func (postgresDialect) GoquDialect() string { return "postgres" }
func (postgresDialect) Placeholder(i int) string { return fmt.Sprintf("$%d", i) }
func (postgresDialect) SupportsReturning() bool { return true }
func (postgresDialect) BatchChunkSize() int { return 500 }
func (postgresDialect) AutoIncrementPK() string { return "BIGSERIAL PRIMARY KEY" }
func (postgresDialect) TimestampType() string { return "TIMESTAMP" }
func (postgresDialect) FloatType() string { return "DOUBLE PRECISION" }
func (postgresDialect) PostCreateStatements() []string { return nil }

type sqliteDialect struct{}

func (sqliteDialect) Name() string { return "sqlite" }
func (sqliteDialect) DriverName() string { return "sqlite" }
func (sqliteDialect) GoquDialect() string { return "sqlite3" }
func (sqliteDialect) Placeholder(i int) string { return "?" }
func (sqliteDialect) SupportsReturning() bool { return false }
func (sqliteDialect) BatchChunkSize() int { return 1 }
func (sqliteDialect) AutoIncrementPK() string { return "INTEGER PRIMARY KEY AUTOINCREMENT" }
func (sqliteDialect) TimestampType() string { return "TIMESTAMP" }
func (sqliteDialect) FloatType() string { return "REAL" }
func (sqliteDialect) PostCreateStatements() []string { return nil }

type timescaleDialect struct {
	postgresDialect
}

func (timescaleDialect) Name() string { return "timescale" }

// Time-series backends insert row by row within the transaction for
// portability with compressed chunks.
func (timescaleDialect) BatchChunkSize() int { return 1 }
func (timescaleDialect) TimestampType() string { return "TIMESTAMPTZ" }
func (timescaleDialect) PostCreateStatements() []string {
	return []string{
		`CREATE EXTENSION IF NOT EXISTS timescaledb`,
		`SELECT create_hypertable('custom_events', 'event_dt', if_not_exists => TRUE, migrate_data => TRUE)`,
	}
}

// DialectFor maps a configured destination kind to its dialect. The
// embedded-file kind is served by the embedded SQL engine: the query engine
// requires relational semantics, which a raw append-only file cannot
// provide, and a single-file sqlite database keeps the operational shape.
func DialectFor(kind configuration.DestinationKind) (Dialect, error) {
	switch kind {
	case configuration.DestinationKindEmbeddedFile, configuration.DestinationKindEmbedded:
		return sqliteDialect{}, nil
	case configuration.DestinationKindPostgres:
		return postgresDialect{}, nil
	case configuration.DestinationKindTimeseries:
		return timescaleDialect{}, nil
	default:
		return nil, errors.Errorf("unknown destination kind: %q", kind)
	}
}
