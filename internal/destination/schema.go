package destination

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// schemaStatements renders the idempotent destination DDL for a dialect.
// Child tables cascade-delete with their parent request.
func schemaStatements(d Dialect) []string {
	pk := d.AutoIncrementPK()
	ts := d.TimestampType()
	fl := d.FloatType()

	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS requests (
			id                  %s,
			token               VARCHAR(64) NOT NULL UNIQUE,
			request_dt          %s NOT NULL,
			method              VARCHAR(16),
			url                 VARCHAR(2048),
			total_time          %s NOT NULL DEFAULT 0,
			peak_memory         BIGINT,
			response_code       INTEGER,
			response_size       BIGINT,
			response_build_time %s,
			is_bot              BOOLEAN NOT NULL DEFAULT FALSE,
			ip                  VARCHAR(64),
			user_agent          VARCHAR(1024),
			host                VARCHAR(512),
			session_id          VARCHAR(128)
		)`, pk, ts, fl, fl),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS routes (
			id             %s,
			request_id     BIGINT NOT NULL REFERENCES requests (id) ON DELETE CASCADE,
			pattern        VARCHAR(1024),
			execution_time %s,
			memory         BIGINT
		)`, pk, fl),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS middleware (
			id             %s,
			request_id     BIGINT NOT NULL REFERENCES requests (id) ON DELETE CASCADE,
			route_pattern  VARCHAR(1024),
			identifier     VARCHAR(512),
			method         VARCHAR(128),
			execution_time %s
		)`, pk, fl),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS views (
			id          %s,
			request_id  BIGINT NOT NULL REFERENCES requests (id) ON DELETE CASCADE,
			identifier  VARCHAR(1024),
			render_time %s
		)`, pk, fl),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS db_connections (
			id            %s,
			request_id    BIGINT NOT NULL REFERENCES requests (id) ON DELETE CASCADE,
			engine        VARCHAR(128),
			host          VARCHAR(512),
			database_name VARCHAR(512)
		)`, pk),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS db_queries (
			id             %s,
			request_id     BIGINT NOT NULL REFERENCES requests (id) ON DELETE CASCADE,
			connection_id  BIGINT,
			sql_text       TEXT,
			params         TEXT,
			execution_time %s,
			row_count      BIGINT,
			memory_delta   BIGINT
		)`, pk, fl),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS errors (
			id         %s,
			request_id BIGINT NOT NULL REFERENCES requests (id) ON DELETE CASCADE,
			message    TEXT,
			code       INTEGER,
			trace      TEXT
		)`, pk),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS cache (
			id             %s,
			request_id     BIGINT NOT NULL REFERENCES requests (id) ON DELETE CASCADE,
			cache_key      VARCHAR(1024),
			hit            BOOLEAN,
			execution_time %s
		)`, pk, fl),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS custom_events (
			id         %s,
			request_id BIGINT NOT NULL REFERENCES requests (id) ON DELETE CASCADE,
			event_dt   %s,
			event_type VARCHAR(512)
		)`, pk, ts),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS custom_event_data (
			id         %s,
			event_id   BIGINT NOT NULL REFERENCES custom_events (id) ON DELETE CASCADE,
			request_id BIGINT NOT NULL REFERENCES requests (id) ON DELETE CASCADE,
			data_key   VARCHAR(1024),
			data_value TEXT
		)`, pk),
		`CREATE TABLE IF NOT EXISTS raw_metrics (
			token        VARCHAR(64) PRIMARY KEY,
			metrics_json TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_requests_request_dt ON requests (request_dt)`,
		`CREATE INDEX IF NOT EXISTS idx_custom_events_request ON custom_events (request_id)`,
		`CREATE INDEX IF NOT EXISTS idx_custom_event_data_key ON custom_event_data (data_key)`,
	}
}

// createSchema applies the DDL. Table creation failures are fatal to the
// caller: the writer cannot proceed without its schema.
func createSchema(ctx context.Context, db *sql.DB, d Dialect) error {
	for _, stmt := range schemaStatements(d) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrapf(err, "creating destination schema (%s)", d.Name())
		}
	}
	for _, stmt := range d.PostCreateStatements() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			log.WithError(err).Warnf("Post-create statement failed on %s backend, continuing", d.Name())
		}
	}
	return nil
}
