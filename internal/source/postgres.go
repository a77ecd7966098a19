package source

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/loupeproject/loupe/internal/model"
)

const postgresSourceSchema = `
CREATE TABLE IF NOT EXISTS source_metrics (
	id      BIGSERIAL PRIMARY KEY,
	payload TEXT NOT NULL
)`

// PostgresStore holds untransferred records in a relational table keyed by
// an auto incrementing sequence id. Append safety under concurrent writers
// comes from postgres transactional semantics.
type PostgresStore struct {
	db      *pgxpool.Pool
	mu      sync.Mutex
	hasMore bool
}

func NewPostgresStore(ctx context.Context, connectionString string) (*PostgresStore, error) {
	db, err := pgxpool.New(ctx, connectionString)
	if err != nil {
		return nil, errors.Wrap(err, "opening postgres source pool")
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "pinging postgres source")
	}
	if _, err := db.Exec(ctx, postgresSourceSchema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "creating postgres source schema")
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Append(ctx context.Context, record *model.MetricRecord) error {
	payload, err := model.Marshal(record)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `INSERT INTO source_metrics (payload) VALUES ($1)`, string(payload))
	return errors.Wrap(err, "appending to postgres source")
}

func (s *PostgresStore) Read(ctx context.Context, limit int) ([]*SequencedRecord, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, payload FROM source_metrics ORDER BY id ASC LIMIT $1`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "reading postgres source")
	}
	defer rows.Close()

	records := make([]*SequencedRecord, 0, limit)
	for rows.Next() {
		var id int64
		var payload string
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, errors.Wrap(err, "scanning postgres source row")
		}
		record, err := model.Unmarshal([]byte(payload))
		if err != nil {
			return nil, err
		}
		records = append(records, &SequencedRecord{ID: fmt.Sprintf("%d", id), Record: record})
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterating postgres source rows")
	}

	s.mu.Lock()
	s.hasMore = len(records) == limit
	s.mu.Unlock()
	return records, nil
}

func (s *PostgresStore) MarkProcessed(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	parsed, err := parseSequenceIDs(ids)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `DELETE FROM source_metrics WHERE id = any($1)`, parsed)
	return errors.Wrap(err, "deleting processed records from postgres source")
}

func (s *PostgresStore) HasMore() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasMore
}

func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}
