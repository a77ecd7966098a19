package source

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/loupeproject/loupe/internal/model"
)

const sqliteSourceSchema = `
CREATE TABLE IF NOT EXISTS source_metrics (
	id      INTEGER PRIMARY KEY AUTOINCREMENT,
	payload TEXT NOT NULL
)`

// SqliteStore holds untransferred records in a single-file embedded
// database. Sqlite supports only one writer at a time, so the connection
// pool is pinned to a single connection and WAL mode is enabled for
// concurrent readers.
type SqliteStore struct {
	db      *sql.DB
	mu      sync.Mutex
	hasMore bool
}

func NewSqliteStore(path string) (*SqliteStore, error) {
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "opening sqlite source")
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(sqliteSourceSchema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "creating sqlite source schema")
	}
	return &SqliteStore{db: db}, nil
}

func (s *SqliteStore) Append(ctx context.Context, record *model.MetricRecord) error {
	payload, err := model.Marshal(record)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO source_metrics (payload) VALUES (?)`, string(payload))
	return errors.Wrap(err, "appending to sqlite source")
}

func (s *SqliteStore) Read(ctx context.Context, limit int) ([]*SequencedRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, payload FROM source_metrics ORDER BY id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "reading sqlite source")
	}
	defer rows.Close()

	records := make([]*SequencedRecord, 0, limit)
	for rows.Next() {
		var id int64
		var payload string
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, errors.Wrap(err, "scanning sqlite source row")
		}
		record, err := model.Unmarshal([]byte(payload))
		if err != nil {
			return nil, err
		}
		records = append(records, &SequencedRecord{ID: fmt.Sprintf("%d", id), Record: record})
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterating sqlite source rows")
	}

	s.mu.Lock()
	s.hasMore = len(records) == limit
	s.mu.Unlock()
	return records, nil
}

func (s *SqliteStore) MarkProcessed(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	parsed, err := parseSequenceIDs(ids)
	if err != nil {
		return err
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(parsed)), ",")
	args := make([]interface{}, len(parsed))
	for i, id := range parsed {
		args[i] = id
	}
	_, err = s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM source_metrics WHERE id IN (%s)`, placeholders), args...)
	return errors.Wrap(err, "deleting processed records from sqlite source")
}

func (s *SqliteStore) HasMore() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasMore
}

func (s *SqliteStore) Close() error {
	return s.db.Close()
}
