package destination

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	_ "github.com/lib/pq"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/loupeproject/loupe/internal/configuration"
	"github.com/loupeproject/loupe/internal/metrics"
	"github.com/loupeproject/loupe/internal/model"
)

// Open connects to the destination described by config and returns the
// connection together with its dialect.
func Open(config configuration.DestinationConfig) (*sql.DB, Dialect, error) {
	dialect, err := DialectFor(config.Kind)
	if err != nil {
		return nil, nil, err
	}

	var dsn string
	switch dialect.DriverName() {
	case "sqlite":
		dsn = fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", config.Path)
	default:
		dsn = config.ConnectionString
	}

	db, err := sql.Open(dialect.DriverName(), dsn)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "opening %s destination", dialect.Name())
	}
	if dialect.DriverName() == "sqlite" {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}
	return db, dialect, nil
}

// Writer decomposes metric records into the relational destination schema.
// Each Store call runs in a single transaction: the requests row first,
// then every child row, so a record becomes visible to the query engine
// atomically. The schema is created lazily on first use; prepared
// statements are cached per SQL text for the lifetime of the writer.
type Writer struct {
	db      *sql.DB
	dialect Dialect
	m       *metrics.Metrics

	mu          sync.Mutex
	stmts       map[string]*sql.Stmt
	schemaReady bool
}

func NewWriter(db *sql.DB, dialect Dialect) *Writer {
	return &Writer{
		db:      db,
		dialect: dialect,
		m:       metrics.Get(),
		stmts:   map[string]*sql.Stmt{},
	}
}

// Store persists one metric record. On any failure the transaction is
// rolled back and the error returned, leaving retry or skip policy to the
// caller.
func (w *Writer) Store(ctx context.Context, record *model.MetricRecord) error {
	if err := w.ensureSchema(ctx); err != nil {
		return err
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning destination transaction")
	}

	if err := w.storeInTx(ctx, tx, record); err != nil {
		w.m.RecordDBError(metrics.DBOperationInsert)
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		w.m.RecordDBError(metrics.DBOperationInsert)
		return errors.Wrap(err, "committing destination transaction")
	}
	return nil
}

func (w *Writer) Close() error {
	w.mu.Lock()
	for _, stmt := range w.stmts {
		_ = stmt.Close()
	}
	w.stmts = map[string]*sql.Stmt{}
	w.mu.Unlock()
	return w.db.Close()
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.schemaReady {
		return nil
	}
	if err := createSchema(ctx, w.db, w.dialect); err != nil {
		w.m.RecordDBError(metrics.DBOperationCreateSchema)
		return err
	}
	w.schemaReady = true
	return nil
}

func (w *Writer) storeInTx(ctx context.Context, tx *sql.Tx, record *model.MetricRecord) error {
	requestID, err := w.insertRequest(ctx, tx, record)
	if err != nil {
		return err
	}

	if err := w.insertRoutes(ctx, tx, requestID, record); err != nil {
		return err
	}
	if err := w.insertMiddleware(ctx, tx, requestID, record); err != nil {
		return err
	}
	if err := w.insertViews(ctx, tx, requestID, record); err != nil {
		return err
	}
	if err := w.insertDBMetrics(ctx, tx, requestID, record); err != nil {
		return err
	}
	if err := w.insertErrors(ctx, tx, requestID, record); err != nil {
		return err
	}
	if err := w.insertCache(ctx, tx, requestID, record); err != nil {
		return err
	}
	if err := w.insertCustomEvents(ctx, tx, requestID, record); err != nil {
		return err
	}
	return w.insertRawMetrics(ctx, tx, record)
}

func (w *Writer) insertRequest(ctx context.Context, tx *sql.Tx, record *model.MetricRecord) (int64, error) {
	cols := []string{
		"token", "request_dt", "method", "url", "total_time", "peak_memory",
		"response_code", "response_size", "response_build_time", "is_bot",
		"ip", "user_agent", "host", "session_id",
	}
	args := []interface{}{
		record.Token, record.StartedAt.UTC(), record.Method, record.URL,
		record.TotalTime, record.PeakMemory, record.ResponseCode,
		record.ResponseSize, record.ResponseBuildTime, record.IsBot,
		record.IP, record.UserAgent, record.Host, record.SessionID,
	}
	return w.insertReturningID(ctx, tx, "requests", cols, args)
}

func (w *Writer) insertRoutes(ctx context.Context, tx *sql.Tx, requestID int64, record *model.MetricRecord) error {
	if len(record.Routes) == 0 {
		return nil
	}
	rows := make([][]interface{}, 0, len(record.Routes))
	for pattern, route := range record.Routes {
		rows = append(rows, []interface{}{requestID, pattern, route.ExecutionTime, route.Memory})
	}
	return w.batchInsert(ctx, tx, "routes",
		[]string{"request_id", "pattern", "execution_time", "memory"}, rows)
}

func (w *Writer) insertMiddleware(ctx context.Context, tx *sql.Tx, requestID int64, record *model.MetricRecord) error {
	if len(record.Middleware) == 0 {
		return nil
	}
	rows := make([][]interface{}, 0, len(record.Middleware))
	for pattern, entries := range record.Middleware {
		for _, mw := range entries {
			rows = append(rows, []interface{}{requestID, pattern, mw.Identifier, mw.Method, mw.ExecutionTime})
		}
	}
	return w.batchInsert(ctx, tx, "middleware",
		[]string{"request_id", "route_pattern", "identifier", "method", "execution_time"}, rows)
}

func (w *Writer) insertViews(ctx context.Context, tx *sql.Tx, requestID int64, record *model.MetricRecord) error {
	if len(record.Views) == 0 {
		return nil
	}
	rows := make([][]interface{}, 0, len(record.Views))
	for identifier, view := range record.Views {
		rows = append(rows, []interface{}{requestID, identifier, view.RenderTime})
	}
	return w.batchInsert(ctx, tx, "views",
		[]string{"request_id", "identifier", "render_time"}, rows)
}

func (w *Writer) insertDBMetrics(ctx context.Context, tx *sql.Tx, requestID int64, record *model.MetricRecord) error {
	if record.DB == nil {
		return nil
	}

	connectionID, err := w.insertReturningID(ctx, tx, "db_connections",
		[]string{"request_id", "engine", "host", "database_name"},
		[]interface{}{requestID, record.DB.Connection.Engine, record.DB.Connection.Host, record.DB.Connection.Database})
	if err != nil {
		return err
	}

	if len(record.DB.Queries) == 0 {
		return nil
	}
	rows := make([][]interface{}, 0, len(record.DB.Queries))
	for _, query := range record.DB.Queries {
		params, err := json.Marshal(query.Params)
		if err != nil {
			return errors.Wrap(err, "marshalling query params")
		}
		rows = append(rows, []interface{}{
			requestID, connectionID, query.SQL, string(params),
			query.ExecutionTime, query.RowCount, query.MemoryDelta,
		})
	}
	return w.batchInsert(ctx, tx, "db_queries",
		[]string{"request_id", "connection_id", "sql_text", "params", "execution_time", "row_count", "memory_delta"}, rows)
}

func (w *Writer) insertErrors(ctx context.Context, tx *sql.Tx, requestID int64, record *model.MetricRecord) error {
	if len(record.Errors) == 0 {
		return nil
	}
	rows := make([][]interface{}, 0, len(record.Errors))
	for _, e := range record.Errors {
		rows = append(rows, []interface{}{requestID, e.Message, e.Code, e.Trace})
	}
	return w.batchInsert(ctx, tx, "errors",
		[]string{"request_id", "message", "code", "trace"}, rows)
}

func (w *Writer) insertCache(ctx context.Context, tx *sql.Tx, requestID int64, record *model.MetricRecord) error {
	if len(record.Cache) == 0 {
		return nil
	}
	rows := make([][]interface{}, 0, len(record.Cache))
	for key, op := range record.Cache {
		rows = append(rows, []interface{}{requestID, key, op.Hit, op.ExecutionTime})
	}
	return w.batchInsert(ctx, tx, "cache",
		[]string{"request_id", "cache_key", "hit", "execution_time"}, rows)
}

// insertCustomEvents performs the two-level write: one custom_events row
// per event, then one custom_event_data row per payload key so that point
// queries on individual fields do not need to deserialise whole payloads.
func (w *Writer) insertCustomEvents(ctx context.Context, tx *sql.Tx, requestID int64, record *model.MetricRecord) error {
	for _, event := range record.Custom {
		eventID, err := w.insertReturningID(ctx, tx, "custom_events",
			[]string{"request_id", "event_dt", "event_type"},
			[]interface{}{requestID, event.Timestamp.UTC(), event.Type})
		if err != nil {
			return err
		}

		if len(event.Data) == 0 {
			continue
		}
		rows := make([][]interface{}, 0, len(event.Data))
		for key, value := range event.Data {
			serialised, err := serialiseEventValue(value)
			if err != nil {
				return err
			}
			rows = append(rows, []interface{}{eventID, requestID, key, serialised})
		}
		if err := w.batchInsert(ctx, tx, "custom_event_data",
			[]string{"event_id", "request_id", "data_key", "data_value"}, rows); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) insertRawMetrics(ctx context.Context, tx *sql.Tx, record *model.MetricRecord) error {
	payload, err := model.Marshal(record)
	if err != nil {
		return err
	}
	return w.batchInsert(ctx, tx, "raw_metrics",
		[]string{"token", "metrics_json"},
		[][]interface{}{{record.Token, string(payload)}})
}

// serialiseEventValue stores scalar values as their natural text form and
// structured values as JSON.
func serialiseEventValue(value any) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case nil:
		return "", nil
	default:
		serialised, err := json.Marshal(v)
		if err != nil {
			return "", errors.Wrap(err, "serialising custom event value")
		}
		return string(serialised), nil
	}
}

// insertReturningID inserts one row and returns the generated primary key,
// via RETURNING where the dialect supports it and the driver's last insert
// id otherwise.
func (w *Writer) insertReturningID(ctx context.Context, tx *sql.Tx, table string, cols []string, args []interface{}) (int64, error) {
	sqlText := w.insertSQL(table, cols, 1)

	if w.dialect.SupportsReturning() {
		var id int64
		stmt, err := w.prepared(ctx, sqlText+" RETURNING id")
		if err != nil {
			return 0, err
		}
		if err := tx.StmtContext(ctx, stmt).QueryRowContext(ctx, args...).Scan(&id); err != nil {
			return 0, errors.Wrapf(err, "inserting into %s", table)
		}
		return id, nil
	}

	stmt, err := w.prepared(ctx, sqlText)
	if err != nil {
		return 0, err
	}
	res, err := tx.StmtContext(ctx, stmt).ExecContext(ctx, args...)
	if err != nil {
		return 0, errors.Wrapf(err, "inserting into %s", table)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errors.Wrapf(err, "reading last insert id for %s", table)
	}
	return id, nil
}

// batchInsert writes rows into table. Client-server backends send chunked
// multi-row VALUES statements; embedded and time-series backends insert row
// by row within the same transaction.
func (w *Writer) batchInsert(ctx context.Context, tx *sql.Tx, table string, cols []string, rows [][]interface{}) error {
	if len(rows) == 0 {
		return nil
	}

	chunkSize := w.dialect.BatchChunkSize()
	if chunkSize <= 1 {
		stmt, err := w.prepared(ctx, w.insertSQL(table, cols, 1))
		if err != nil {
			return err
		}
		txStmt := tx.StmtContext(ctx, stmt)
		for _, row := range rows {
			if _, err := txStmt.ExecContext(ctx, row...); err != nil {
				return errors.Wrapf(err, "inserting into %s", table)
			}
		}
		return nil
	}

	for start := 0; start < len(rows); start += chunkSize {
		end := start + chunkSize
		if end > len(rows) {
			end = len(rows)
		}
		chunk := rows[start:end]

		args := make([]interface{}, 0, len(chunk)*len(cols))
		for _, row := range chunk {
			args = append(args, row...)
		}
		if _, err := tx.ExecContext(ctx, w.insertSQL(table, cols, len(chunk)), args...); err != nil {
			return errors.Wrapf(err, "batch inserting into %s", table)
		}
	}
	return nil
}

// insertSQL renders INSERT INTO table (cols...) VALUES (...),(...) with the
// dialect's placeholder style.
func (w *Writer) insertSQL(table string, cols []string, rowCount int) string {
	var sb strings.Builder
	sb.WriteString("INSERT INTO ")
	sb.WriteString(table)
	sb.WriteString(" (")
	sb.WriteString(strings.Join(cols, ", "))
	sb.WriteString(") VALUES ")

	placeholder := 1
	for row := 0; row < rowCount; row++ {
		if row > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(")
		for col := range cols {
			if col > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(w.dialect.Placeholder(placeholder))
			placeholder++
		}
		sb.WriteString(")")
	}
	return sb.String()
}

// prepared returns the cached prepared statement for sqlText, preparing it
// on first use.
func (w *Writer) prepared(ctx context.Context, sqlText string) (*sql.Stmt, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if stmt, ok := w.stmts[sqlText]; ok {
		return stmt, nil
	}
	stmt, err := w.db.PrepareContext(ctx, sqlText)
	if err != nil {
		return nil, errors.Wrap(err, "preparing destination statement")
	}
	w.stmts[sqlText] = stmt
	return stmt, nil
}
