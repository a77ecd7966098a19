package dashboard

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	log "github.com/sirupsen/logrus"

	"github.com/loupeproject/loupe/internal/model"
)

// GetRequestDetails loads the full detail view for a single request by
// token. It returns nil when the token is unknown; other failures are
// logged and also return nil.
func (e *Engine) GetRequestDetails(ctx context.Context, token string) *RequestDetails {
	details, err := e.requestDetails(ctx, token)
	if err != nil {
		log.WithError(err).Warnf("Could not load details for request %s", token)
		return nil
	}
	return details
}

func (e *Engine) requestDetails(ctx context.Context, token string) (*RequestDetails, error) {
	var row requestRow
	found, err := e.from(requestsTable).
		Select(requestColumns()...).
		Where(request_token.Eq(token)).
		ScanStructContext(ctx, &row)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}

	details := &RequestDetails{Request: e.summaryFromRow(&row)}

	if details.Routes, err = e.routeDetails(ctx, row.ID); err != nil {
		return nil, err
	}
	if details.Middleware, err = e.middlewareDetails(ctx, row.ID); err != nil {
		return nil, err
	}
	if details.Views, err = e.viewDetails(ctx, row.ID); err != nil {
		return nil, err
	}
	if details.Connections, err = e.connectionDetails(ctx, row.ID); err != nil {
		return nil, err
	}
	if details.Queries, err = e.queryDetails(ctx, row.ID); err != nil {
		return nil, err
	}
	if details.Errors, err = e.errorDetails(ctx, row.ID); err != nil {
		return nil, err
	}
	if details.CacheOps, err = e.cacheDetails(ctx, row.ID); err != nil {
		return nil, err
	}
	if details.Events, err = e.eventDetails(ctx, row.ID, token); err != nil {
		return nil, err
	}
	return details, nil
}

func (e *Engine) routeDetails(ctx context.Context, requestID int64) ([]*RouteDetail, error) {
	var rows []struct {
		Pattern       string  `db:"pattern"`
		ExecutionTime float64 `db:"execution_time"`
		Memory        int64   `db:"memory"`
	}
	err := e.from(routesTable).
		Select(
			goqu.COALESCE(goqu.I("pattern"), "").As("pattern"),
			goqu.COALESCE(goqu.I("execution_time"), 0).As("execution_time"),
			goqu.COALESCE(goqu.I("memory"), 0).As("memory"),
		).
		Where(goqu.I("request_id").Eq(requestID)).
		Order(goqu.I("id").Asc()).
		ScanStructsContext(ctx, &rows)
	if err != nil {
		return nil, err
	}
	out := make([]*RouteDetail, len(rows))
	for i, r := range rows {
		out[i] = &RouteDetail{Pattern: r.Pattern, ExecutionTime: r.ExecutionTime, Memory: r.Memory}
	}
	return out, nil
}

func (e *Engine) middlewareDetails(ctx context.Context, requestID int64) ([]*MiddlewareDetail, error) {
	var rows []struct {
		RoutePattern  string  `db:"route_pattern"`
		Identifier    string  `db:"identifier"`
		Method        string  `db:"method"`
		ExecutionTime float64 `db:"execution_time"`
	}
	err := e.from(middlewareTable).
		Select(
			goqu.COALESCE(goqu.I("route_pattern"), "").As("route_pattern"),
			goqu.COALESCE(goqu.I("identifier"), "").As("identifier"),
			goqu.COALESCE(goqu.I("method"), "").As("method"),
			goqu.COALESCE(goqu.I("execution_time"), 0).As("execution_time"),
		).
		Where(goqu.I("request_id").Eq(requestID)).
		Order(goqu.I("id").Asc()).
		ScanStructsContext(ctx, &rows)
	if err != nil {
		return nil, err
	}
	out := make([]*MiddlewareDetail, len(rows))
	for i, r := range rows {
		out[i] = &MiddlewareDetail{
			RoutePattern:  r.RoutePattern,
			Identifier:    r.Identifier,
			Method:        r.Method,
			ExecutionTime: r.ExecutionTime,
		}
	}
	return out, nil
}

func (e *Engine) viewDetails(ctx context.Context, requestID int64) ([]*ViewDetail, error) {
	var rows []struct {
		Identifier string  `db:"identifier"`
		RenderTime float64 `db:"render_time"`
	}
	err := e.from(viewsTable).
		Select(
			goqu.COALESCE(goqu.I("identifier"), "").As("identifier"),
			goqu.COALESCE(goqu.I("render_time"), 0).As("render_time"),
		).
		Where(goqu.I("request_id").Eq(requestID)).
		Order(goqu.I("id").Asc()).
		ScanStructsContext(ctx, &rows)
	if err != nil {
		return nil, err
	}
	out := make([]*ViewDetail, len(rows))
	for i, r := range rows {
		out[i] = &ViewDetail{Identifier: r.Identifier, RenderTime: r.RenderTime}
	}
	return out, nil
}

func (e *Engine) connectionDetails(ctx context.Context, requestID int64) ([]*ConnectionDetail, error) {
	var rows []struct {
		Engine   string `db:"engine"`
		Host     string `db:"host"`
		Database string `db:"database_name"`
	}
	err := e.from(dbConnectionsTable).
		Select(
			goqu.COALESCE(goqu.I("engine"), "").As("engine"),
			goqu.COALESCE(goqu.I("host"), "").As("host"),
			goqu.COALESCE(goqu.I("database_name"), "").As("database_name"),
		).
		Where(goqu.I("request_id").Eq(requestID)).
		Order(goqu.I("id").Asc()).
		ScanStructsContext(ctx, &rows)
	if err != nil {
		return nil, err
	}
	out := make([]*ConnectionDetail, len(rows))
	for i, r := range rows {
		out[i] = &ConnectionDetail{Engine: r.Engine, Host: r.Host, Database: r.Database}
	}
	return out, nil
}

func (e *Engine) queryDetails(ctx context.Context, requestID int64) ([]*QueryDetail, error) {
	var rows []struct {
		SQL           string        `db:"sql_text"`
		Params        string        `db:"params"`
		ExecutionTime float64       `db:"execution_time"`
		RowCount      sql.NullInt64 `db:"row_count"`
		MemoryDelta   sql.NullInt64 `db:"memory_delta"`
	}
	err := e.from(dbQueriesTable).
		Select(
			goqu.COALESCE(goqu.I("sql_text"), "").As("sql_text"),
			goqu.COALESCE(goqu.I("params"), "").As("params"),
			goqu.COALESCE(goqu.I("execution_time"), 0).As("execution_time"),
			goqu.I("row_count").As("row_count"),
			goqu.I("memory_delta").As("memory_delta"),
		).
		Where(goqu.I("request_id").Eq(requestID)).
		Order(goqu.I("id").Asc()).
		ScanStructsContext(ctx, &rows)
	if err != nil {
		return nil, err
	}
	out := make([]*QueryDetail, len(rows))
	for i, r := range rows {
		detail := &QueryDetail{
			SQL:           r.SQL,
			ExecutionTime: r.ExecutionTime,
			RowCount:      r.RowCount.Int64,
			MemoryDelta:   r.MemoryDelta.Int64,
		}
		if r.Params != "" {
			if err := json.Unmarshal([]byte(r.Params), &detail.Params); err != nil {
				detail.Params = []string{r.Params}
			}
		}
		out[i] = detail
	}
	return out, nil
}

func (e *Engine) errorDetails(ctx context.Context, requestID int64) ([]*ErrorDetail, error) {
	var rows []struct {
		Message string `db:"message"`
		Code    int    `db:"code"`
		Trace   string `db:"trace"`
	}
	err := e.from(errorsTable).
		Select(
			goqu.COALESCE(goqu.I("message"), "").As("message"),
			goqu.COALESCE(goqu.I("code"), 0).As("code"),
			goqu.COALESCE(goqu.I("trace"), "").As("trace"),
		).
		Where(goqu.I("request_id").Eq(requestID)).
		Order(goqu.I("id").Asc()).
		ScanStructsContext(ctx, &rows)
	if err != nil {
		return nil, err
	}
	out := make([]*ErrorDetail, len(rows))
	for i, r := range rows {
		out[i] = &ErrorDetail{Message: r.Message, Code: r.Code, Trace: r.Trace}
	}
	return out, nil
}

func (e *Engine) cacheDetails(ctx context.Context, requestID int64) ([]*CacheDetail, error) {
	var rows []struct {
		Key           string  `db:"cache_key"`
		Hit           bool    `db:"hit"`
		ExecutionTime float64 `db:"execution_time"`
	}
	err := e.from(cacheTable).
		Select(
			goqu.COALESCE(goqu.I("cache_key"), "").As("cache_key"),
			goqu.I("hit").As("hit"),
			goqu.COALESCE(goqu.I("execution_time"), 0).As("execution_time"),
		).
		Where(goqu.I("request_id").Eq(requestID)).
		Order(goqu.I("id").Asc()).
		ScanStructsContext(ctx, &rows)
	if err != nil {
		return nil, err
	}
	out := make([]*CacheDetail, len(rows))
	for i, r := range rows {
		out[i] = &CacheDetail{Key: r.Key, Hit: r.Hit, ExecutionTime: r.ExecutionTime}
	}
	return out, nil
}

// eventDetails reassembles custom event payloads from the decomposed
// key/value rows. Values that look like JSON documents are decoded back into
// structured data. Events written before payload decomposition existed have
// no data rows, for those the payload comes from the raw metrics copy.
func (e *Engine) eventDetails(ctx context.Context, requestID int64, token string) ([]*EventDetail, error) {
	var rows []struct {
		EventID   int64        `db:"event_id"`
		EventDT   sql.NullTime `db:"event_dt"`
		EventType string       `db:"event_type"`
	}
	err := e.from(customEventsTable).
		Select(
			goqu.I("id").As("event_id"),
			goqu.I("event_dt").As("event_dt"),
			goqu.COALESCE(goqu.I("event_type"), "").As("event_type"),
		).
		Where(goqu.I("request_id").Eq(requestID)).
		Order(goqu.I("id").Asc()).
		ScanStructsContext(ctx, &rows)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return []*EventDetail{}, nil
	}

	var dataRows []struct {
		EventID int64  `db:"event_id"`
		Key     string `db:"data_key"`
		Value   string `db:"data_value"`
	}
	err = e.from(customEventDataTable).
		Select(
			goqu.I("event_id").As("event_id"),
			goqu.COALESCE(goqu.I("data_key"), "").As("data_key"),
			goqu.COALESCE(goqu.I("data_value"), "").As("data_value"),
		).
		Where(goqu.I("request_id").Eq(requestID)).
		Order(goqu.I("id").Asc()).
		ScanStructsContext(ctx, &dataRows)
	if err != nil {
		return nil, err
	}

	dataByEvent := make(map[int64]map[string]any, len(rows))
	for _, d := range dataRows {
		if dataByEvent[d.EventID] == nil {
			dataByEvent[d.EventID] = map[string]any{}
		}
		dataByEvent[d.EventID][d.Key] = decodeEventValue(d.Value)
	}

	var rawEvents []model.CustomEvent
	events := make([]*EventDetail, len(rows))
	for i, r := range rows {
		detail := &EventDetail{Type: r.EventType, Data: dataByEvent[r.EventID]}
		if r.EventDT.Valid {
			detail.Timestamp = r.EventDT.Time.UTC()
		}
		if detail.Data == nil {
			if rawEvents == nil {
				rawEvents = e.rawEvents(ctx, token)
			}
			if i < len(rawEvents) {
				detail.Data = rawEvents[i].Data
			} else {
				detail.Data = map[string]any{}
			}
		}
		events[i] = detail
	}
	return events, nil
}

// decodeEventValue reverses the payload flattening done on insert: JSON
// documents come back as structured values, everything else stays a string.
func decodeEventValue(value string) any {
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		var decoded any
		if err := json.Unmarshal([]byte(trimmed), &decoded); err == nil {
			return decoded
		}
	}
	return value
}

// rawEvents loads the custom events of the archived raw record, used as a
// payload fallback. Best effort: any failure yields no events.
func (e *Engine) rawEvents(ctx context.Context, token string) []model.CustomEvent {
	var payload string
	found, err := e.from(rawMetricsTable).
		Select(goqu.I("metrics_json")).
		Where(goqu.I("token").Eq(token)).
		ScanValContext(ctx, &payload)
	if err != nil || !found {
		return []model.CustomEvent{}
	}
	record, err := model.Unmarshal([]byte(payload))
	if err != nil {
		return []model.CustomEvent{}
	}
	return record.Custom
}

// GetEventKeys lists the distinct custom event payload keys seen since
// threshold, for building filter pickers. Failures degrade to an empty list.
func (e *Engine) GetEventKeys(ctx context.Context, threshold time.Time) []string {
	var keys []string
	err := e.from(customEventDataTable).
		Join(requestsTable, goqu.On(eventData_requestId.Eq(request_id))).
		SelectDistinct(eventData_key).
		Where(request_dt.Gte(threshold.UTC())).
		Order(eventData_key.Asc()).
		ScanValsContext(ctx, &keys)
	if err != nil {
		log.WithError(err).Warn("Could not load custom event keys")
		return []string{}
	}
	return keys
}
