package dashboard

import (
	"context"
	"strconv"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const defaultPerPage = 20

// GetRequestsData runs a filtered, paginated request search. Main request
// filters apply in SQL; custom event filters resolve to request id sets that
// are intersected with the candidates. Candidates are capped at the newest
// 500 matches, and the histogram covers the full filtered set, not just the
// requested page. Failures degrade to an empty result.
func (e *Engine) GetRequestsData(ctx context.Context, threshold time.Time, page, perPage int, filters *RequestFilters) *RequestsData {
	threshold = threshold.UTC()
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = defaultPerPage
	}
	if filters == nil {
		filters = &RequestFilters{}
	}

	data, err := e.requestsData(ctx, threshold, page, perPage, filters)
	if err != nil {
		log.WithError(err).Warn("Could not load requests data, returning empty result")
		return e.emptyRequestsData(threshold, page, perPage)
	}
	return data
}

func (e *Engine) emptyRequestsData(threshold time.Time, page, perPage int) *RequestsData {
	now := e.clock.Now().UTC()
	histogram, _ := emptySeries(threshold, now, bucketWidthFor(threshold, now))
	return &RequestsData{
		Requests:              []*RequestSummary{},
		Pagination:            Pagination{Page: page, PerPage: perPage},
		ResponseCodeHistogram: histogram,
	}
}

func (e *Engine) requestsData(ctx context.Context, threshold time.Time, page, perPage int, filters *RequestFilters) (*RequestsData, error) {
	candidates, err := e.candidateRequests(ctx, threshold, filters)
	if err != nil {
		return nil, err
	}

	matched := candidates
	if filters.hasEventFilters() {
		sets, empty, err := e.eventFilterSets(ctx, threshold, filters)
		if err != nil {
			return nil, err
		}
		if empty {
			matched = nil
		} else {
			ids := make([]int64, len(candidates))
			for i, c := range candidates {
				ids[i] = c.ID
			}
			kept := toSet(intersect(ids, sets))
			matched = matched[:0]
			for _, c := range candidates {
				if kept[c.ID] {
					matched = append(matched, c)
				}
			}
		}
	}

	totalCount := len(matched)
	totalPages := (totalCount + perPage - 1) / perPage

	start := (page - 1) * perPage
	if start > totalCount {
		start = totalCount
	}
	end := start + perPage
	if end > totalCount {
		end = totalCount
	}

	summaries, err := e.requestPage(ctx, matched[start:end])
	if err != nil {
		return nil, err
	}

	now := e.clock.Now().UTC()
	width := bucketWidthFor(threshold, now)
	histogram, _ := emptySeries(threshold, now, width)
	for _, c := range matched {
		i := bucketIndex(c.RequestDT.UTC(), threshold, width)
		if i < 0 || i >= len(histogram) {
			continue
		}
		histogram[i].Counts[c.ResponseCode]++
		histogram[i].Total++
	}

	return &RequestsData{
		Requests: summaries,
		Pagination: Pagination{
			Page:       page,
			PerPage:    perPage,
			TotalCount: totalCount,
			TotalPages: totalPages,
		},
		ResponseCodeHistogram: histogram,
	}, nil
}

type candidateRow struct {
	ID           int64     `db:"id"`
	RequestDT    time.Time `db:"request_dt"`
	ResponseCode int       `db:"response_code"`
}

// candidateRequests resolves the main request filters to the newest matching
// rows, newest first, capped at candidateLimit.
func (e *Engine) candidateRequests(ctx context.Context, threshold time.Time, filters *RequestFilters) ([]candidateRow, error) {
	conditions := []exp.Expression{request_dt.Gte(threshold)}

	if filters.Token != "" {
		conditions = append(conditions, request_token.Eq(filters.Token))
	}
	if filters.URLContains != "" {
		conditions = append(conditions, goqu.I("requests.url").Like("%"+filters.URLContains+"%"))
	}
	if filters.ResponseCode != "" {
		if code, err := strconv.Atoi(filters.ResponseCode); err == nil && len(filters.ResponseCode) == 3 {
			conditions = append(conditions, goqu.I("requests.response_code").Eq(code))
		} else {
			// Prefix match, so "4" finds every client error
			conditions = append(conditions,
				goqu.L("CAST(requests.response_code AS TEXT)").Like(filters.ResponseCode+"%"))
		}
	}
	if filters.IsBot != nil {
		conditions = append(conditions, goqu.I("requests.is_bot").Eq(*filters.IsBot))
	}
	if filters.MinTotalTime > 0 {
		conditions = append(conditions, request_totalTime.Gte(filters.MinTotalTime))
	}
	if filters.IP != "" {
		conditions = append(conditions, goqu.I("requests.ip").Eq(filters.IP))
	}
	if filters.Host != "" {
		conditions = append(conditions, goqu.I("requests.host").Eq(filters.Host))
	}
	if filters.SessionID != "" {
		conditions = append(conditions, goqu.I("requests.session_id").Eq(filters.SessionID))
	}
	if filters.UserAgent != "" {
		conditions = append(conditions, goqu.I("requests.user_agent").Eq(filters.UserAgent))
	}

	var rows []candidateRow
	err := e.from(requestsTable).
		Select(
			goqu.I("requests.id").As("id"),
			request_dt.As("request_dt"),
			goqu.COALESCE(goqu.I("requests.response_code"), 0).As("response_code"),
		).
		Where(conditions...).
		Order(request_dt.Desc()).
		Limit(candidateLimit).
		ScanStructsContext(ctx, &rows)
	return rows, err
}

// eventFilterSets resolves each custom event filter to the set of request
// ids it matches. empty reports that some filter matched nothing, which
// short-circuits the whole search to an empty result.
func (e *Engine) eventFilterSets(ctx context.Context, threshold time.Time, filters *RequestFilters) (sets []map[int64]bool, empty bool, err error) {
	if filters.EventType != "" {
		ids, err := e.requestIdsByEventType(ctx, threshold, filters.EventType)
		if err != nil {
			return nil, false, err
		}
		if len(ids) == 0 {
			return nil, true, nil
		}
		sets = append(sets, toSet(ids))
	}

	for _, f := range filters.DataFilters {
		ids, err := e.requestIdsByDataFilter(ctx, threshold, f)
		if err != nil {
			return nil, false, err
		}
		if len(ids) == 0 {
			return nil, true, nil
		}
		sets = append(sets, toSet(ids))
	}
	return sets, false, nil
}

func (e *Engine) requestIdsByEventType(ctx context.Context, threshold time.Time, eventType string) ([]int64, error) {
	var ids []int64
	err := e.from(customEventsTable).
		Join(requestsTable, goqu.On(event_requestId.Eq(request_id))).
		SelectDistinct(event_requestId).
		Where(
			request_dt.Gte(threshold),
			event_type.Like("%"+eventType+"%"),
		).
		ScanValsContext(ctx, &ids)
	return ids, err
}

func (e *Engine) requestIdsByDataFilter(ctx context.Context, threshold time.Time, f DataFilter) ([]int64, error) {
	valueCondition, err := dataValueCondition(f)
	if err != nil {
		return nil, err
	}

	var ids []int64
	err = e.from(customEventDataTable).
		Join(requestsTable, goqu.On(eventData_requestId.Eq(request_id))).
		SelectDistinct(eventData_requestId).
		Where(
			request_dt.Gte(threshold),
			eventData_key.Eq(f.Key),
			valueCondition,
		).
		ScanValsContext(ctx, &ids)
	return ids, err
}

// dataValueCondition maps a filter operator onto the stored payload value.
// Payload values are stored as text, so ordering operators compare after a
// numeric cast; non-numeric filter values fall back to string comparison.
func dataValueCondition(f DataFilter) (exp.Expression, error) {
	switch f.Operator {
	case MatchContains:
		return eventData_value.Like("%" + f.Value + "%"), nil
	case MatchStartsWith:
		return eventData_value.Like(f.Value + "%"), nil
	case MatchEndsWith:
		return eventData_value.Like("%" + f.Value), nil
	case MatchGreaterThan, MatchLessThan, MatchGreaterThanEqual, MatchLessThanEqual:
		numericValue, numErr := strconv.ParseFloat(f.Value, 64)
		if numErr == nil {
			cast := goqu.L("CAST(custom_event_data.data_value AS REAL)")
			switch f.Operator {
			case MatchGreaterThan:
				return cast.Gt(numericValue), nil
			case MatchLessThan:
				return cast.Lt(numericValue), nil
			case MatchGreaterThanEqual:
				return cast.Gte(numericValue), nil
			default:
				return cast.Lte(numericValue), nil
			}
		}
		switch f.Operator {
		case MatchGreaterThan:
			return eventData_value.Gt(f.Value), nil
		case MatchLessThan:
			return eventData_value.Lt(f.Value), nil
		case MatchGreaterThanEqual:
			return eventData_value.Gte(f.Value), nil
		default:
			return eventData_value.Lte(f.Value), nil
		}
	case MatchExact, "":
		return eventData_value.Eq(f.Value), nil
	default:
		return nil, errors.Errorf("unknown data filter operator %q", f.Operator)
	}
}

func (e *Engine) requestPage(ctx context.Context, pageRows []candidateRow) ([]*RequestSummary, error) {
	if len(pageRows) == 0 {
		return []*RequestSummary{}, nil
	}
	ids := make([]int64, len(pageRows))
	for i, row := range pageRows {
		ids[i] = row.ID
	}

	var rows []requestRow
	err := e.from(requestsTable).
		Select(requestColumns()...).
		Where(goqu.I("requests.id").In(ids)).
		Order(request_dt.Desc()).
		ScanStructsContext(ctx, &rows)
	if err != nil {
		return nil, err
	}
	summaries := make([]*RequestSummary, len(rows))
	for i := range rows {
		summaries[i] = e.summaryFromRow(&rows[i])
	}
	return summaries, nil
}
