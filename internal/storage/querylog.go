package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

func (s *Store) LogQuery(ctx context.Context, e QueryLogEntry) error {
	if e.ResultIDs == nil {
		e.ResultIDs = []string{}
	}
	ids, err := json.Marshal(e.ResultIDs)
	if err != nil {
		return fmt.Errorf("marshal result ids: %w", err)
	}
	var response, confidence any
	if e.Response != "" {
		response, confidence = e.Response, e.Confidence
	}
	_, err = execBuilt(ctx, s.db, s.sql.Insert("query_log").
		Columns("user_id", "query", "result_ids", "mode", "response", "confidence", "processing_time_ms", "created_at").
		Values(e.UserID, e.Query, string(ids), e.Mode, response, confidence, e.ProcessingTimeMS, s.now()), "insert query log")
	return err
}

func (s *Store) ListQueries(ctx context.Context, userID int64, limit int) ([]QueryLogEntry, error) {
	q := s.sql.Select("id", "user_id", "query", "result_ids", "mode", "response", "confidence", "processing_time_ms", "created_at").
		From("query_log").
		Where(sq.Eq{"user_id": userID}).
		OrderBy("created_at DESC", "id DESC").
		Limit(uint64(limit))
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list queries query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list queries: %w", err)
	}
	defer rows.Close()

	out := make([]QueryLogEntry, 0)
	for rows.Next() {
		var e QueryLogEntry
		var ids string
		var response sql.NullString
		var confidence sql.NullFloat64
		if err := rows.Scan(&e.ID, &e.UserID, &e.Query, &ids, &e.Mode, &response, &confidence, &e.ProcessingTimeMS, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan query log row: %w", err)
		}
		e.Response, e.Confidence = response.String, confidence.Float64
		if err := json.Unmarshal([]byte(ids), &e.ResultIDs); err != nil {
			return nil, fmt.Errorf("decode result ids: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate query log rows: %w", err)
	}
	return out, nil
}
