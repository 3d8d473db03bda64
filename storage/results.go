package storage

import (
	"context"
	"fmt"

	"github.com/vayu-dev/vayu-engine/model"
)

// Pagination bounds a streaming list query.
type Pagination struct {
	Offset int
	Limit  int
}

// ResultsFilter narrows list_results by status code; zero value matches all.
type ResultsFilter struct {
	StatusCode int // 0 means "no filter"
}

// AppendResultsBatch writes every record in a single transaction, matching
// spec's "single transaction; called once at flush" requirement. records
// with the same (run_id, seq) as an existing row are rejected by the
// primary key, which is intentional: flush happens exactly once per run.
func (s *Store) AppendResultsBatch(ctx context.Context, runID string, records []model.ResultRecord) error {
	if len(records) == 0 {
		return nil
	}
	return withRetry(ctx, func() error {
		tx, err := s.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO results (run_id, seq, timestamp, status_code, latency_ms, error_code, error_message, trace_json)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			tx.Rollback()
			return err
		}
		defer stmt.Close()

		for _, r := range records {
			if _, err := stmt.ExecContext(ctx, runID, r.Seq, r.Timestamp, r.StatusCode, r.LatencyMS, nullableString(string(r.ErrorCode)), nullableString(r.ErrorMsg), nullableString(r.TraceJSON)); err != nil {
				tx.Rollback()
				return err
			}
		}
		return tx.Commit()
	})
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// ListResults streams result rows for runID, bounded by pagination, ordered
// by seq. Memory use is bounded to page.Limit rows regardless of run size.
func (s *Store) ListResults(ctx context.Context, runID string, filter ResultsFilter, page Pagination) ([]model.ResultRecord, error) {
	limit := page.Limit
	if limit <= 0 || limit > 10000 {
		limit = 500
	}

	query := `SELECT run_id, seq, timestamp, status_code, latency_ms, COALESCE(error_code,''), COALESCE(error_message,''), COALESCE(trace_json,'')
	          FROM results WHERE run_id = ?`
	args := []any{runID}
	if filter.StatusCode != 0 {
		query += ` AND status_code = ?`
		args = append(args, filter.StatusCode)
	}
	query += ` ORDER BY seq LIMIT ? OFFSET ?`
	args = append(args, limit, page.Offset)

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list results: %w", err)
	}
	defer rows.Close()

	out := make([]model.ResultRecord, 0, limit)
	for rows.Next() {
		var r model.ResultRecord
		var errCode, errMsg, trace string
		if err := rows.Scan(&r.RunID, &r.Seq, &r.Timestamp, &r.StatusCode, &r.LatencyMS, &errCode, &errMsg, &trace); err != nil {
			return nil, fmt.Errorf("storage: scan result row: %w", err)
		}
		r.ErrorCode = model.ErrorCode(errCode)
		r.ErrorMsg = errMsg
		r.TraceJSON = trace
		out = append(out, r)
	}
	return out, rows.Err()
}
