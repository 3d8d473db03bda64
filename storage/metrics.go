package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/vayu-dev/vayu-engine/model"
)

// AppendMetricPoint writes one periodic time-series row. Called from the
// Run Manager's metrics thread at its snapshot cadence (spec section 4.F),
// so it is a single-row insert, not batched.
func (s *Store) AppendMetricPoint(ctx context.Context, p model.MetricPoint) error {
	return withRetry(ctx, func() error {
		_, err := s.DB.ExecContext(ctx,
			`INSERT INTO metrics (run_id, timestamp, name, value, labels_json) VALUES (?, ?, ?, ?, ?)`,
			p.RunID, p.Timestamp, string(p.Name), p.Value, nullableString(p.Labels),
		)
		return err
	})
}

// TimeWindow optionally bounds ListMetricPoints to [Start, End).
type TimeWindow struct {
	Start, End time.Time
	Set        bool
}

// ListMetricPoints streams metric rows for runID within an optional window,
// bounded by pagination, matching spec's streaming requirement.
func (s *Store) ListMetricPoints(ctx context.Context, runID string, window TimeWindow, page Pagination) ([]model.MetricPoint, error) {
	limit := page.Limit
	if limit <= 0 || limit > 10000 {
		limit = 500
	}

	query := `SELECT run_id, timestamp, name, value, COALESCE(labels_json,'') FROM metrics WHERE run_id = ?`
	args := []any{runID}
	if window.Set {
		query += ` AND timestamp >= ? AND timestamp < ?`
		args = append(args, window.Start, window.End)
	}
	query += ` ORDER BY timestamp LIMIT ? OFFSET ?`
	args = append(args, limit, page.Offset)

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list metric points: %w", err)
	}
	defer rows.Close()

	out := make([]model.MetricPoint, 0, limit)
	for rows.Next() {
		var p model.MetricPoint
		var name string
		if err := rows.Scan(&p.RunID, &p.Timestamp, &name, &p.Value, &p.Labels); err != nil {
			return nil, fmt.Errorf("storage: scan metric row: %w", err)
		}
		p.Name = model.MetricName(name)
		out = append(out, p)
	}
	return out, rows.Err()
}
