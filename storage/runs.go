package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vayu-dev/vayu-engine/model"
)

// RunRow is the persisted shape of one runs table row.
type RunRow struct {
	ID                 string
	Type               string
	Status             model.RunStatus
	StartTime          time.Time
	EndTime            sql.NullTime
	ConfigSnapshotJSON string
	RequestID          sql.NullString
	EnvironmentID      sql.NullString
	ErrorMessage       sql.NullString
}

// CreateRun inserts a new runs row in RunPending status and returns its
// generated ID.
func (s *Store) CreateRun(ctx context.Context, configSnapshotJSON string) (string, error) {
	id := uuid.New().String()
	err := withRetry(ctx, func() error {
		_, err := s.DB.ExecContext(ctx,
			`INSERT INTO runs (id, type, status, start_time, config_snapshot_json) VALUES (?, ?, ?, ?, ?)`,
			id, "load", string(model.RunPending), time.Now().UTC(), configSnapshotJSON,
		)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("storage: create run: %w", err)
	}
	return id, nil
}

// UpdateRunStatus transitions a run's persisted status, optionally stamping
// an end time and error note (errMsg may be empty).
func (s *Store) UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus, endTime *time.Time, errMsg string) error {
	var end sql.NullTime
	if endTime != nil {
		end = sql.NullTime{Time: *endTime, Valid: true}
	}
	var em sql.NullString
	if errMsg != "" {
		em = sql.NullString{String: errMsg, Valid: true}
	}
	return withRetry(ctx, func() error {
		_, err := s.DB.ExecContext(ctx,
			`UPDATE runs SET status = ?, end_time = ?, error_message = COALESCE(?, error_message) WHERE id = ?`,
			string(status), end, em, runID,
		)
		return err
	})
}

// GetRun fetches one run row by ID.
func (s *Store) GetRun(ctx context.Context, runID string) (*RunRow, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT id, type, status, start_time, end_time, config_snapshot_json, request_id, environment_id, error_message
		 FROM runs WHERE id = ?`, runID)

	var r RunRow
	if err := row.Scan(&r.ID, &r.Type, &r.Status, &r.StartTime, &r.EndTime, &r.ConfigSnapshotJSON, &r.RequestID, &r.EnvironmentID, &r.ErrorMessage); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: get run %q: %w", runID, err)
	}
	return &r, nil
}
