package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Collection, Request, and Environment CRUD are delegated surfaces per spec
// section 1 (the request-builder/collection CRUD surface is an external
// collaborator); the engine core only needs enough of this surface to
// resolve a stored request/environment when a run references one by ID,
// and to let the control plane's CRUD passthrough (spec section 4.H) work
// against something real.

// CollectionRow mirrors the collections table.
type CollectionRow struct {
	ID            string
	Name          string
	ParentID      sql.NullString
	VariablesJSON string
	UpdatedAt     time.Time
}

func (s *Store) CreateCollection(ctx context.Context, name, parentID, variablesJSON string) (string, error) {
	id := uuid.New().String()
	var parent sql.NullString
	if parentID != "" {
		parent = sql.NullString{String: parentID, Valid: true}
	}
	err := withRetry(ctx, func() error {
		_, err := s.DB.ExecContext(ctx,
			`INSERT INTO collections (id, name, parent_id, variables_json, updated_at) VALUES (?, ?, ?, ?, ?)`,
			id, name, parent, variablesJSON, time.Now().UTC())
		return err
	})
	if err != nil {
		return "", fmt.Errorf("storage: create collection: %w", err)
	}
	return id, nil
}

func (s *Store) GetCollection(ctx context.Context, id string) (*CollectionRow, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT id, name, parent_id, variables_json, updated_at FROM collections WHERE id = ?`, id)
	var c CollectionRow
	if err := row.Scan(&c.ID, &c.Name, &c.ParentID, &c.VariablesJSON, &c.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: get collection %q: %w", id, err)
	}
	return &c, nil
}

// RequestRow mirrors the requests table.
type RequestRow struct {
	ID           string
	CollectionID string
	Name         string
	Method       string
	URL          string
	HeadersJSON  string
	BodyJSON     sql.NullString
	AuthJSON     sql.NullString
	ScriptsJSON  sql.NullString
	CreatedAt    time.Time
}

func (s *Store) CreateRequest(ctx context.Context, r RequestRow) (string, error) {
	id := uuid.New().String()
	err := withRetry(ctx, func() error {
		_, err := s.DB.ExecContext(ctx,
			`INSERT INTO requests (id, collection_id, name, method, url, headers_json, body_json, auth_json, scripts_json, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, r.CollectionID, r.Name, r.Method, r.URL, r.HeadersJSON, r.BodyJSON, r.AuthJSON, r.ScriptsJSON, time.Now().UTC())
		return err
	})
	if err != nil {
		return "", fmt.Errorf("storage: create request: %w", err)
	}
	return id, nil
}

func (s *Store) GetRequest(ctx context.Context, id string) (*RequestRow, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT id, collection_id, name, method, url, headers_json, body_json, auth_json, scripts_json, created_at FROM requests WHERE id = ?`, id)
	var r RequestRow
	if err := row.Scan(&r.ID, &r.CollectionID, &r.Name, &r.Method, &r.URL, &r.HeadersJSON, &r.BodyJSON, &r.AuthJSON, &r.ScriptsJSON, &r.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: get request %q: %w", id, err)
	}
	return &r, nil
}

// EnvironmentRow mirrors the environments table.
type EnvironmentRow struct {
	ID            string
	Name          string
	VariablesJSON string
	Active        bool
}

func (s *Store) CreateEnvironment(ctx context.Context, name, variablesJSON string, active bool) (string, error) {
	id := uuid.New().String()
	err := withRetry(ctx, func() error {
		_, err := s.DB.ExecContext(ctx,
			`INSERT INTO environments (id, name, variables_json, active_bool) VALUES (?, ?, ?, ?)`,
			id, name, variablesJSON, active)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("storage: create environment: %w", err)
	}
	return id, nil
}

func (s *Store) GetEnvironment(ctx context.Context, id string) (*EnvironmentRow, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT id, name, variables_json, active_bool FROM environments WHERE id = ?`, id)
	var e EnvironmentRow
	if err := row.Scan(&e.ID, &e.Name, &e.VariablesJSON, &e.Active); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: get environment %q: %w", id, err)
	}
	return &e, nil
}
