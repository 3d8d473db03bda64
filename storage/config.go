package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// ConfigEntry is one row of the config table: a typed, admin-editable
// engine setting (spec's Component B).
type ConfigEntry struct {
	Key         string
	Value       string
	Type        string // "int" | "string" | "bool" | "double"
	Description string
	Constraints string // serialised JSON, e.g. {"min":0,"max":100}
}

// ListConfig returns every config row, used to build the settings cache on
// boot and on Reload.
func (s *Store) ListConfig(ctx context.Context) ([]ConfigEntry, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT key, value, type, COALESCE(description,''), COALESCE(constraints,'') FROM config ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("storage: list config: %w", err)
	}
	defer rows.Close()

	var out []ConfigEntry
	for rows.Next() {
		var e ConfigEntry
		if err := rows.Scan(&e.Key, &e.Value, &e.Type, &e.Description, &e.Constraints); err != nil {
			return nil, fmt.Errorf("storage: scan config row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// UpsertConfig writes or replaces one config entry.
func (s *Store) UpsertConfig(ctx context.Context, e ConfigEntry) error {
	return withRetry(ctx, func() error {
		_, err := s.DB.ExecContext(ctx,
			`INSERT INTO config (key, value, type, description, constraints) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value, type = excluded.type,
			   description = excluded.description, constraints = excluded.constraints`,
			e.Key, e.Value, e.Type, nullableString(e.Description), nullableString(e.Constraints),
		)
		return err
	})
}

// GetConfig fetches a single entry, returning (nil, nil) if absent.
func (s *Store) GetConfig(ctx context.Context, key string) (*ConfigEntry, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT key, value, type, COALESCE(description,''), COALESCE(constraints,'') FROM config WHERE key = ?`, key)
	var e ConfigEntry
	if err := row.Scan(&e.Key, &e.Value, &e.Type, &e.Description, &e.Constraints); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: get config %q: %w", key, err)
	}
	return &e, nil
}
