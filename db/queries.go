package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// CompartmentRecord is the persisted row for one compartment. ConfigJSON
// holds the compartment's full decoded types.ContainerConfig, marshaled;
// this package deliberately doesn't import the types package so the
// index schema can't accidentally drift into assuming config shape it
// doesn't need to enforce.
type CompartmentRecord struct {
	UUID          string
	Name          string
	GuestOS       string
	State         string
	RestartPolicy string
	ConfigJSON    json.RawMessage
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Upsert inserts or replaces a compartment's row.
func (d *DB) Upsert(ctx context.Context, r CompartmentRecord) error {
	_, err := d.sql.ExecContext(ctx, `
		INSERT INTO compartments (uuid, name, guest_os, state, restart_policy, config_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(uuid) DO UPDATE SET
			name=excluded.name, guest_os=excluded.guest_os, state=excluded.state,
			restart_policy=excluded.restart_policy, config_json=excluded.config_json,
			updated_at=excluded.updated_at`,
		r.UUID, r.Name, r.GuestOS, r.State, r.RestartPolicy, string(r.ConfigJSON), r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("db: upsert compartment %s: %w", r.UUID, err)
	}
	return nil
}

// UpdateState updates just the state column and bumps updated_at,
// without touching the rest of the row — the common path on every
// lifecycle transition.
func (d *DB) UpdateState(ctx context.Context, uuid, state string, updatedAt time.Time) error {
	res, err := d.sql.ExecContext(ctx,
		`UPDATE compartments SET state = ?, updated_at = ? WHERE uuid = ?`, state, updatedAt, uuid)
	if err != nil {
		return fmt.Errorf("db: update state for %s: %w", uuid, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("db: no compartment row for %s", uuid)
	}
	return nil
}

// Get loads a single compartment's row.
func (d *DB) Get(ctx context.Context, uuid string) (CompartmentRecord, error) {
	row := d.sql.QueryRowContext(ctx,
		`SELECT uuid, name, guest_os, state, restart_policy, config_json, created_at, updated_at
		 FROM compartments WHERE uuid = ?`, uuid)
	return scanRecord(row)
}

// List loads every compartment row, ordered by creation time.
func (d *DB) List(ctx context.Context) ([]CompartmentRecord, error) {
	rows, err := d.sql.QueryContext(ctx,
		`SELECT uuid, name, guest_os, state, restart_policy, config_json, created_at, updated_at
		 FROM compartments ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("db: list compartments: %w", err)
	}
	defer rows.Close()

	var out []CompartmentRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Delete removes a compartment's row, e.g. once it's been destroyed.
func (d *DB) Delete(ctx context.Context, uuid string) error {
	_, err := d.sql.ExecContext(ctx, `DELETE FROM compartments WHERE uuid = ?`, uuid)
	if err != nil {
		return fmt.Errorf("db: delete compartment %s: %w", uuid, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (CompartmentRecord, error) {
	var r CompartmentRecord
	var configJSON string
	if err := row.Scan(&r.UUID, &r.Name, &r.GuestOS, &r.State, &r.RestartPolicy, &configJSON, &r.CreatedAt, &r.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return CompartmentRecord{}, err
		}
		return CompartmentRecord{}, fmt.Errorf("db: scan compartment row: %w", err)
	}
	r.ConfigJSON = json.RawMessage(configJSON)
	return r, nil
}
