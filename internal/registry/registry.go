// Package registry persists every entity the daemon has registered, with
// when it was first and last seen, in SQLite.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/trymwestin/nestd/internal/config"
	"github.com/trymwestin/nestd/internal/entity"
	"github.com/trymwestin/nestd/internal/sensor"
)

const (
	dirPermissions    = 0o750
	filePermissions   = 0o600
	connectionTimeout = 5 * time.Second
)

// ErrNotFound is returned when no entity has the requested unique id.
var ErrNotFound = errors.New("registry: entity not found")

const schema = `
CREATE TABLE IF NOT EXISTS entities (
	unique_id    TEXT PRIMARY KEY,
	device_id    TEXT NOT NULL,
	kind         TEXT NOT NULL,
	name         TEXT NOT NULL,
	device_class TEXT NOT NULL DEFAULT '',
	unit         TEXT NOT NULL DEFAULT '',
	first_seen   INTEGER NOT NULL,
	last_seen    INTEGER,
	last_state   TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_entities_device ON entities(device_id);
`

// Entry is one row of the registry.
type Entry struct {
	entity.Descriptor
	FirstSeen time.Time  `json:"first_seen"`
	LastSeen  *time.Time `json:"last_seen,omitempty"`
	LastState string     `json:"last_state"`
}

// Registry is the SQLite-backed entity registry. It implements entity.Recorder.
type Registry struct {
	db  *sql.DB
	now func() time.Time
}

var _ entity.Recorder = (*Registry)(nil)

// Open opens (creating if needed) the registry database and applies the schema.
func Open(cfg config.RegistryConfig) (*Registry, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Path), dirPermissions); err != nil {
		return nil, fmt.Errorf("registry: creating directory: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL",
		cfg.Path, cfg.BusyTimeout*1000)
	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("registry: opening database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer
	db.SetMaxIdleConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), connectionTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("registry: verifying connection: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("registry: applying schema: %w", err)
	}
	_ = os.Chmod(cfg.Path, filePermissions)

	return &Registry{db: db, now: time.Now}, nil
}

// Close closes the database.
func (r *Registry) Close() error {
	if err := r.db.Close(); err != nil {
		return fmt.Errorf("registry: closing database: %w", err)
	}
	return nil
}

// Record inserts or updates an entity's descriptor. first_seen is kept from
// the first registration.
func (r *Registry) Record(ctx context.Context, d entity.Descriptor) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO entities (unique_id, device_id, kind, name, device_class, unit, first_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(unique_id) DO UPDATE SET
			device_id = excluded.device_id,
			kind = excluded.kind,
			name = excluded.name,
			device_class = excluded.device_class,
			unit = excluded.unit
	`, d.UniqueID, d.DeviceID, string(d.Kind), d.Name, d.DeviceClass, d.Unit, r.now().Unix())
	if err != nil {
		return fmt.Errorf("registry: record %s: %w", d.UniqueID, err)
	}
	return nil
}

// Seen stores the result of a successful poll.
func (r *Registry) Seen(ctx context.Context, uniqueID, state string, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE entities SET last_seen = ?, last_state = ? WHERE unique_id = ?`,
		at.Unix(), state, uniqueID)
	if err != nil {
		return fmt.Errorf("registry: seen %s: %w", uniqueID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, uniqueID)
	}
	return nil
}

// Get returns one registry entry.
func (r *Registry) Get(ctx context.Context, uniqueID string) (Entry, error) {
	row := r.db.QueryRowContext(ctx, selectEntries+` WHERE unique_id = ?`, uniqueID)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, uniqueID)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("registry: get %s: %w", uniqueID, err)
	}
	return e, nil
}

// List returns all entries ordered by unique id.
func (r *Registry) List(ctx context.Context) ([]Entry, error) {
	rows, err := r.db.QueryContext(ctx, selectEntries+` ORDER BY unique_id`)
	if err != nil {
		return nil, fmt.Errorf("registry: list: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("registry: list: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("registry: list: %w", err)
	}
	return out, nil
}

const selectEntries = `SELECT unique_id, device_id, kind, name, device_class, unit, first_seen, last_seen, last_state FROM entities`

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (Entry, error) {
	var (
		e         Entry
		kind      string
		firstSeen int64
		lastSeen  sql.NullInt64
	)
	if err := s.Scan(&e.UniqueID, &e.DeviceID, &kind, &e.Name, &e.DeviceClass, &e.Unit, &firstSeen, &lastSeen, &e.LastState); err != nil {
		return Entry{}, err
	}
	e.Kind = sensor.Kind(kind)
	e.FirstSeen = time.Unix(firstSeen, 0).UTC()
	if lastSeen.Valid {
		t := time.Unix(lastSeen.Int64, 0).UTC()
		e.LastSeen = &t
	}
	return e, nil
}
