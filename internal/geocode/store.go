package geocode

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"eventmap/internal/model"
)

// SQLiteStore persists geocode results keyed by normalized address.
type SQLiteStore struct {
	db *sql.DB
}

// migration represents a single schema migration.
type migration struct {
	Version int
	Name    string
	Apply   func(tx *sql.Tx) error
}

var migrations = []migration{
	{Version: 1, Name: "geocode_cache", Apply: migrateV001},
}

func migrateV001(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS geocode_cache (
			address    TEXT PRIMARY KEY,
			lat        REAL NOT NULL,
			lng        REAL NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	return err
}

// OpenStore opens (creating if needed) the SQLite database at path and
// applies pending migrations. path may be ":memory:".
func OpenStore(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating geocode cache dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening geocode db: %w", err)
	}
	// One writer; also keeps a :memory: database on a single connection.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// migrate applies every migration not yet recorded in schema_migrations.
func (s *SQLiteStore) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			name       TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create schema_migrations table: %w", err)
	}

	for _, m := range migrations {
		var count int
		if err := s.db.QueryRow(
			"SELECT COUNT(*) FROM schema_migrations WHERE version = ?", m.Version,
		).Scan(&count); err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if count > 0 {
			continue
		}
		if err := s.apply(m); err != nil {
			return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Name, err)
		}
	}
	return nil
}

func (s *SQLiteStore) apply(m migration) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := m.Apply(tx); err != nil {
		return err
	}
	if _, err := tx.Exec(
		"INSERT INTO schema_migrations (version, name) VALUES (?, ?)",
		m.Version, m.Name,
	); err != nil {
		return fmt.Errorf("record migration: %w", err)
	}
	return tx.Commit()
}

// LoadAll returns every persisted entry.
func (s *SQLiteStore) LoadAll(ctx context.Context) (map[string]model.Coordinates, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT address, lat, lng FROM geocode_cache")
	if err != nil {
		return nil, fmt.Errorf("querying geocode cache: %w", err)
	}
	defer rows.Close()

	out := make(map[string]model.Coordinates)
	for rows.Next() {
		var (
			addr string
			c    model.Coordinates
		)
		if err := rows.Scan(&addr, &c.Lat, &c.Lng); err != nil {
			return nil, fmt.Errorf("scanning geocode entry: %w", err)
		}
		out[addr] = c
	}
	return out, rows.Err()
}

// Put upserts one entry.
func (s *SQLiteStore) Put(ctx context.Context, address string, c model.Coordinates) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO geocode_cache (address, lat, lng) VALUES (?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET lat = excluded.lat, lng = excluded.lng
	`, address, c.Lat, c.Lng)
	if err != nil {
		return fmt.Errorf("upserting geocode entry %q: %w", address, err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
