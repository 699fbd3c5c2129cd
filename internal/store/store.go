// Package store implements the durable local key-value surfaces specified
// for WorkspaceStore and UserSecretStore: a single SQLite database file
// with tables workspaces, user_cookies, and user_settings, with secret
// fields sealed via [secretbox.Box] before they ever touch disk.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/streamscribe/streamscribe/internal/secretbox"

	_ "modernc.org/sqlite"
)

// DefaultTeamID is the sentinel team_id used for rows predating
// multi-workspace support, and for single-workspace deployments that never
// register an explicit workspace.
const DefaultTeamID = "_default_"

// ErrNotFound is returned when a lookup key has no corresponding row.
var ErrNotFound = errors.New("store: not found")

// ErrDuplicate is returned by operations that require a key to be absent.
var ErrDuplicate = errors.New("store: duplicate key")

// Store is the durable local database backing WorkspaceStore and
// UserSecretStore. It is safe for concurrent use: all mutations go through
// database/sql's own connection pool and locking.
type Store struct {
	db  *sql.DB
	box *secretbox.Box
}

// Open opens (creating if necessary) the SQLite database at path, applies
// the legacy-schema migration, and returns a ready Store. The migration
// must complete before any other operation proceeds, so Open runs it
// synchronously before returning.
func Open(path string, box *secretbox.Box) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; avoid SQLITE_BUSY storms.

	s := &Store{db: db, box: box}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) init() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS workspaces (
			team_id        TEXT PRIMARY KEY,
			team_name      TEXT NOT NULL,
			bot_token      BLOB NOT NULL,
			signing_secret BLOB NOT NULL,
			app_token      BLOB,
			active         INTEGER NOT NULL DEFAULT 1,
			created_at     TEXT NOT NULL,
			updated_at     TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS user_cookies (
			team_id    TEXT NOT NULL,
			user_id    TEXT NOT NULL,
			cookies    BLOB NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (team_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS user_settings (
			team_id    TEXT NOT NULL,
			user_id    TEXT NOT NULL,
			settings   BLOB NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (team_id, user_id)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("store: init schema: %w", err)
		}
	}
	return s.migrateLegacySchema()
}

// migrateLegacySchema adds a team_id column defaulted to DefaultTeamID to
// either of the two per-user tables (user_cookies, user_settings) when it
// predates multi-workspace support and therefore lacks it. It is idempotent: once every table carries team_id,
// subsequent calls find nothing to do and perform no writes.
func (s *Store) migrateLegacySchema() error {
	for _, table := range []string{"user_cookies", "user_settings"} {
		has, err := s.hasColumn(table, "team_id")
		if err != nil {
			return err
		}
		if has {
			continue
		}
		// This table predates team_id (single-workspace legacy schema).
		// ALTER TABLE ADD COLUMN with a default back-fills existing rows.
		stmt := fmt.Sprintf(`ALTER TABLE %s ADD COLUMN team_id TEXT NOT NULL DEFAULT %q`, table, DefaultTeamID)
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("store: migrate %s: %w", table, err)
		}
	}
	return nil
}

func (s *Store) hasColumn(table, column string) (bool, error) {
	rows, err := s.db.Query(fmt.Sprintf(`PRAGMA table_info(%s)`, table))
	if err != nil {
		return false, fmt.Errorf("store: inspect schema of %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name, typ  string
			notNull    int
			dflt       sql.NullString
			primaryKey int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &primaryKey); err != nil {
			return false, fmt.Errorf("store: scan table_info(%s): %w", table, err)
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
