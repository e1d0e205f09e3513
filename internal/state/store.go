// Package state is the durable record of everything that must survive a
// restart: app definitions, their routes, the upgrade-mode lock, and the
// server mode flag. It is grounded on the storage-interface idiom of
// caddytls/storage.go (a narrow Storage contract implemented against a
// concrete backend) but backed by a single embedded SQLite database via
// the pure-Go modernc.org/sqlite driver, the same driver the example
// corpus's other storage-heavy services (trustwatch, cryptoutil) use to
// avoid a cgo dependency.
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps a SQLite connection with the handful of queries the
// supervisor needs. All methods are safe for concurrent use; SQLite's
// own locking combined with Go's database/sql connection pool serialize
// writers.
type Store struct {
	db *sql.DB
}

// AppRecord is the durable representation of an apps.App, decoupled
// from the in-memory type so the storage schema can evolve
// independently of the runtime model.
type AppRecord struct {
	Name         string
	Version      string
	Path         string
	Command      []string
	Env          map[string]string
	MinInstances int
	MaxInstances int
	BasePort     int
	IdleTimeout  time.Duration
	Routes       []string // ordered path/host patterns
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Open creates (if needed) and opens the SQLite database at path,
// applying schema migrations in a single transaction.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening state store: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite single-writer; avoid pool-level contention errors
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating state store: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS schema_version (id INTEGER PRIMARY KEY CHECK (id = 0), version INTEGER NOT NULL);
CREATE TABLE IF NOT EXISTS apps (
	name TEXT PRIMARY KEY,
	version TEXT NOT NULL,
	path TEXT NOT NULL,
	command_json TEXT NOT NULL,
	env_json TEXT NOT NULL,
	min_instances INTEGER NOT NULL,
	max_instances INTEGER NOT NULL,
	base_port INTEGER NOT NULL,
	idle_timeout_secs INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS routes (
	app_name TEXT NOT NULL,
	position INTEGER NOT NULL,
	pattern TEXT NOT NULL,
	PRIMARY KEY (app_name, position),
	FOREIGN KEY (app_name) REFERENCES apps(name) ON DELETE CASCADE
);
CREATE TABLE IF NOT EXISTS upgrade_lock (id INTEGER PRIMARY KEY CHECK (id = 0), owner TEXT NOT NULL, acquired_at INTEGER NOT NULL);
CREATE TABLE IF NOT EXISTS server_mode (id INTEGER PRIMARY KEY CHECK (id = 0), mode TEXT NOT NULL);
`
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(schema); err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT OR IGNORE INTO schema_version (id, version) VALUES (0, 1)`); err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT OR IGNORE INTO server_mode (id, mode) VALUES (0, 'normal')`); err != nil {
		return err
	}
	return tx.Commit()
}

// PutApp upserts the app record and replaces its route set atomically.
func (s *Store) PutApp(ctx context.Context, rec AppRecord) error {
	cmdJSON, err := json.Marshal(rec.Command)
	if err != nil {
		return fmt.Errorf("marshaling command: %w", err)
	}
	envJSON, err := json.Marshal(rec.Env)
	if err != nil {
		return fmt.Errorf("marshaling env: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO apps (name, version, path, command_json, env_json, min_instances, max_instances, base_port, idle_timeout_secs, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			version=excluded.version, path=excluded.path, command_json=excluded.command_json,
			env_json=excluded.env_json, min_instances=excluded.min_instances, max_instances=excluded.max_instances,
			base_port=excluded.base_port, idle_timeout_secs=excluded.idle_timeout_secs, updated_at=excluded.updated_at`,
		rec.Name, rec.Version, rec.Path, string(cmdJSON), string(envJSON),
		rec.MinInstances, rec.MaxInstances, rec.BasePort, int64(rec.IdleTimeout/time.Second), now, now)
	if err != nil {
		return fmt.Errorf("upserting app: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM routes WHERE app_name = ?`, rec.Name); err != nil {
		return fmt.Errorf("clearing routes: %w", err)
	}
	for i, pattern := range rec.Routes {
		if _, err := tx.ExecContext(ctx, `INSERT INTO routes (app_name, position, pattern) VALUES (?, ?, ?)`, rec.Name, i, pattern); err != nil {
			return fmt.Errorf("inserting route: %w", err)
		}
	}

	return tx.Commit()
}

// DeleteApp removes the app and its routes.
func (s *Store) DeleteApp(ctx context.Context, name string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM routes WHERE app_name = ?`, name); err != nil {
		return fmt.Errorf("deleting routes: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM apps WHERE name = ?`, name); err != nil {
		return fmt.Errorf("deleting app: %w", err)
	}
	return tx.Commit()
}

// ListApps returns every persisted app, including its routes, for
// restoring state at boot.
func (s *Store) ListApps(ctx context.Context) ([]AppRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, version, path, command_json, env_json, min_instances, max_instances, base_port, idle_timeout_secs, created_at, updated_at FROM apps`)
	if err != nil {
		return nil, fmt.Errorf("listing apps: %w", err)
	}
	defer rows.Close()

	var out []AppRecord
	for rows.Next() {
		var rec AppRecord
		var cmdJSON, envJSON string
		var created, updated, idleSecs int64
		if err := rows.Scan(&rec.Name, &rec.Version, &rec.Path, &cmdJSON, &envJSON,
			&rec.MinInstances, &rec.MaxInstances, &rec.BasePort, &idleSecs, &created, &updated); err != nil {
			return nil, fmt.Errorf("scanning app row: %w", err)
		}
		if err := json.Unmarshal([]byte(cmdJSON), &rec.Command); err != nil {
			return nil, fmt.Errorf("unmarshaling command for %s: %w", rec.Name, err)
		}
		if err := json.Unmarshal([]byte(envJSON), &rec.Env); err != nil {
			return nil, fmt.Errorf("unmarshaling env for %s: %w", rec.Name, err)
		}
		rec.IdleTimeout = time.Duration(idleSecs) * time.Second
		rec.CreatedAt = time.Unix(created, 0)
		rec.UpdatedAt = time.Unix(updated, 0)

		routeRows, err := s.db.QueryContext(ctx, `SELECT pattern FROM routes WHERE app_name = ? ORDER BY position`, rec.Name)
		if err != nil {
			return nil, fmt.Errorf("listing routes for %s: %w", rec.Name, err)
		}
		for routeRows.Next() {
			var pattern string
			if err := routeRows.Scan(&pattern); err != nil {
				routeRows.Close()
				return nil, err
			}
			rec.Routes = append(rec.Routes, pattern)
		}
		routeRows.Close()

		out = append(out, rec)
	}
	return out, rows.Err()
}

// AcquireUpgradeLock attempts to write the upgrade lock row for owner.
// It fails if a lock already exists with a different owner.
func (s *Store) AcquireUpgradeLock(ctx context.Context, owner string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var existingOwner string
	err = tx.QueryRowContext(ctx, `SELECT owner FROM upgrade_lock WHERE id = 0`).Scan(&existingOwner)
	switch {
	case err == sql.ErrNoRows:
		// fall through to insert
	case err != nil:
		return fmt.Errorf("checking upgrade lock: %w", err)
	case existingOwner != owner:
		return fmt.Errorf("upgrade lock held by %q: %w", existingOwner, ErrLockHeld)
	default:
		return tx.Commit() // already held by this owner; idempotent
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO upgrade_lock (id, owner, acquired_at) VALUES (0, ?, ?)`, owner, time.Now().Unix()); err != nil {
		return fmt.Errorf("acquiring upgrade lock: %w", err)
	}
	return tx.Commit()
}

// ReleaseUpgradeLock removes the upgrade lock row, but only if owner is
// the current holder. Releasing an unheld lock, or one held by a
// different owner, is an error: only the holding owner may release it.
func (s *Store) ReleaseUpgradeLock(ctx context.Context, owner string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var existingOwner string
	err = tx.QueryRowContext(ctx, `SELECT owner FROM upgrade_lock WHERE id = 0`).Scan(&existingOwner)
	switch {
	case err == sql.ErrNoRows:
		return fmt.Errorf("releasing upgrade lock: %w", ErrLockNotHeld)
	case err != nil:
		return fmt.Errorf("checking upgrade lock: %w", err)
	case existingOwner != owner:
		return fmt.Errorf("upgrade lock held by %q, not %q: %w", existingOwner, owner, ErrLockNotHeld)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM upgrade_lock WHERE id = 0`); err != nil {
		return fmt.Errorf("releasing upgrade lock: %w", err)
	}
	return tx.Commit()
}

// UpgradeLockOwner returns the current owner, or ("", false) if unheld.
func (s *Store) UpgradeLockOwner(ctx context.Context) (string, bool, error) {
	var owner string
	err := s.db.QueryRowContext(ctx, `SELECT owner FROM upgrade_lock WHERE id = 0`).Scan(&owner)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading upgrade lock: %w", err)
	}
	return owner, true, nil
}

// SetServerMode persists the server mode ("normal" or "upgrading"). The
// durable write must happen before the in-memory mode flips, so that a
// crash between the two never leaves the store disagreeing with a
// process that believes it is upgrading.
func (s *Store) SetServerMode(ctx context.Context, mode string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE server_mode SET mode = ? WHERE id = 0`, mode)
	if err != nil {
		return fmt.Errorf("setting server mode: %w", err)
	}
	return nil
}

// ServerMode returns the persisted server mode, used to restore
// in-memory state at boot.
func (s *Store) ServerMode(ctx context.Context) (string, error) {
	var mode string
	err := s.db.QueryRowContext(ctx, `SELECT mode FROM server_mode WHERE id = 0`).Scan(&mode)
	if err != nil {
		return "", fmt.Errorf("reading server mode: %w", err)
	}
	return mode, nil
}
