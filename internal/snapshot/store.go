// Package snapshot keeps the pre-update image of every record the pipeline
// writes, so a bad update can be inspected or rolled back by hand.
package snapshot

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when no snapshot exists for a ref.
var ErrNotFound = errors.New("snapshot not found")

// Snapshot is one stored record image.
type Snapshot struct {
	ID          int64
	Ref         string
	RunID       string
	LockVersion int
	TakenAt     time.Time
	Body        []byte
}

// Store persists snapshots in SQLite.
type Store struct {
	db   *sql.DB
	path string
}

// Open initializes or connects to the snapshot database and applies migrations.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("snapshot database path is required")
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("ensure snapshot directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	s := &Store{db: db, path: path}
	if err := s.applyMigrations(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Save stores snap. A zero TakenAt is set to the current time.
func (s *Store) Save(ctx context.Context, snap Snapshot) error {
	if strings.TrimSpace(snap.Ref) == "" {
		return fmt.Errorf("snapshot ref is required")
	}
	if snap.TakenAt.IsZero() {
		snap.TakenAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO snapshots (record_ref, run_id, lock_version, taken_at, body) VALUES (?, ?, ?, ?, ?)`,
		snap.Ref,
		snap.RunID,
		snap.LockVersion,
		snap.TakenAt.UTC().Format(time.RFC3339Nano),
		snap.Body,
	)
	if err != nil {
		return fmt.Errorf("insert snapshot for %s: %w", snap.Ref, err)
	}
	return nil
}

// Latest returns the most recent snapshot of ref.
func (s *Store) Latest(ctx context.Context, ref string) (Snapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, record_ref, run_id, lock_version, taken_at, body
           FROM snapshots WHERE record_ref = ? ORDER BY id DESC LIMIT 1`, ref)
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, fmt.Errorf("%s: %w", ref, ErrNotFound)
	}
	return snap, err
}

// History returns every snapshot of ref, oldest first.
func (s *Store) History(ctx context.Context, ref string) ([]Snapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, record_ref, run_id, lock_version, taken_at, body
           FROM snapshots WHERE record_ref = ? ORDER BY id ASC`, ref)
	if err != nil {
		return nil, fmt.Errorf("query snapshots for %s: %w", ref, err)
	}
	defer func() {
		_ = rows.Close()
	}()
	var out []Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// CountRun returns the number of snapshots taken by runID.
func (s *Store) CountRun(ctx context.Context, runID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM snapshots WHERE run_id = ?`, runID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count snapshots: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(sc scanner) (Snapshot, error) {
	var (
		snap    Snapshot
		takenAt string
	)
	if err := sc.Scan(&snap.ID, &snap.Ref, &snap.RunID, &snap.LockVersion, &takenAt, &snap.Body); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Snapshot{}, err
		}
		return Snapshot{}, fmt.Errorf("scan snapshot: %w", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, takenAt)
	if err != nil {
		return Snapshot{}, fmt.Errorf("parse snapshot time %q: %w", takenAt, err)
	}
	snap.TakenAt = ts
	return snap, nil
}

//go:embed migrations/*.sql
var migrationFS embed.FS

func (s *Store) applyMigrations(ctx context.Context) error {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY)"); err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	for _, name := range names {
		version := strings.TrimSuffix(name, ".sql")
		var count int
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(1) FROM schema_migrations WHERE version = ?", version).Scan(&count); err != nil {
			return fmt.Errorf("scan migration version: %w", err)
		}
		if count > 0 {
			continue
		}
		data, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			return fmt.Errorf("record migration %s: %w", version, err)
		}
	}
	return tx.Commit()
}
