package usage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

const schema = `
CREATE TABLE IF NOT EXISTS launches (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	bundle_name TEXT    NOT NULL,
	user_id     INTEGER NOT NULL,
	launched_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_launches_bundle_user ON launches (bundle_name, user_id, launched_at);
CREATE TABLE IF NOT EXISTS audit_log (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	action      TEXT    NOT NULL,
	bundle_name TEXT    NOT NULL,
	user_id     INTEGER NOT NULL,
	details     TEXT,
	created_at  INTEGER NOT NULL
);
`

// Stats records bundle launches in SQLite and answers recency queries for
// aging.
type Stats struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (and creates) the database at path.
func Open(path string) (*Stats, error) {
	if path == "" {
		return nil, fmt.Errorf("usage database path is empty")
	}
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("create usage db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	// SQLite allows one writer; a single connection also keeps :memory: shared.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate usage db: %w", err)
	}
	return &Stats{db: db, now: time.Now}, nil
}

func (s *Stats) Close() error {
	return s.db.Close()
}

func (s *Stats) audit(ctx context.Context, tx *sql.Tx, action, bundleName string, userID int, details map[string]any) error {
	detailJSON, _ := json.Marshal(details)
	_, err := tx.ExecContext(ctx, `
		INSERT INTO audit_log (action, bundle_name, user_id, details, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, action, bundleName, userID, string(detailJSON), s.now().UnixNano())
	return err
}

// RecordLaunch stores one launch of bundleName by userID.
func (s *Stats) RecordLaunch(ctx context.Context, bundleName string, userID int) error {
	if bundleName == "" {
		return fmt.Errorf("record launch: empty bundle name")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	at := s.now()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO launches (bundle_name, user_id, launched_at) VALUES (?, ?, ?)
	`, bundleName, userID, at.UnixNano()); err != nil {
		return fmt.Errorf("insert launch: %w", err)
	}
	if err := s.audit(ctx, tx, "launch", bundleName, userID, map[string]any{"at": at.UTC().Format(time.RFC3339)}); err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return tx.Commit()
}

// RecentlyUsedTime returns the latest launch of bundleName by userID. The
// bool is false when no launch was recorded.
func (s *Stats) RecentlyUsedTime(ctx context.Context, bundleName string, userID int) (time.Time, bool, error) {
	var last sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(launched_at) FROM launches WHERE bundle_name = ? AND user_id = ?
	`, bundleName, userID).Scan(&last)
	if err != nil {
		return time.Time{}, false, err
	}
	if !last.Valid {
		return time.Time{}, false, nil
	}
	return time.Unix(0, last.Int64), true, nil
}

func (s *Stats) LaunchCount(ctx context.Context, bundleName string, userID int) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM launches WHERE bundle_name = ? AND user_id = ?
	`, bundleName, userID).Scan(&n)
	return n, err
}

// Forget drops the launch history of bundleName for every user and returns
// the number of rows removed.
func (s *Stats) Forget(ctx context.Context, bundleName string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM launches WHERE bundle_name = ?`, bundleName)
	if err != nil {
		return 0, fmt.Errorf("delete launches: %w", err)
	}
	n, _ := res.RowsAffected()
	if err := s.audit(ctx, tx, "forget", bundleName, -1, map[string]any{"rows": n}); err != nil {
		return 0, fmt.Errorf("insert audit entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return n, nil
}
