package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/steveyegge/ghostsync/internal/jsondiff"
	"github.com/steveyegge/ghostsync/internal/schema"
)

// SQLite is a Store backed by an embedded SQLite database in WAL mode.
type SQLite struct {
	conn *sql.DB
	path string
}

// OpenSQLite opens (creating if needed) the database at path.
//
// The caller MUST call Close() when done so the WAL is checkpointed.
//
// Example:
//
//	s, err := storage.OpenSQLite(".ghostsync/ghostsync.db")
//	if err != nil {
//	    return err
//	}
//	defer s.Close()
func OpenSQLite(path string) (*SQLite, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &SQLite{conn: conn, path: path}

	pragmas := []struct {
		stmt string
		what string
	}{
		{"PRAGMA journal_mode=WAL", "enable WAL mode"},
		{"PRAGMA busy_timeout=5000", "set busy timeout"},
		{"PRAGMA synchronous=NORMAL", "set synchronous mode"},
	}
	for _, p := range pragmas {
		if _, err := s.conn.Exec(p.stmt); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to %s: %w", p.what, err)
		}
	}

	return s, nil
}

// Path returns the database file path.
func (s *SQLite) Path() string { return s.path }

// Close checkpoints the WAL and closes the connection.
func (s *SQLite) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	s.conn = nil
	return nil
}

// InitSchema creates the tables if they don't exist. Safe to call repeatedly.
func (s *SQLite) InitSchema() error {
	return s.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the schema with context support.
func (s *SQLite) InitSchemaContext(ctx context.Context) error {
	ddl := `
	CREATE TABLE IF NOT EXISTS ghosts (
		bucket TEXT NOT NULL,
		id TEXT NOT NULL,
		version INTEGER NOT NULL,
		data TEXT NOT NULL,  -- JSON object
		updated_at TEXT NOT NULL,
		PRIMARY KEY (bucket, id)
	);

	CREATE TABLE IF NOT EXISTS objects (
		bucket TEXT NOT NULL,
		id TEXT NOT NULL,
		data TEXT NOT NULL,  -- JSON value
		updated_at TEXT NOT NULL,
		PRIMARY KEY (bucket, id)
	);

	CREATE TABLE IF NOT EXISTS change_versions (
		bucket TEXT PRIMARY KEY,
		cv TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS queues (
		bucket TEXT PRIMARY KEY,
		data BLOB NOT NULL,
		updated_at TEXT NOT NULL
	);
	`
	if _, err := s.conn.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func (s *SQLite) GetGhost(bucket, key string) (schema.Ghost, error) {
	row := s.conn.QueryRow(`SELECT version, data FROM ghosts WHERE bucket = ? AND id = ?`, bucket, key)

	var version int
	var data string
	if err := row.Scan(&version, &data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return schema.Ghost{}, ErrNotFound
		}
		return schema.Ghost{}, fmt.Errorf("failed to get ghost %s/%s: %w", bucket, key, err)
	}

	value, err := jsondiff.Parse([]byte(data))
	if err != nil {
		return schema.Ghost{}, fmt.Errorf("failed to parse ghost %s/%s: %w", bucket, key, err)
	}
	return schema.Ghost{Key: key, Version: version, Value: value}, nil
}

func (s *SQLite) SaveGhost(bucket string, ghost schema.Ghost) error {
	if err := validate(bucket, ghost); err != nil {
		return err
	}

	query := `
	INSERT INTO ghosts (bucket, id, version, data, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(bucket, id) DO UPDATE SET
		version = excluded.version,
		data = excluded.data,
		updated_at = excluded.updated_at
	`
	if _, err := s.conn.Exec(query, bucket, ghost.Key, ghost.Version, ghost.Value.String(), now()); err != nil {
		return fmt.Errorf("failed to save ghost %s/%s: %w", bucket, ghost.Key, err)
	}
	return nil
}

func (s *SQLite) DeleteGhost(bucket, key string) error {
	if _, err := s.conn.Exec(`DELETE FROM ghosts WHERE bucket = ? AND id = ?`, bucket, key); err != nil {
		return fmt.Errorf("failed to delete ghost %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (s *SQLite) GhostKeys(bucket string) ([]string, error) {
	return s.keys(`SELECT id FROM ghosts WHERE bucket = ? ORDER BY id`, bucket)
}

func (s *SQLite) GetChangeVersion(bucket string) (string, error) {
	var cv string
	err := s.conn.QueryRow(`SELECT cv FROM change_versions WHERE bucket = ?`, bucket).Scan(&cv)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get change version for %s: %w", bucket, err)
	}
	return cv, nil
}

func (s *SQLite) SetChangeVersion(bucket, cv string) error {
	query := `
	INSERT INTO change_versions (bucket, cv, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(bucket) DO UPDATE SET cv = excluded.cv, updated_at = excluded.updated_at
	`
	if _, err := s.conn.Exec(query, bucket, cv, now()); err != nil {
		return fmt.Errorf("failed to set change version for %s: %w", bucket, err)
	}
	return nil
}

func (s *SQLite) GetObject(bucket, key string) (jsondiff.Value, error) {
	var data string
	err := s.conn.QueryRow(`SELECT data FROM objects WHERE bucket = ? AND id = ?`, bucket, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return jsondiff.Value{}, ErrNotFound
	}
	if err != nil {
		return jsondiff.Value{}, fmt.Errorf("failed to get object %s/%s: %w", bucket, key, err)
	}

	value, err := jsondiff.Parse([]byte(data))
	if err != nil {
		return jsondiff.Value{}, fmt.Errorf("failed to parse object %s/%s: %w", bucket, key, err)
	}
	return value, nil
}

func (s *SQLite) PutObject(bucket, key string, value jsondiff.Value) error {
	if bucket == "" || key == "" {
		return fmt.Errorf("bucket and key are required")
	}
	query := `
	INSERT INTO objects (bucket, id, data, updated_at) VALUES (?, ?, ?, ?)
	ON CONFLICT(bucket, id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at
	`
	if _, err := s.conn.Exec(query, bucket, key, value.String(), now()); err != nil {
		return fmt.Errorf("failed to put object %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (s *SQLite) DeleteObject(bucket, key string) error {
	if _, err := s.conn.Exec(`DELETE FROM objects WHERE bucket = ? AND id = ?`, bucket, key); err != nil {
		return fmt.Errorf("failed to delete object %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (s *SQLite) ObjectKeys(bucket string) ([]string, error) {
	return s.keys(`SELECT id FROM objects WHERE bucket = ? ORDER BY id`, bucket)
}

func (s *SQLite) SaveQueue(bucket string, data []byte) error {
	query := `
	INSERT INTO queues (bucket, data, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(bucket) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at
	`
	if _, err := s.conn.Exec(query, bucket, data, now()); err != nil {
		return fmt.Errorf("failed to save queue for %s: %w", bucket, err)
	}
	return nil
}

func (s *SQLite) LoadQueue(bucket string) ([]byte, error) {
	var data []byte
	err := s.conn.QueryRow(`SELECT data FROM queues WHERE bucket = ?`, bucket).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load queue for %s: %w", bucket, err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	return data, nil
}

// ResetBucket deletes all rows of bucket in one transaction.
func (s *SQLite) ResetBucket(bucket string) error {
	tx, err := s.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"ghosts", "objects", "change_versions", "queues"} {
		if _, err := tx.Exec(`DELETE FROM `+table+` WHERE bucket = ?`, bucket); err != nil {
			return fmt.Errorf("failed to reset %s for %s: %w", table, bucket, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit reset: %w", err)
	}
	return nil
}

func (s *SQLite) Stats(bucket string) (Stats, error) {
	var st Stats
	query := `
	SELECT
		(SELECT COUNT(*) FROM objects WHERE bucket = ?),
		(SELECT COUNT(*) FROM ghosts WHERE bucket = ?),
		COALESCE((SELECT cv FROM change_versions WHERE bucket = ?), ''),
		COALESCE((SELECT LENGTH(data) FROM queues WHERE bucket = ?), 0)
	`
	if err := s.conn.QueryRow(query, bucket, bucket, bucket, bucket).Scan(
		&st.Objects, &st.Ghosts, &st.ChangeVersion, &st.QueueBytes,
	); err != nil {
		return Stats{}, fmt.Errorf("failed to get stats for %s: %w", bucket, err)
	}
	return st, nil
}

func (s *SQLite) keys(query string, args ...any) ([]string, error) {
	rows, err := s.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate keys: %w", err)
	}
	return keys, nil
}
