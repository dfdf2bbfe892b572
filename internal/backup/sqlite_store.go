package backup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite" // register the "sqlite" driver with database/sql
)

// SQLiteStore is a WAL-mode SQLite-backed Store. It is safe for concurrent
// use, though the response engine itself only ever calls it from the single
// correlator thread.
type SQLiteStore struct {
	db *sql.DB
}

// ddl mirrors the single BackupFiles(id, file) table used by the reference
// storage layer: no auxiliary columns, id is the sole key.
const ddl = `
CREATE TABLE IF NOT EXISTS BackupFiles (
    id   INTEGER PRIMARY KEY AUTOINCREMENT,
    file BLOB    NOT NULL
);
`

// Open opens (or creates) the SQLite database at path, enables WAL journal
// mode, and applies the schema. Passing ":memory:" yields an ephemeral
// in-memory store suitable for tests.
func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("backup: open %q: %w", path, err)
	}

	// A single writer connection avoids "database is locked" errors; the
	// response engine calls Store/Restore/Release serially from one thread
	// anyway, so this costs nothing in practice.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("backup: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("backup: set synchronous = NORMAL: %w", err)
	}
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("backup: apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Store implements Store. It stats the file first to apply the size cap
// without reading an oversized file into memory.
func (s *SQLiteStore) Store(ctx context.Context, path string) (int64, error) {
	data, err := readFileCapped(path)
	if err != nil {
		if errors.Is(err, ErrTooLarge) {
			return 0, ErrTooLarge
		}
		return 0, fmt.Errorf("backup: read %q: %w", path, err)
	}

	result, err := s.db.ExecContext(ctx, `INSERT INTO BackupFiles(file) VALUES(?)`, data)
	if err != nil {
		return 0, fmt.Errorf("backup: insert: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("backup: last insert id: %w", err)
	}
	return id, nil
}

// Restore implements Store.
func (s *SQLiteStore) Restore(ctx context.Context, id int64, path string) error {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT file FROM BackupFiles WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("backup: select %d: %w", id, err)
	}

	if err := writeFile(path, data); err != nil {
		return fmt.Errorf("backup: write %q: %w", path, err)
	}
	return nil
}

// Release implements Store.
func (s *SQLiteStore) Release(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM BackupFiles WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("backup: delete %d: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("backup: rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
