package storage

import (
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/coveglabs/skiff/internal/wire"
)

// DB wraps a sql.DB connection to the client-side SQLite database holding
// download resume state and local file metadata.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and runs schema migrations.
func Open(path string) (*DB, error) {
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	d := &DB{db: sqlDB}
	if err := d.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return d, nil
}

// Close closes the underlying database connection.
func (d *DB) Close() error { return d.db.Close() }

func (d *DB) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS tasks (
    file_id TEXT PRIMARY KEY,
    chunk_count INTEGER NOT NULL,
    completed BLOB NOT NULL,
    phase TEXT NOT NULL,
    file_key_handle TEXT NOT NULL,
    dest_path TEXT NOT NULL,
    total_size INTEGER NOT NULL,
    checksum TEXT NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS local_files (
    file_id TEXT PRIMARY KEY,
    total_size INTEGER NOT NULL,
    chunk_count INTEGER NOT NULL,
    checksum TEXT NOT NULL,
    download_complete INTEGER NOT NULL DEFAULT 0,
    last_activity_at INTEGER NOT NULL,
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS keychecks (
    file_id TEXT PRIMARY KEY,
    iv BLOB NOT NULL,
    check_blob BLOB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_local_files_activity ON local_files(last_activity_at);`
	_, err := d.db.Exec(schema)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// --- Task state ---

// SaveTaskState upserts the resume tuple for a download task.
func (d *DB) SaveTaskState(ts *TaskState) error {
	_, err := d.db.Exec(
		`INSERT INTO tasks (file_id, chunk_count, completed, phase, file_key_handle, dest_path, total_size, checksum, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(file_id) DO UPDATE SET
		   completed = excluded.completed,
		   phase = excluded.phase,
		   updated_at = excluded.updated_at`,
		ts.FileID, ts.ChunkCount, ts.Completed, ts.Phase, ts.FileKeyHandle,
		ts.DestPath, ts.TotalSize, ts.Checksum, ts.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save task state: %w", err)
	}
	return nil
}

// GetTaskState retrieves the resume tuple, or wire.ErrNotFound.
func (d *DB) GetTaskState(fileID string) (*TaskState, error) {
	ts := &TaskState{}
	err := d.db.QueryRow(
		`SELECT file_id, chunk_count, completed, phase, file_key_handle, dest_path, total_size, checksum, updated_at
		 FROM tasks WHERE file_id = ?`, fileID,
	).Scan(&ts.FileID, &ts.ChunkCount, &ts.Completed, &ts.Phase, &ts.FileKeyHandle,
		&ts.DestPath, &ts.TotalSize, &ts.Checksum, &ts.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", fileID, wire.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task state: %w", err)
	}
	return ts, nil
}

// ListTaskStates returns all persisted tasks, for resume at startup.
func (d *DB) ListTaskStates() ([]TaskState, error) {
	rows, err := d.db.Query(
		`SELECT file_id, chunk_count, completed, phase, file_key_handle, dest_path, total_size, checksum, updated_at FROM tasks`,
	)
	if err != nil {
		return nil, fmt.Errorf("list task states: %w", err)
	}
	defer rows.Close()

	var out []TaskState
	for rows.Next() {
		var ts TaskState
		if err := rows.Scan(&ts.FileID, &ts.ChunkCount, &ts.Completed, &ts.Phase, &ts.FileKeyHandle,
			&ts.DestPath, &ts.TotalSize, &ts.Checksum, &ts.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan task state: %w", err)
		}
		out = append(out, ts)
	}
	return out, rows.Err()
}

// DeleteTaskState removes the resume tuple. Absent rows are a no-op.
func (d *DB) DeleteTaskState(fileID string) error {
	_, err := d.db.Exec(`DELETE FROM tasks WHERE file_id = ?`, fileID)
	if err != nil {
		return fmt.Errorf("delete task state: %w", err)
	}
	return nil
}

// --- Local files ---

// UpsertLocalFile creates or replaces the local file mirror row.
func (d *DB) UpsertLocalFile(f *LocalFile) error {
	_, err := d.db.Exec(
		`INSERT INTO local_files (file_id, total_size, chunk_count, checksum, download_complete, last_activity_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(file_id) DO UPDATE SET
		   download_complete = excluded.download_complete,
		   last_activity_at = excluded.last_activity_at`,
		f.FileID, f.TotalSize, f.ChunkCount, f.Checksum,
		boolToInt(f.DownloadComplete), f.LastActivityAt, f.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert local file: %w", err)
	}
	return nil
}

// GetLocalFile retrieves the mirror row, or wire.ErrNotFound.
func (d *DB) GetLocalFile(fileID string) (*LocalFile, error) {
	f := &LocalFile{}
	var complete int
	err := d.db.QueryRow(
		`SELECT file_id, total_size, chunk_count, checksum, download_complete, last_activity_at, created_at
		 FROM local_files WHERE file_id = ?`, fileID,
	).Scan(&f.FileID, &f.TotalSize, &f.ChunkCount, &f.Checksum, &complete, &f.LastActivityAt, &f.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("local file %s: %w", fileID, wire.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get local file: %w", err)
	}
	f.DownloadComplete = complete != 0
	return f, nil
}

// ListLocalFiles returns the mirror rows for every locally held file.
func (d *DB) ListLocalFiles() ([]LocalFile, error) {
	rows, err := d.db.Query(
		`SELECT file_id, total_size, chunk_count, checksum, download_complete, last_activity_at, created_at FROM local_files`,
	)
	if err != nil {
		return nil, fmt.Errorf("list local files: %w", err)
	}
	defer rows.Close()

	var out []LocalFile
	for rows.Next() {
		var f LocalFile
		var complete int
		if err := rows.Scan(&f.FileID, &f.TotalSize, &f.ChunkCount, &f.Checksum, &complete, &f.LastActivityAt, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan local file: %w", err)
		}
		f.DownloadComplete = complete != 0
		out = append(out, f)
	}
	return out, rows.Err()
}

// SetDownloadComplete flips the completion flag and refreshes activity.
func (d *DB) SetDownloadComplete(fileID string, at int64) error {
	res, err := d.db.Exec(
		`UPDATE local_files SET download_complete = 1, last_activity_at = ? WHERE file_id = ?`,
		at, fileID,
	)
	if err != nil {
		return fmt.Errorf("set download complete: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set download complete rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("local file %s: %w", fileID, wire.ErrNotFound)
	}
	return nil
}

// TouchActivity refreshes last_activity_at after a successful serve.
func (d *DB) TouchActivity(fileID string, at int64) error {
	_, err := d.db.Exec(
		`UPDATE local_files SET last_activity_at = ? WHERE file_id = ?`, at, fileID,
	)
	if err != nil {
		return fmt.Errorf("touch activity: %w", err)
	}
	return nil
}

// DeleteLocalFile removes the mirror row. Absent rows are a no-op.
func (d *DB) DeleteLocalFile(fileID string) error {
	_, err := d.db.Exec(`DELETE FROM local_files WHERE file_id = ?`, fileID)
	if err != nil {
		return fmt.Errorf("delete local file: %w", err)
	}
	return nil
}

// --- Key checks ---

// SaveKeyCheck upserts the sealed key self-test artifact for a file.
func (d *DB) SaveKeyCheck(fileID string, iv, check []byte) error {
	_, err := d.db.Exec(
		`INSERT INTO keychecks (file_id, iv, check_blob) VALUES (?, ?, ?)
		 ON CONFLICT(file_id) DO UPDATE SET iv = excluded.iv, check_blob = excluded.check_blob`,
		fileID, iv, check,
	)
	if err != nil {
		return fmt.Errorf("save keycheck: %w", err)
	}
	return nil
}

// GetKeyCheck retrieves the artifact, or wire.ErrNotFound.
func (d *DB) GetKeyCheck(fileID string) (iv, check []byte, err error) {
	err = d.db.QueryRow(
		`SELECT iv, check_blob FROM keychecks WHERE file_id = ?`, fileID,
	).Scan(&iv, &check)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, fmt.Errorf("keycheck %s: %w", fileID, wire.ErrNotFound)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("get keycheck: %w", err)
	}
	return iv, check, nil
}

// DeleteKeyCheck removes the artifact. Absent rows are a no-op.
func (d *DB) DeleteKeyCheck(fileID string) error {
	_, err := d.db.Exec(`DELETE FROM keychecks WHERE file_id = ?`, fileID)
	if err != nil {
		return fmt.Errorf("delete keycheck: %w", err)
	}
	return nil
}
