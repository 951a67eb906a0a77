package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed job history
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New creates a new Store, opening the SQLite database and running migrations
func New(dbPath string, logger *slog.Logger) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps ":memory:" databases shared across calls.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger,
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Debug("store initialized", "path", dbPath)
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// ============================================================================
// JobRun Operations
// ============================================================================

const jobRunColumns = `
	id, app_id, entry_dir, output_dir, start_time, end_time, resumed, resumed_from,
	final_step, file_count, archive_size, bytes_uploaded, chunk_retries,
	files_written, status, error_message
`

// CreateJobRun inserts a new JobRun and sets its ID
func (s *Store) CreateJobRun(run *JobRun) error {
	const query = `
		INSERT INTO job_runs (
			app_id, entry_dir, output_dir, start_time, end_time, resumed, resumed_from,
			final_step, file_count, archive_size, bytes_uploaded, chunk_retries,
			files_written, status, error_message
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.Exec(
		query,
		run.AppID, run.EntryDir, run.OutputDir, run.StartTime, run.EndTime,
		run.Resumed, run.ResumedFrom, run.FinalStep, run.FileCount, run.ArchiveSize,
		run.BytesUploaded, run.ChunkRetries, run.FilesWritten, run.Status, run.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("failed to insert job run: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	run.ID = id
	return nil
}

// UpdateJobRun updates an existing JobRun by ID
func (s *Store) UpdateJobRun(run *JobRun) error {
	const query = `
		UPDATE job_runs SET
			app_id = ?, entry_dir = ?, output_dir = ?, start_time = ?, end_time = ?,
			resumed = ?, resumed_from = ?, final_step = ?, file_count = ?,
			archive_size = ?, bytes_uploaded = ?, chunk_retries = ?, files_written = ?,
			status = ?, error_message = ?
		WHERE id = ?
	`

	result, err := s.db.Exec(
		query,
		run.AppID, run.EntryDir, run.OutputDir, run.StartTime, run.EndTime,
		run.Resumed, run.ResumedFrom, run.FinalStep, run.FileCount,
		run.ArchiveSize, run.BytesUploaded, run.ChunkRetries, run.FilesWritten,
		run.Status, run.ErrorMessage, run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update job run: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("job run not found: %d", run.ID)
	}

	return nil
}

// GetJobRun retrieves a JobRun by ID
func (s *Store) GetJobRun(id int64) (*JobRun, error) {
	query := "SELECT " + jobRunColumns + " FROM job_runs WHERE id = ?"

	run, err := scanJobRun(s.db.QueryRow(query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("job run not found: %d", id)
		}
		return nil, fmt.Errorf("failed to query job run: %w", err)
	}

	return run, nil
}

// ListJobRuns retrieves JobRuns newest first, optionally filtered by app id
func (s *Store) ListJobRuns(appID string, limit int) ([]JobRun, error) {
	query := "SELECT " + jobRunColumns + " FROM job_runs"
	var args []interface{}

	if appID != "" {
		query += " WHERE app_id = ?"
		args = append(args, appID)
	}

	query += " ORDER BY start_time DESC, id DESC"

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query job runs: %w", err)
	}
	defer rows.Close()

	var runs []JobRun
	for rows.Next() {
		run, err := scanJobRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job run: %w", err)
		}
		runs = append(runs, *run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating job runs: %w", err)
	}

	return runs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJobRun(row rowScanner) (*JobRun, error) {
	run := &JobRun{}
	var outputDir, resumedFrom, finalStep, errorMessage sql.NullString
	var endTime sql.NullTime
	err := row.Scan(
		&run.ID, &run.AppID, &run.EntryDir, &outputDir, &run.StartTime, &endTime,
		&run.Resumed, &resumedFrom, &finalStep, &run.FileCount, &run.ArchiveSize,
		&run.BytesUploaded, &run.ChunkRetries, &run.FilesWritten, &run.Status, &errorMessage,
	)
	if err != nil {
		return nil, err
	}
	run.OutputDir = outputDir.String
	run.EndTime = endTime.Time
	run.ResumedFrom = resumedFrom.String
	run.FinalStep = finalStep.String
	run.ErrorMessage = errorMessage.String
	return run, nil
}

// ============================================================================
// ChunkFailure Operations
// ============================================================================

// AddChunkFailure records a failed chunk attempt for a job run
func (s *Store) AddChunkFailure(f *ChunkFailure) error {
	const query = `
		INSERT INTO chunk_failures (job_run_id, cursor, chunk_index, attempt, error, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.Exec(query, f.JobRunID, f.Cursor, f.ChunkIndex, f.Attempt, f.Error, f.OccurredAt)
	if err != nil {
		return fmt.Errorf("failed to insert chunk failure: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	f.ID = id
	return nil
}

// ListChunkFailures returns the chunk failures of a job run in order
func (s *Store) ListChunkFailures(jobRunID int64) ([]ChunkFailure, error) {
	const query = `
		SELECT id, job_run_id, cursor, chunk_index, attempt, error, occurred_at
		FROM chunk_failures WHERE job_run_id = ? ORDER BY id
	`

	rows, err := s.db.Query(query, jobRunID)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunk failures: %w", err)
	}
	defer rows.Close()

	var failures []ChunkFailure
	for rows.Next() {
		var f ChunkFailure
		var msg sql.NullString
		if err := rows.Scan(&f.ID, &f.JobRunID, &f.Cursor, &f.ChunkIndex, &f.Attempt, &msg, &f.OccurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan chunk failure: %w", err)
		}
		f.Error = msg.String
		failures = append(failures, f)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating chunk failures: %w", err)
	}

	return failures, nil
}

// PruneJobRuns deletes all but the newest keep runs and their chunk failures
func (s *Store) PruneJobRuns(keep int) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	const stale = `SELECT id FROM job_runs ORDER BY start_time DESC, id DESC LIMIT -1 OFFSET ?`
	if _, err := tx.Exec("DELETE FROM chunk_failures WHERE job_run_id IN ("+stale+")", keep); err != nil {
		return 0, fmt.Errorf("failed to prune chunk failures: %w", err)
	}
	result, err := tx.Exec("DELETE FROM job_runs WHERE id IN ("+stale+")", keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune job runs: %w", err)
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit prune: %w", err)
	}
	return removed, nil
}
