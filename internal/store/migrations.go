package store

import (
	"fmt"
)

// migrate runs all pending migrations
func (s *Store) migrate() error {
	// Create migrations table if it doesn't exist
	createMigrationsTableSQL := `
		CREATE TABLE IF NOT EXISTS migrations (
			id INTEGER PRIMARY KEY,
			version INTEGER NOT NULL UNIQUE,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`

	if _, err := s.db.Exec(createMigrationsTableSQL); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var currentVersion int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}

	s.logger.Debug("current schema version", "version", currentVersion)

	migrations := []struct {
		version int
		sql     string
	}{
		{
			version: 1,
			sql: `
				CREATE TABLE job_runs (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					app_id TEXT NOT NULL,
					entry_dir TEXT NOT NULL,
					output_dir TEXT,
					start_time DATETIME NOT NULL,
					end_time DATETIME,
					resumed BOOLEAN DEFAULT 0,
					resumed_from TEXT,
					final_step TEXT,
					file_count INTEGER DEFAULT 0,
					archive_size INTEGER DEFAULT 0,
					bytes_uploaded INTEGER DEFAULT 0,
					chunk_retries INTEGER DEFAULT 0,
					files_written INTEGER DEFAULT 0,
					status TEXT DEFAULT 'running',
					error_message TEXT
				);

				CREATE INDEX idx_job_runs_app ON job_runs(app_id, start_time);
			`,
		},
		{
			version: 2,
			sql: `
				CREATE TABLE chunk_failures (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					job_run_id INTEGER NOT NULL,
					cursor INTEGER NOT NULL,
					chunk_index INTEGER NOT NULL,
					attempt INTEGER NOT NULL,
					error TEXT,
					occurred_at DATETIME NOT NULL,
					FOREIGN KEY(job_run_id) REFERENCES job_runs(id)
				);
			`,
		},
	}

	for _, mig := range migrations {
		if mig.version > currentVersion {
			s.logger.Debug("running migration", "version", mig.version)

			if err := s.runMigration(mig.version, mig.sql); err != nil {
				return fmt.Errorf("failed to run migration %d: %w", mig.version, err)
			}
		}
	}

	return nil
}

// runMigration executes a migration and records it
func (s *Store) runMigration(version int, sql string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(sql); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	if _, err := tx.Exec("INSERT INTO migrations (version) VALUES (?)", version); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration transaction: %w", err)
	}

	return nil
}
