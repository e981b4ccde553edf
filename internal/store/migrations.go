package store

import (
	"fmt"
)

// migrate runs all pending schema migrations
func (s *Store) migrate() error {
	createVersionTableSQL := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			id INTEGER PRIMARY KEY,
			version INTEGER NOT NULL UNIQUE,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`

	if _, err := s.db.Exec(createVersionTableSQL); err != nil {
		return fmt.Errorf("failed to create schema_migrations table: %w", err)
	}

	var currentVersion int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get current schema version: %w", err)
	}

	s.logger.Debug("Current schema version", "version", currentVersion)

	migrations := []struct {
		version int
		sql     string
	}{
		{
			version: 1,
			sql: `
				CREATE TABLE migration_runs (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					task_id TEXT NOT NULL UNIQUE,
					workbook_id TEXT NOT NULL,
					target_project_id TEXT NOT NULL,
					datasource_count INTEGER DEFAULT 0,
					status TEXT DEFAULT 'in_progress',
					stage INTEGER DEFAULT 0,
					message TEXT,
					workbook_name TEXT,
					workbook_url TEXT,
					references_updated INTEGER DEFAULT 0,
					start_time DATETIME NOT NULL,
					end_time DATETIME,
					error_message TEXT
				);

				CREATE TABLE migrated_datasources (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					run_id INTEGER NOT NULL,
					position INTEGER NOT NULL,
					source_id TEXT NOT NULL,
					name TEXT,
					old_content_url TEXT,
					new_content_url TEXT,
					new_id TEXT,
					connection_id TEXT,
					migrated_at DATETIME NOT NULL,
					FOREIGN KEY(run_id) REFERENCES migration_runs(id)
				);

				CREATE INDEX idx_migrated_datasources_run ON migrated_datasources(run_id);
			`,
		},
		{
			version: 2,
			sql: `
				ALTER TABLE migration_runs ADD COLUMN source_env TEXT DEFAULT '';
				ALTER TABLE migration_runs ADD COLUMN target_env TEXT DEFAULT '';
			`,
		},
	}

	for _, mig := range migrations {
		if mig.version > currentVersion {
			s.logger.Info("Running schema migration", "version", mig.version)

			if err := s.runMigration(mig.version, mig.sql); err != nil {
				return fmt.Errorf("failed to run schema migration %d: %w", mig.version, err)
			}
		}
	}

	return nil
}

// runMigration executes a schema migration and records it
func (s *Store) runMigration(version int, sql string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(sql); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration transaction: %w", err)
	}

	return nil
}
