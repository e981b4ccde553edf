package store

import (
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/juju/errors"
	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed run history
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New opens the SQLite database and runs schema migrations
func New(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps :memory: databases shared and serializes writers.
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

	logger.Debug("Store initialized", "path", dbPath)
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
// MigrationRun Operations
// ============================================================================

const runColumns = `
	id, task_id, source_env, target_env, workbook_id, target_project_id,
	datasource_count, status, stage, message, workbook_name, workbook_url,
	references_updated, start_time, end_time, error_message
`

// CreateRun inserts a new MigrationRun and sets its ID
func (s *Store) CreateRun(run *MigrationRun) error {
	const query = `
		INSERT INTO migration_runs (
			task_id, source_env, target_env, workbook_id, target_project_id,
			datasource_count, status, stage, message, workbook_name, workbook_url,
			references_updated, start_time, end_time, error_message
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	if run.Status == "" {
		run.Status = RunStatusRunning
	}
	result, err := s.db.Exec(
		query,
		run.TaskID, run.SourceEnv, run.TargetEnv, run.WorkbookID, run.TargetProjectID,
		run.DatasourceCount, run.Status, run.Stage, run.Message, run.WorkbookName,
		run.WorkbookURL, run.ReferencesUpdated, run.StartTime, run.EndTime, run.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("failed to insert migration run: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	run.ID = id
	return nil
}

// UpdateRun updates the mutable fields of a MigrationRun by ID
func (s *Store) UpdateRun(run *MigrationRun) error {
	const query = `
		UPDATE migration_runs SET
			status = ?, stage = ?, message = ?, workbook_name = ?, workbook_url = ?,
			references_updated = ?, end_time = ?, error_message = ?
		WHERE id = ?
	`

	result, err := s.db.Exec(
		query,
		run.Status, run.Stage, run.Message, run.WorkbookName, run.WorkbookURL,
		run.ReferencesUpdated, run.EndTime, run.ErrorMessage, run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update migration run: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return errors.NotFoundf("migration run %d", run.ID)
	}

	return nil
}

// GetRunByTask retrieves a MigrationRun by task ID
func (s *Store) GetRunByTask(taskID string) (*MigrationRun, error) {
	query := "SELECT " + runColumns + " FROM migration_runs WHERE task_id = ?"

	run, err := scanRun(s.db.QueryRow(query, taskID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NotFoundf("migration run for task %s", taskID)
		}
		return nil, fmt.Errorf("failed to query migration run: %w", err)
	}
	return run, nil
}

// ListRuns returns runs newest first, up to limit (0 means no limit)
func (s *Store) ListRuns(limit int) ([]MigrationRun, error) {
	query := "SELECT " + runColumns + " FROM migration_runs ORDER BY start_time DESC, id DESC"
	var args []interface{}

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query migration runs: %w", err)
	}
	defer rows.Close()

	var runs []MigrationRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan migration run: %w", err)
		}
		runs = append(runs, *run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating migration runs: %w", err)
	}

	return runs, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*MigrationRun, error) {
	run := &MigrationRun{}
	var message, workbookName, workbookURL, errMsg, sourceEnv, targetEnv sql.NullString
	var endTime sql.NullTime
	err := row.Scan(
		&run.ID, &run.TaskID, &sourceEnv, &targetEnv, &run.WorkbookID, &run.TargetProjectID,
		&run.DatasourceCount, &run.Status, &run.Stage, &message, &workbookName, &workbookURL,
		&run.ReferencesUpdated, &run.StartTime, &endTime, &errMsg,
	)
	if err != nil {
		return nil, err
	}
	run.SourceEnv = sourceEnv.String
	run.TargetEnv = targetEnv.String
	run.Message = message.String
	run.WorkbookName = workbookName.String
	run.WorkbookURL = workbookURL.String
	run.ErrorMessage = errMsg.String
	if endTime.Valid {
		run.EndTime = endTime.Time
	}
	return run, nil
}

// ============================================================================
// MigratedDatasource Operations
// ============================================================================

// AddMigratedDatasource records a datasource republished during a run
func (s *Store) AddMigratedDatasource(ds *MigratedDatasource) error {
	const query = `
		INSERT INTO migrated_datasources (
			run_id, position, source_id, name, old_content_url, new_content_url,
			new_id, connection_id, migrated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.Exec(
		query,
		ds.RunID, ds.Position, ds.SourceID, ds.Name, ds.OldContentURL,
		ds.NewContentURL, ds.NewID, ds.ConnectionID, ds.MigratedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert migrated datasource: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	ds.ID = id
	return nil
}

// ListMigratedDatasources returns the datasources of a run in input order
func (s *Store) ListMigratedDatasources(runID int64) ([]MigratedDatasource, error) {
	const query = `
		SELECT id, run_id, position, source_id, name, old_content_url,
		       new_content_url, new_id, connection_id, migrated_at
		FROM migrated_datasources
		WHERE run_id = ?
		ORDER BY position ASC, id ASC
	`

	rows, err := s.db.Query(query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query migrated datasources: %w", err)
	}
	defer rows.Close()

	var out []MigratedDatasource
	for rows.Next() {
		ds := MigratedDatasource{}
		var name, oldURL, newURL, newID, connID sql.NullString
		err := rows.Scan(
			&ds.ID, &ds.RunID, &ds.Position, &ds.SourceID, &name, &oldURL,
			&newURL, &newID, &connID, &ds.MigratedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan migrated datasource: %w", err)
		}
		ds.Name = name.String
		ds.OldContentURL = oldURL.String
		ds.NewContentURL = newURL.String
		ds.NewID = newID.String
		ds.ConnectionID = connID.String
		out = append(out, ds)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating migrated datasources: %w", err)
	}

	return out, nil
}
