package store

import "time"

// Run statuses mirror the progress statuses of a task.
const (
	RunStatusRunning   = "in_progress"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// MigrationRun records one migration task
type MigrationRun struct {
	ID                int64     `json:"id"`
	TaskID            string    `json:"task_id"`
	SourceEnv         string    `json:"source_env"`
	TargetEnv         string    `json:"target_env"`
	WorkbookID        string    `json:"workbook_id"`
	TargetProjectID   string    `json:"target_project_id"`
	DatasourceCount   int       `json:"datasource_count"`
	Status            string    `json:"status"`
	Stage             int       `json:"stage"`
	Message           string    `json:"message"`
	WorkbookName      string    `json:"workbook_name,omitempty"`
	WorkbookURL       string    `json:"workbook_url,omitempty"`
	ReferencesUpdated int       `json:"references_updated"`
	StartTime         time.Time `json:"start_time"`
	EndTime           time.Time `json:"end_time"`
	ErrorMessage      string    `json:"error,omitempty"`
}

// MigratedDatasource is one datasource republished on the target during a
// run. Rows stay even when the run later fails, so leftovers on the target
// can be traced.
type MigratedDatasource struct {
	ID            int64     `json:"id"`
	RunID         int64     `json:"run_id"`
	Position      int       `json:"position"`
	SourceID      string    `json:"source_id"`
	Name          string    `json:"name"`
	OldContentURL string    `json:"old_content_url"`
	NewContentURL string    `json:"new_content_url"`
	NewID         string    `json:"new_id"`
	ConnectionID  string    `json:"connection_id,omitempty"`
	MigratedAt    time.Time `json:"migrated_at"`
}
