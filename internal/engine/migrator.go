package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"

	"github.com/BadgerOps/bimigrate/internal/artifact"
	"github.com/BadgerOps/bimigrate/internal/connection"
	"github.com/BadgerOps/bimigrate/internal/progress"
	"github.com/BadgerOps/bimigrate/internal/reconcile"
	"github.com/BadgerOps/bimigrate/internal/store"
	"github.com/BadgerOps/bimigrate/internal/tableau"
)

// SourceClient is what the migrator reads from the source environment.
type SourceClient interface {
	Download(ctx context.Context, kind tableau.Kind, id string) (*tableau.Artifact, error)
	GetDatasource(ctx context.Context, id string) (*tableau.Item, error)
}

// TargetClient is what the migrator writes to on the target environment.
type TargetClient interface {
	Publish(ctx context.Context, kind tableau.Kind, req tableau.PublishRequest) (*tableau.Item, error)
	connection.Client
	SiteContentURL() string
}

// RunRecorder persists run history. *store.Store implements it.
type RunRecorder interface {
	CreateRun(run *store.MigrationRun) error
	UpdateRun(run *store.MigrationRun) error
	AddMigratedDatasource(ds *store.MigratedDatasource) error
}

// Request describes one migration: a batch of datasources followed by the
// workbook that uses them.
type Request struct {
	TaskID          string                            `json:"task_id,omitempty" yaml:"task_id,omitempty"`
	DatasourceIDs   []string                          `json:"datasource_ids" yaml:"datasource_ids"`
	WorkbookID      string                            `json:"source_workbook_id" yaml:"workbook_id"`
	TargetProjectID string                            `json:"target_project_id" yaml:"target_project_id"`
	Credentials     map[string]connection.Credentials `json:"credentials" yaml:"credentials"`
}

// Validate checks the request without contacting any server.
func (r Request) Validate() error {
	if r.TaskID != "" && !validTaskID(r.TaskID) {
		return preconditionError("invalid task id %q", r.TaskID)
	}
	if len(r.DatasourceIDs) == 0 {
		return preconditionError("no datasources requested")
	}
	if strings.TrimSpace(r.WorkbookID) == "" {
		return preconditionError("workbook id is required")
	}
	if strings.TrimSpace(r.TargetProjectID) == "" {
		return preconditionError("target project id is required")
	}
	seen := make(map[string]bool, len(r.DatasourceIDs))
	var missing []string
	for _, id := range r.DatasourceIDs {
		if id == "" {
			return preconditionError("empty datasource id")
		}
		if seen[id] {
			return preconditionError("datasource %s requested twice", id)
		}
		seen[id] = true
		creds, ok := r.Credentials[id]
		if !ok {
			missing = append(missing, id)
			continue
		}
		if err := creds.Validate(); err != nil {
			return preconditionError("credentials for datasource %s: %v", id, err)
		}
	}
	if len(missing) > 0 {
		return preconditionError("no database credentials for datasource(s) %s", strings.Join(missing, ", "))
	}
	return nil
}

// validTaskID reports whether id can name a staging directory.
func validTaskID(id string) bool {
	if id == "." || id == ".." || strings.TrimSpace(id) != id {
		return false
	}
	return !strings.ContainsAny(id, `/\`+"\x00")
}

// MigratedDatasource is one datasource republished on the target.
type MigratedDatasource struct {
	SourceID     string `json:"source_id"`
	Name         string `json:"name"`
	OldKey       string `json:"old_key"`
	NewKey       string `json:"new_key"`
	NewID        string `json:"new_id"`
	ConnectionID string `json:"connection_id,omitempty"`
}

// Result is what a migration produced. On failure it still carries the
// datasources migrated and the mapping built before the failure.
type Result struct {
	TaskID            string               `json:"task_id"`
	WorkbookID        string               `json:"workbook_id,omitempty"`
	WorkbookName      string               `json:"workbook_name,omitempty"`
	WorkbookURL       string               `json:"workbook_url,omitempty"`
	Mapping           *reconcile.Mapping   `json:"mapping"`
	Datasources       []MigratedDatasource `json:"datasources"`
	ReferencesUpdated int                  `json:"references_updated"`
	Warnings          []string             `json:"warnings,omitempty"`
}

// ArchiveOptions enables bundling the staged artifacts after each run.
type ArchiveOptions struct {
	Dir         string
	Compression string
}

// Migrator moves datasources and a dependent workbook from a source to a
// target environment.
type Migrator struct {
	source   SourceClient
	target   TargetClient
	staging  *artifact.Store
	updater  *connection.Updater
	recorder RunRecorder
	logger   *slog.Logger

	SourceEnv   string
	TargetEnv   string
	KeepStaging bool
	Archive     *ArchiveOptions
}

// NewMigrator creates a migrator. staging holds artifacts between download
// and publish.
func NewMigrator(source SourceClient, target TargetClient, staging *artifact.Store, logger *slog.Logger) *Migrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Migrator{
		source:  source,
		target:  target,
		staging: staging,
		updater: connection.NewUpdater(target, logger),
		logger:  logger,
	}
}

// SetRecorder enables run history.
func (m *Migrator) SetRecorder(r RunRecorder) {
	m.recorder = r
}

// run carries the state of one Run call.
type run struct {
	m      *Migrator
	req    Request
	sink   progress.Sink
	result *Result
	record *store.MigrationRun
	total  int
	logger *slog.Logger
}

// Run executes the migration. Datasources are migrated one at a time in
// request order; the workbook is only downloaded once every datasource has
// been published and repointed. Any failure stops the run. Datasources
// already published on the target stay there.
func (m *Migrator) Run(ctx context.Context, req Request, sink progress.Sink) (*Result, error) {
	if sink == nil {
		sink = progress.Discard
	}
	if req.TaskID == "" {
		req.TaskID = uuid.NewString()
	}

	r := &run{
		m:      m,
		req:    req,
		sink:   sink,
		total:  len(req.DatasourceIDs),
		logger: m.logger.With("task", req.TaskID),
		result: &Result{TaskID: req.TaskID, WorkbookID: req.WorkbookID, Mapping: &reconcile.Mapping{}},
	}

	if err := req.Validate(); err != nil {
		r.fail(err)
		return nil, err
	}

	r.report(StageAccepted, "Migration started", func(t *progress.Task) {
		t.Status = progress.StatusInProgress
		t.TotalDatasources = r.total
	})
	r.startRecord()
	defer r.finishStaging()

	r.logger.Info("migration started", "datasources", r.total, "workbook", req.WorkbookID, "project", req.TargetProjectID)

	for i, id := range req.DatasourceIDs {
		if err := r.migrateDatasource(ctx, i+1, id); err != nil {
			r.fail(err)
			return r.result, err
		}
	}

	if got := r.result.Mapping.Len(); got != r.total {
		err := &StageError{
			Phase: PhaseWorkbook,
			Step:  "checking datasource mapping",
			Err:   errors.WithType(fmt.Errorf("%d of %d datasources mapped", got, r.total), ErrIncompleteMapping),
		}
		r.fail(err)
		return r.result, err
	}

	if err := r.migrateWorkbook(ctx); err != nil {
		r.fail(err)
		return r.result, err
	}

	r.complete()
	return r.result, nil
}

func (r *run) migrateDatasource(ctx context.Context, index int, id string) error {
	base := datasourceBase(index)
	stageErr := func(step, name string, err error) error {
		return &StageError{Phase: PhaseDatasources, Index: index, Total: r.total, Name: name, Step: step, Err: transportError(err)}
	}
	setCurrent := func(name string) func(*progress.Task) {
		return func(t *progress.Task) {
			t.CurrentDatasource = index
			if name != "" {
				t.CurrentDatasourceName = name
			}
		}
	}

	r.report(base+datasourceStart, fmt.Sprintf("Migrating datasource %d/%d", index, r.total), setCurrent(""))

	art, err := r.m.source.Download(ctx, tableau.KindDatasource, id)
	if err != nil {
		return stageErr("downloading", "", err)
	}
	stagedPath, err := r.m.staging.Save(r.req.TaskID, art.Filename, art.Data)
	if err != nil {
		return stageErr("staging", "", err)
	}

	details, err := r.m.source.GetDatasource(ctx, id)
	if err != nil {
		return stageErr("reading source metadata", "", err)
	}
	oldKey := details.ContentURL
	if oldKey == "" {
		return stageErr("reading source metadata", details.Name, fmt.Errorf("source datasource %s has no content url", id))
	}
	name := details.Name
	if name == "" {
		name = nameFromFilename(art.Filename)
	}
	r.report(base+datasourceDownloaded, fmt.Sprintf("Downloaded datasource %d/%d: %s", index, r.total, name), setCurrent(name))

	r.report(base+datasourcePublishing, fmt.Sprintf("Publishing datasource %d/%d: %s", index, r.total, name), setCurrent(name))
	published, err := r.publish(ctx, tableau.KindDatasource, name, art.Filename, stagedPath)
	if err != nil {
		return stageErr("publishing", name, err)
	}
	if published.ContentURL == "" {
		return stageErr("publishing", name, fmt.Errorf("publish response for %s carried no content url", name))
	}

	r.report(base+datasourceConnection, fmt.Sprintf("Updating connection for datasource %d/%d: %s", index, r.total, name), setCurrent(name))
	conn, err := r.m.updater.UpdateConnection(ctx, published.ID, r.req.Credentials[id], "")
	if err != nil {
		return stageErr("updating connection", name, err)
	}

	if err := r.result.Mapping.Add(oldKey, published.ContentURL); err != nil {
		return stageErr("recording mapping", name, err)
	}
	migrated := MigratedDatasource{
		SourceID: id,
		Name:     name,
		OldKey:   oldKey,
		NewKey:   published.ContentURL,
		NewID:    published.ID,
	}
	if conn != nil {
		migrated.ConnectionID = conn.ID
	}
	r.result.Datasources = append(r.result.Datasources, migrated)
	r.recordDatasource(index, migrated)

	r.logger.Info("datasource migrated", "index", index, "name", name, "old_key", oldKey, "new_key", published.ContentURL)
	r.report(base+datasourceDone, fmt.Sprintf("Datasource %d/%d migrated: %s", index, r.total, name), setCurrent(name))
	return nil
}

func (r *run) migrateWorkbook(ctx context.Context) error {
	base := workbookBase(r.total)
	stageErr := func(step string, err error) error {
		return &StageError{Phase: PhaseWorkbook, Step: step, Err: transportError(err)}
	}

	r.report(base+workbookDownload, "Downloading workbook", nil)
	art, err := r.m.source.Download(ctx, tableau.KindWorkbook, r.req.WorkbookID)
	if err != nil {
		return stageErr("downloading", err)
	}
	stagedPath, err := r.m.staging.Save(r.req.TaskID, art.Filename, art.Data)
	if err != nil {
		return stageErr("staging", err)
	}
	name := nameFromFilename(art.Filename)
	r.result.WorkbookName = name

	r.report(base+workbookReferences, "Updating datasource references", func(t *progress.Task) {
		t.WorkbookName = name
	})
	rewriter := reconcile.NewRewriter(r.m.target.SiteContentURL(), r.logger)
	res, err := rewriter.RewriteFile(stagedPath, r.result.Mapping)
	if err != nil {
		return &StageError{Phase: PhaseWorkbook, Step: "updating references", Err: err}
	}
	r.result.ReferencesUpdated = res.Changes
	if res.Changes == 0 {
		warning := fmt.Sprintf("no datasource references in %s matched the %d mapping key(s); the workbook was published unchanged", art.Filename, r.result.Mapping.Len())
		r.logger.Warn(warning)
		r.result.Warnings = append(r.result.Warnings, warning)
	}

	r.report(base+workbookPublish, fmt.Sprintf("Publishing workbook: %s", name), func(t *progress.Task) {
		t.Warnings = append([]string(nil), r.result.Warnings...)
	})
	published, err := r.publish(ctx, tableau.KindWorkbook, name, art.Filename, stagedPath)
	if err != nil {
		return stageErr("publishing", err)
	}
	if published.Name != "" {
		r.result.WorkbookName = published.Name
	}
	r.result.WorkbookURL = published.WebpageURL

	r.logger.Info("workbook migrated", "name", r.result.WorkbookName, "url", r.result.WorkbookURL, "references", res.Changes)
	return nil
}

func (r *run) publish(ctx context.Context, kind tableau.Kind, name, filename, stagedPath string) (*tableau.Item, error) {
	f, err := r.m.staging.Open(stagedPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return r.m.target.Publish(ctx, kind, tableau.PublishRequest{
		Name:      name,
		ProjectID: r.req.TargetProjectID,
		Filename:  filepath.Base(stagedPath),
		Content:   f,
		Overwrite: true,
	})
}

func (r *run) report(stage int, message string, fn func(*progress.Task)) {
	r.sink.Report(r.req.TaskID, func(t *progress.Task) {
		t.Stage = stage
		t.Message = message
		t.Status = progress.StatusInProgress
		t.TotalDatasources = r.total
		if fn != nil {
			fn(t)
		}
	})
	if r.record != nil {
		r.record.Stage = stage
		r.record.Message = message
	}
}

func (r *run) complete() {
	msg := fmt.Sprintf("Migration completed: %d datasource(s) and workbook %s", r.total, r.result.WorkbookName)
	res := r.result
	r.sink.Report(r.req.TaskID, func(t *progress.Task) {
		t.Stage = completionStage(r.total)
		t.Status = progress.StatusCompleted
		t.Message = msg
		t.TotalDatasources = r.total
		t.WorkbookName = res.WorkbookName
		t.WorkbookURL = res.WorkbookURL
		t.WebURL = res.WorkbookURL
		t.Warnings = append([]string(nil), res.Warnings...)
	})
	r.logger.Info("migration completed", "workbook", res.WorkbookName, "url", res.WorkbookURL)
	r.finishRecord(store.RunStatusCompleted, completionStage(r.total), msg, "")
}

func (r *run) fail(err error) {
	msg := err.Error()
	var se *StageError
	if errors.As(err, &se) && se.Phase == PhaseDatasources && r.result.Mapping.Len() > 0 {
		r.logger.Warn("datasources already published on the target are left in place",
			"published", r.result.Mapping.Len(), "failed_index", se.Index)
	}
	r.sink.Report(r.req.TaskID, func(t *progress.Task) {
		t.Stage = progress.StageFailed
		t.Status = progress.StatusFailed
		t.Message = msg
		t.Error = msg
		t.TotalDatasources = r.total
	})
	r.logger.Error("migration failed", "error", err)
	r.finishRecord(store.RunStatusFailed, progress.StageFailed, msg, msg)
}

func (r *run) startRecord() {
	if r.m.recorder == nil {
		return
	}
	rec := &store.MigrationRun{
		TaskID:          r.req.TaskID,
		SourceEnv:       r.m.SourceEnv,
		TargetEnv:       r.m.TargetEnv,
		WorkbookID:      r.req.WorkbookID,
		TargetProjectID: r.req.TargetProjectID,
		DatasourceCount: r.total,
		Status:          store.RunStatusRunning,
		Message:         "Migration started",
		StartTime:       time.Now().UTC(),
	}
	if err := r.m.recorder.CreateRun(rec); err != nil {
		r.logger.Warn("failed to record run", "error", err)
		return
	}
	r.record = rec
}

func (r *run) recordDatasource(index int, ds MigratedDatasource) {
	if r.record == nil {
		return
	}
	row := &store.MigratedDatasource{
		RunID:         r.record.ID,
		Position:      index,
		SourceID:      ds.SourceID,
		Name:          ds.Name,
		OldContentURL: ds.OldKey,
		NewContentURL: ds.NewKey,
		NewID:         ds.NewID,
		ConnectionID:  ds.ConnectionID,
		MigratedAt:    time.Now().UTC(),
	}
	if err := r.m.recorder.AddMigratedDatasource(row); err != nil {
		r.logger.Warn("failed to record migrated datasource", "name", ds.Name, "error", err)
	}
}

func (r *run) finishRecord(status string, stage int, message, errMsg string) {
	if r.record == nil {
		return
	}
	r.record.Status = status
	r.record.Stage = stage
	r.record.Message = message
	r.record.ErrorMessage = errMsg
	r.record.WorkbookName = r.result.WorkbookName
	r.record.WorkbookURL = r.result.WorkbookURL
	r.record.ReferencesUpdated = r.result.ReferencesUpdated
	r.record.EndTime = time.Now().UTC()
	if err := r.m.recorder.UpdateRun(r.record); err != nil {
		r.logger.Warn("failed to update run record", "error", err)
	}
}

// finishStaging bundles the staged artifacts when archiving is enabled and
// removes them unless they are kept.
func (r *run) finishStaging() {
	if opts := r.m.Archive; opts != nil {
		info, err := r.m.staging.Bundle(r.req.TaskID, opts.Dir, opts.Compression)
		if err != nil {
			r.logger.Warn("failed to bundle staged artifacts", "error", err)
		} else {
			r.logger.Info("run artifacts archived", "path", info.Path, "files", len(info.Files), "sha256", info.SHA256)
		}
	}
	if r.m.KeepStaging {
		return
	}
	if err := r.m.staging.Cleanup(r.req.TaskID); err != nil {
		r.logger.Warn("failed to clean up staging", "error", err)
	}
}

// nameFromFilename derives a content name from a downloaded filename:
// "Sales%20Overview.twbx" becomes "Sales Overview".
func nameFromFilename(filename string) string {
	stem := strings.TrimSuffix(filename, filepath.Ext(filename))
	if unescaped, err := url.PathUnescape(stem); err == nil {
		stem = unescaped
	}
	return stem
}
