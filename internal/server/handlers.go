package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/juju/errors"

	"github.com/BadgerOps/bimigrate/internal/connection"
	"github.com/BadgerOps/bimigrate/internal/engine"
	"github.com/BadgerOps/bimigrate/internal/progress"
	"github.com/BadgerOps/bimigrate/internal/store"
)

const (
	maxRequestBody  = 1 << 20
	defaultRunLimit = 50
)

// handleHealth reports liveness and the number of tracked tasks.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	tasks := s.manager.Progress().List()
	running := 0
	for _, t := range tasks {
		if !t.Terminal() {
			running++
		}
	}
	w.Header().Set("Content-Type", "application/json")
	s.writeJSON(w, map[string]any{
		"status":  "ok",
		"source":  s.config.Migration.Source,
		"target":  s.config.Migration.Target,
		"tasks":   len(tasks),
		"running": running,
	})
}

// portValue accepts a port as either a JSON string or number.
type portValue string

func (p *portValue) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*p = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*p = portValue(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("port must be a string or number")
	}
	if _, err := n.Int64(); err != nil {
		return fmt.Errorf("port %s is not an integer", n)
	}
	*p = portValue(n.String())
	return nil
}

type dbConfigBody struct {
	DBType   string    `json:"db_type"`
	Host     string    `json:"host"`
	DBName   string    `json:"dbname"`
	Port     portValue `json:"port"`
	Username string    `json:"username"`
	Password string    `json:"password"`
}

type datasourceBody struct {
	DatasourceID string       `json:"datasource_id"`
	DBConfig     dbConfigBody `json:"db_config"`
}

// MigrationRequestBody is the expected request body for POST /api/migrations.
type MigrationRequestBody struct {
	TaskID           string           `json:"task_id,omitempty"`
	SourceWorkbookID string           `json:"source_workbook_id"`
	DatasourceIDs    []string         `json:"datasource_ids"`
	TargetProjectID  string           `json:"target_project_id"`
	Datasources      []datasourceBody `json:"datasources"`
}

// toRequest converts the body into an engine request. When datasource_ids is
// omitted the order of the datasources list is used.
func (b MigrationRequestBody) toRequest() engine.Request {
	req := engine.Request{
		TaskID:          b.TaskID,
		WorkbookID:      b.SourceWorkbookID,
		TargetProjectID: b.TargetProjectID,
		DatasourceIDs:   b.DatasourceIDs,
		Credentials:     make(map[string]connection.Credentials, len(b.Datasources)),
	}
	derive := len(req.DatasourceIDs) == 0
	for _, ds := range b.Datasources {
		req.Credentials[ds.DatasourceID] = connection.Credentials{
			DBType:   ds.DBConfig.DBType,
			Host:     ds.DBConfig.Host,
			Port:     string(ds.DBConfig.Port),
			DBName:   ds.DBConfig.DBName,
			Username: ds.DBConfig.Username,
			Password: ds.DBConfig.Password,
		}
		if derive {
			req.DatasourceIDs = append(req.DatasourceIDs, ds.DatasourceID)
		}
	}
	return req
}

// handleStartMigration validates the request and starts a background task.
func (s *Server) handleStartMigration(w http.ResponseWriter, r *http.Request) {
	var body MigrationRequestBody
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(&body); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	taskID, err := s.manager.Start(body.toRequest())
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrPrecondition):
			jsonError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, errors.AlreadyExists):
			jsonError(w, http.StatusConflict, err.Error())
		default:
			s.logger.Error("failed to start migration", "error", err)
			jsonError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	s.logger.Info("migration accepted", "task", taskID, "workbook", body.SourceWorkbookID)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Location", "/api/migrations/"+taskID)
	w.WriteHeader(http.StatusAccepted)
	s.writeJSON(w, map[string]string{"task_id": taskID, "status": "started"})
}

// handleListMigrations returns every tracked task.
func (s *Server) handleListMigrations(w http.ResponseWriter, r *http.Request) {
	tasks := s.manager.Progress().List()
	w.Header().Set("Content-Type", "application/json")
	s.writeJSON(w, tasks)
}

// handleGetMigration returns one task's current progress, from the local
// store or, failing that, the progress mirror.
func (s *Server) handleGetMigration(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	task, ok := s.manager.Progress().Get(id)
	if !ok && s.mirror != nil {
		mirrored, err := s.mirror.Load(r.Context(), id)
		switch {
		case err == nil:
			task, ok = mirrored, true
		case !errors.Is(err, errors.NotFound):
			s.logger.Warn("failed to read mirrored task", "task", id, "error", err)
		}
	}
	if !ok {
		jsonError(w, http.StatusNotFound, "task not found")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	s.writeJSON(w, task)
}

// handleAcknowledgeMigration removes a finished task.
func (s *Server) handleAcknowledgeMigration(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.manager.Progress().Acknowledge(id); err != nil {
		switch {
		case errors.Is(err, errors.NotFound):
			jsonError(w, http.StatusNotFound, "task not found")
		case errors.Is(err, errors.NotValid):
			jsonError(w, http.StatusConflict, "task is still running")
		default:
			jsonError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// runDetail is the response of GET /api/runs/{task}.
type runDetail struct {
	Run         *store.MigrationRun        `json:"run"`
	Datasources []store.MigratedDatasource `json:"datasources"`
	Live        *progress.Task             `json:"live,omitempty"`
}

// handleListRuns returns run history newest first.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		jsonError(w, http.StatusServiceUnavailable, "run history is disabled")
		return
	}
	limit := defaultRunLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			jsonError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	runs, err := s.store.ListRuns(limit)
	if err != nil {
		s.logger.Error("failed to list runs", "error", err)
		jsonError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []store.MigrationRun{}
	}
	w.Header().Set("Content-Type", "application/json")
	s.writeJSON(w, runs)
}

// handleGetRun returns one run with the datasources it migrated.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		jsonError(w, http.StatusServiceUnavailable, "run history is disabled")
		return
	}
	taskID := r.PathValue("task")
	run, err := s.store.GetRunByTask(taskID)
	if err != nil {
		if errors.Is(err, errors.NotFound) {
			jsonError(w, http.StatusNotFound, "run not found")
			return
		}
		s.logger.Error("failed to get run", "task", taskID, "error", err)
		jsonError(w, http.StatusInternalServerError, "failed to get run")
		return
	}
	datasources, err := s.store.ListMigratedDatasources(run.ID)
	if err != nil {
		s.logger.Error("failed to list migrated datasources", "task", taskID, "error", err)
		jsonError(w, http.StatusInternalServerError, "failed to get run")
		return
	}
	if datasources == nil {
		datasources = []store.MigratedDatasource{}
	}

	detail := runDetail{Run: run, Datasources: datasources}
	if live, ok := s.manager.Progress().Get(taskID); ok {
		detail.Live = &live
	}
	w.Header().Set("Content-Type", "application/json")
	s.writeJSON(w, detail)
}
