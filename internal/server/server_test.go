package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/juju/errors"

	"github.com/BadgerOps/bimigrate/internal/artifact"
	"github.com/BadgerOps/bimigrate/internal/config"
	"github.com/BadgerOps/bimigrate/internal/engine"
	"github.com/BadgerOps/bimigrate/internal/progress"
	"github.com/BadgerOps/bimigrate/internal/store"
)

func setupTestServer(t *testing.T) *Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.New(":memory:", logger)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := st.Close(); err != nil {
			t.Fatalf("failed to close store: %v", err)
		}
	})

	cfg := config.DefaultConfig()
	cfg.Server.DataDir = t.TempDir()
	cfg.Server.TaskWait = 50 * time.Millisecond
	cfg.Server.ProgressTimeout = 5 * time.Second

	staging, err := artifact.New(cfg.StagingDir(), logger)
	if err != nil {
		t.Fatal(err)
	}
	// Nothing in these tests reaches a content server.
	dial := func(_ context.Context, env string) (engine.Session, error) {
		return nil, fmt.Errorf("environment %s is unreachable", env)
	}
	mgr := engine.NewManager(cfg, dial, staging, progress.NewStore(logger), st, logger)
	t.Cleanup(mgr.Wait)

	srv := NewServer(mgr, st, cfg, logger)
	srv.keepalive = 20 * time.Millisecond
	srv.ackDelay = 0
	return srv
}

const validBody = `{
  "source_workbook_id": "wb-1",
  "datasource_ids": ["ds-1", "ds-2"],
  "target_project_id": "proj-1",
  "datasources": [
    {"datasource_id": "ds-2", "db_config": {"db_type": "postgres", "host": "crm.db", "port": 5433, "dbname": "crm", "username": "u", "password": "p"}},
    {"datasource_id": "ds-1", "db_config": {"db_type": "postgres", "host": "orders.db", "port": "5432", "dbname": "orders", "username": "u", "password": "p"}}
  ]
}`

func TestHandleHealth(t *testing.T) {
	srv := setupTestServer(t)

	w := httptest.NewRecorder()
	srv.setupRoutes().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" || body["source"] != "dev" || body["target"] != "prod" {
		t.Errorf("body = %v", body)
	}
}

func TestHandleStartMigration(t *testing.T) {
	srv := setupTestServer(t)
	mux := srv.setupRoutes()

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/migrations", strings.NewReader(validBody)))
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]string
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp["status"] != "started" || resp["task_id"] == "" {
		t.Fatalf("response = %v", resp)
	}
	if w.Header().Get("Location") != "/api/migrations/"+resp["task_id"] {
		t.Errorf("Location = %q", w.Header().Get("Location"))
	}

	srv.manager.Wait()

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/migrations/"+resp["task_id"], nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var task progress.Task
	if err := json.NewDecoder(w.Body).Decode(&task); err != nil {
		t.Fatal(err)
	}
	if task.Status != progress.StatusFailed || task.Stage != progress.StageFailed {
		t.Errorf("task = %+v", task)
	}
	if !strings.Contains(task.Message, "signing in to dev") {
		t.Errorf("message = %q", task.Message)
	}
}

func TestHandleStartMigrationRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
		code int
	}{
		{"malformed", `{"source_workbook_id":`, http.StatusBadRequest},
		{"missing credentials", `{"source_workbook_id":"wb","datasource_ids":["ds-1"],"target_project_id":"p"}`, http.StatusBadRequest},
		{"no workbook", `{"datasource_ids":["ds-1"],"target_project_id":"p","datasources":[{"datasource_id":"ds-1","db_config":{"host":"h"}}]}`, http.StatusBadRequest},
		{"bad port", `{"source_workbook_id":"wb","target_project_id":"p","datasources":[{"datasource_id":"ds-1","db_config":{"host":"h","port":true}}]}`, http.StatusBadRequest},
		{"task id with path separator", `{"task_id":"a/b","source_workbook_id":"wb","target_project_id":"p","datasources":[{"datasource_id":"ds-1","db_config":{"host":"h"}}]}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := setupTestServer(t)
			w := httptest.NewRecorder()
			srv.setupRoutes().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/migrations", strings.NewReader(tt.body)))
			if w.Code != tt.code {
				t.Errorf("expected %d, got %d: %s", tt.code, w.Code, w.Body.String())
			}
			if n := len(srv.manager.Progress().List()); n != 0 {
				t.Errorf("%d tasks registered for a rejected request", n)
			}
		})
	}
}

func TestMigrationRequestBodyToRequest(t *testing.T) {
	var body MigrationRequestBody
	if err := json.Unmarshal([]byte(validBody), &body); err != nil {
		t.Fatal(err)
	}
	req := body.toRequest()
	if strings.Join(req.DatasourceIDs, ",") != "ds-1,ds-2" {
		t.Errorf("ids = %v", req.DatasourceIDs)
	}
	if req.Credentials["ds-2"].Port != "5433" || req.Credentials["ds-1"].Port != "5432" {
		t.Errorf("ports = %q, %q", req.Credentials["ds-1"].Port, req.Credentials["ds-2"].Port)
	}

	body.DatasourceIDs = nil
	req = body.toRequest()
	if strings.Join(req.DatasourceIDs, ",") != "ds-2,ds-1" {
		t.Errorf("derived ids = %v", req.DatasourceIDs)
	}
}

func TestHandleGetMigrationNotFound(t *testing.T) {
	srv := setupTestServer(t)
	w := httptest.NewRecorder()
	srv.setupRoutes().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/migrations/nope", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

type fakeLoader map[string]progress.Task

func (f fakeLoader) Load(_ context.Context, id string) (progress.Task, error) {
	t, ok := f[id]
	if !ok {
		return progress.Task{}, errors.NotFoundf("task %s", id)
	}
	return t, nil
}

func TestHandleGetMigrationFromMirror(t *testing.T) {
	srv := setupTestServer(t)
	srv.SetMirror(fakeLoader{
		"remote": {TaskID: "remote", Stage: 21, Status: progress.StatusInProgress, Message: "Publishing datasource 2/2"},
	})

	w := httptest.NewRecorder()
	srv.setupRoutes().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/migrations/remote", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var task progress.Task
	if err := json.Unmarshal(w.Body.Bytes(), &task); err != nil {
		t.Fatal(err)
	}
	if task.Stage != 21 || task.Message != "Publishing datasource 2/2" {
		t.Errorf("task = %+v", task)
	}

	w = httptest.NewRecorder()
	srv.setupRoutes().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/migrations/other", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestHandleAcknowledgeMigration(t *testing.T) {
	srv := setupTestServer(t)
	mux := srv.setupRoutes()
	tasks := srv.manager.Progress()
	if _, err := tasks.Create("t1", 1); err != nil {
		t.Fatal(err)
	}

	del := func() int {
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/api/migrations/t1", nil))
		return w.Code
	}

	if code := del(); code != http.StatusConflict {
		t.Errorf("running task: expected 409, got %d", code)
	}
	tasks.Report("t1", func(task *progress.Task) {
		task.Status = progress.StatusCompleted
		task.Stage = 100
	})
	if code := del(); code != http.StatusNoContent {
		t.Errorf("finished task: expected 204, got %d", code)
	}
	if code := del(); code != http.StatusNotFound {
		t.Errorf("acknowledged task: expected 404, got %d", code)
	}
}

func TestHandleListMigrations(t *testing.T) {
	srv := setupTestServer(t)
	srv.manager.Progress().Create("a", 1)
	srv.manager.Progress().Create("b", 2)

	w := httptest.NewRecorder()
	srv.setupRoutes().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/migrations", nil))
	var tasks []progress.Task
	if err := json.NewDecoder(w.Body).Decode(&tasks); err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 2 {
		t.Errorf("tasks = %+v", tasks)
	}
}

type sseEvent struct {
	name string
	data string
}

func readEvents(t *testing.T, body io.Reader) []sseEvent {
	t.Helper()
	var events []sseEvent
	var cur sseEvent
	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			cur.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = strings.TrimPrefix(line, "data: ")
		case line == "":
			if cur.name != "" {
				events = append(events, cur)
			}
			cur = sseEvent{}
		}
	}
	return events
}

func TestMigrationEventsTerminalTask(t *testing.T) {
	srv := setupTestServer(t)
	tasks := srv.manager.Progress()
	tasks.Create("t1", 1)
	tasks.Report("t1", func(task *progress.Task) {
		task.Status = progress.StatusCompleted
		task.Stage = 100
		task.Message = "done"
	})

	w := httptest.NewRecorder()
	srv.setupRoutes().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/migrations/t1/events", nil))

	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	events := readEvents(t, w.Body)
	if len(events) != 1 || events[0].name != "complete" {
		t.Fatalf("events = %+v", events)
	}
	var task progress.Task
	if err := json.Unmarshal([]byte(events[0].data), &task); err != nil {
		t.Fatal(err)
	}
	if task.Stage != 100 || task.Message != "done" {
		t.Errorf("task = %+v", task)
	}
	if _, ok := tasks.Get("t1"); ok {
		t.Error("task not acknowledged after complete event")
	}
}

func TestMigrationEventsUnknownTask(t *testing.T) {
	srv := setupTestServer(t)
	w := httptest.NewRecorder()
	srv.setupRoutes().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/migrations/ghost/events", nil))

	events := readEvents(t, w.Body)
	if len(events) == 0 || events[len(events)-1].name != "error" {
		t.Fatalf("events = %+v", events)
	}
	if !strings.Contains(events[len(events)-1].data, "task not found") {
		t.Errorf("error event = %s", events[len(events)-1].data)
	}
}

func TestMigrationEventsEndOnShutdown(t *testing.T) {
	srv := setupTestServer(t)
	srv.config.Server.TaskWait = time.Minute
	srv.config.Server.ProgressTimeout = time.Minute
	if _, err := srv.manager.Progress().Create("live", 1); err != nil {
		t.Fatal(err)
	}
	mux := srv.setupRoutes()

	done := make(chan struct{}, 2)
	for _, id := range []string{"live", "not-yet-created"} {
		req := httptest.NewRequest(http.MethodGet, "/api/migrations/"+id+"/events", nil)
		go func() {
			mux.ServeHTTP(httptest.NewRecorder(), req)
			done <- struct{}{}
		}()
	}

	time.Sleep(50 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() = %v", err)
	}

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("event stream still open after shutdown")
		}
	}
}

func TestMigrationEventsStream(t *testing.T) {
	srv := setupTestServer(t)
	srv.config.Server.TaskWait = 5 * time.Second
	ts := httptest.NewServer(srv.setupRoutes())
	defer ts.Close()

	tasks := srv.manager.Progress()
	go func() {
		time.Sleep(30 * time.Millisecond)
		tasks.Create("t1", 1)
		time.Sleep(30 * time.Millisecond)
		tasks.Report("t1", func(task *progress.Task) {
			task.Status = progress.StatusInProgress
			task.Stage = 10
			task.Message = "Migrating datasource 1/1"
		})
		time.Sleep(30 * time.Millisecond)
		tasks.Report("t1", func(task *progress.Task) {
			task.Status = progress.StatusCompleted
			task.Stage = 100
			task.Message = "Migration completed"
		})
	}()

	resp, err := http.Get(ts.URL + "/api/migrations/t1/events")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var names []string
	var stages []int
	for _, ev := range readEvents(t, resp.Body) {
		if ev.name == "keepalive" {
			continue
		}
		names = append(names, ev.name)
		var task progress.Task
		if err := json.Unmarshal([]byte(ev.data), &task); err != nil {
			t.Fatal(err)
		}
		stages = append(stages, task.Stage)
	}
	if len(names) == 0 || names[len(names)-1] != "complete" {
		t.Fatalf("events = %v", names)
	}
	for i := 1; i < len(stages); i++ {
		if stages[i] < stages[i-1] {
			t.Errorf("stages not monotonic: %v", stages)
		}
	}
	if stages[len(stages)-1] != 100 {
		t.Errorf("final stage = %d", stages[len(stages)-1])
	}
}

func TestHandleRuns(t *testing.T) {
	srv := setupTestServer(t)
	mux := srv.setupRoutes()

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"old", "new"} {
		run := &store.MigrationRun{TaskID: id, WorkbookID: "wb", TargetProjectID: "p", DatasourceCount: 1, StartTime: base.Add(time.Duration(i) * time.Hour)}
		if err := srv.store.CreateRun(run); err != nil {
			t.Fatal(err)
		}
		if err := srv.store.AddMigratedDatasource(&store.MigratedDatasource{RunID: run.ID, Position: 1, SourceID: "ds-1", Name: "Orders", MigratedAt: base}); err != nil {
			t.Fatal(err)
		}
	}

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/runs?limit=1", nil))
	var runs []store.MigrationRun
	if err := json.NewDecoder(w.Body).Decode(&runs); err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].TaskID != "new" {
		t.Errorf("runs = %+v", runs)
	}

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/runs?limit=x", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad limit: expected 400, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/runs/old", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var detail struct {
		Run         store.MigrationRun         `json:"run"`
		Datasources []store.MigratedDatasource `json:"datasources"`
	}
	if err := json.NewDecoder(w.Body).Decode(&detail); err != nil {
		t.Fatal(err)
	}
	if detail.Run.TaskID != "old" || len(detail.Datasources) != 1 || detail.Datasources[0].Name != "Orders" {
		t.Errorf("detail = %+v", detail)
	}

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/runs/missing", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}
