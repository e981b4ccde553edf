package engine

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/juju/errors"

	"github.com/BadgerOps/bimigrate/internal/artifact"
	"github.com/BadgerOps/bimigrate/internal/config"
	"github.com/BadgerOps/bimigrate/internal/progress"
	"github.com/BadgerOps/bimigrate/internal/store"
)

func newTestManager(t *testing.T, dial Dialer) (*Manager, *progress.Store, *store.Store) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Server.DataDir = t.TempDir()

	staging, err := artifact.New(cfg.StagingDir(), quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	st, err := store.New(":memory:", quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	tasks := progress.NewStore(quietLogger())
	return NewManager(cfg, dial, staging, tasks, st, quietLogger()), tasks, st
}

func fixtureDialer(f *fixture) Dialer {
	return func(_ context.Context, env string) (Session, error) {
		switch env {
		case "dev":
			return f.source, nil
		case "prod":
			return f.target, nil
		}
		return nil, fmt.Errorf("unknown environment %s", env)
	}
}

func TestManagerStartRunsInBackground(t *testing.T) {
	f := newFixture(t)
	m, tasks, st := newTestManager(t, fixtureDialer(f))

	id, err := m.Start(salesRequest(""))
	if err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if id == "" {
		t.Fatal("empty task id")
	}
	if _, ok := tasks.Get(id); !ok {
		t.Fatal("task not registered before Start returned")
	}

	m.Wait()

	task, ok := tasks.Get(id)
	if !ok {
		t.Fatal("task vanished")
	}
	if task.Status != progress.StatusCompleted || task.Stage != 100 {
		t.Errorf("task = %+v", task)
	}
	if !f.source.signedOut || !f.target.signedOut {
		t.Error("sessions not signed out")
	}
	run, err := st.GetRunByTask(id)
	if err != nil {
		t.Fatal(err)
	}
	if run.SourceEnv != "dev" || run.TargetEnv != "prod" || run.Status != store.RunStatusCompleted {
		t.Errorf("run = %+v", run)
	}
}

func TestManagerStartRejectsInvalidRequest(t *testing.T) {
	f := newFixture(t)
	m, tasks, _ := newTestManager(t, fixtureDialer(f))

	req := salesRequest("")
	req.Credentials = nil
	if _, err := m.Start(req); !errors.Is(err, ErrPrecondition) {
		t.Fatalf("expected precondition error, got %v", err)
	}
	if n := len(tasks.List()); n != 0 {
		t.Errorf("registered %d tasks for a rejected request", n)
	}
}

func TestManagerStartDuplicateTaskID(t *testing.T) {
	f := newFixture(t)
	m, _, _ := newTestManager(t, fixtureDialer(f))

	if _, err := m.Start(salesRequest("fixed")); err != nil {
		t.Fatal(err)
	}
	m.Wait()
	if _, err := m.Start(salesRequest("fixed")); !errors.Is(err, errors.AlreadyExists) {
		t.Errorf("expected AlreadyExists, got %v", err)
	}
}

func TestManagerSignInFailure(t *testing.T) {
	f := newFixture(t)
	dial := func(ctx context.Context, env string) (Session, error) {
		if env == "prod" {
			return nil, fmt.Errorf("HTTP 401: invalid token")
		}
		return fixtureDialer(f)(ctx, env)
	}
	m, _, _ := newTestManager(t, dial)
	sink := newRecordingSink()

	_, err := m.Run(context.Background(), salesRequest("task-1"), sink)
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("expected transport failure, got %v", err)
	}
	if !strings.Contains(err.Error(), "signing in to prod") {
		t.Errorf("message = %q", err)
	}
	if !f.source.signedOut {
		t.Error("source session left signed in")
	}
	if len(f.source.Calls()) != 0 {
		t.Errorf("source calls = %v", f.source.Calls())
	}
	if last := sink.last(); last.Status != progress.StatusFailed || last.Stage != progress.StageFailed {
		t.Errorf("task = %+v", last)
	}
}
