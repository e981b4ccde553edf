package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/BadgerOps/bimigrate/internal/artifact"
	"github.com/BadgerOps/bimigrate/internal/config"
	"github.com/BadgerOps/bimigrate/internal/progress"
	"github.com/BadgerOps/bimigrate/internal/tableau"
)

// Session is a signed-in connection to one environment.
type Session interface {
	SourceClient
	TargetClient
	SignOut(ctx context.Context)
}

// Dialer signs in to the named environment.
type Dialer func(ctx context.Context, env string) (Session, error)

// TableauDialer returns a Dialer that resolves environments from cfg.
func TableauDialer(cfg *config.Config, logger *slog.Logger) Dialer {
	return func(ctx context.Context, name string) (Session, error) {
		env, err := cfg.Environment(name)
		if err != nil {
			return nil, err
		}
		c, err := tableau.Dial(ctx, env, logger.With("env", name))
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

var _ Session = (*tableau.Client)(nil)

// Manager runs migrations between the configured source and target
// environments and tracks them in a progress store.
type Manager struct {
	config   *config.Config
	dial     Dialer
	staging  *artifact.Store
	progress *progress.Store
	recorder RunRecorder
	logger   *slog.Logger

	wg sync.WaitGroup
}

// NewManager creates a Manager. recorder may be nil.
func NewManager(
	cfg *config.Config,
	dial Dialer,
	staging *artifact.Store,
	tasks *progress.Store,
	recorder RunRecorder,
	logger *slog.Logger,
) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		config:   cfg,
		dial:     dial,
		staging:  staging,
		progress: tasks,
		recorder: recorder,
		logger:   logger,
	}
}

// Progress returns the store background tasks report into.
func (m *Manager) Progress() *progress.Store {
	return m.progress
}

// Start validates req, registers a pending task and runs the migration in the
// background. The returned task ID can be polled immediately. The run is not
// tied to the caller's context: it continues after the HTTP request that
// started it has returned.
func (m *Manager) Start(req Request) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	if req.TaskID == "" {
		req.TaskID = uuid.NewString()
	}
	if _, err := m.progress.Create(req.TaskID, len(req.DatasourceIDs)); err != nil {
		return "", err
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if _, err := m.Run(context.Background(), req, m.progress); err != nil {
			m.logger.Debug("background migration ended with error", "task", req.TaskID, "error", err)
		}
	}()
	return req.TaskID, nil
}

// Wait blocks until every background migration has returned.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Run signs in to both environments, migrates and signs out again.
func (m *Manager) Run(ctx context.Context, req Request, sink progress.Sink) (*Result, error) {
	if sink == nil {
		sink = progress.Discard
	}
	if req.TaskID == "" {
		req.TaskID = uuid.NewString()
	}
	srcName, dstName := m.config.Migration.Source, m.config.Migration.Target
	logger := m.logger.With("task", req.TaskID)

	if err := req.Validate(); err != nil {
		reportFailure(sink, req, err)
		return nil, err
	}

	src, err := m.connect(ctx, srcName)
	if err != nil {
		reportFailure(sink, req, err)
		return nil, err
	}
	defer src.SignOut(context.Background())

	dst, err := m.connect(ctx, dstName)
	if err != nil {
		reportFailure(sink, req, err)
		return nil, err
	}
	defer dst.SignOut(context.Background())

	mig := NewMigrator(src, dst, m.staging, logger)
	mig.SourceEnv = srcName
	mig.TargetEnv = dstName
	mig.KeepStaging = m.config.Migration.KeepStaging
	if m.config.Migration.Archive.Enabled {
		mig.Archive = &ArchiveOptions{
			Dir:         m.config.ArchiveDir(),
			Compression: m.config.Migration.Archive.Compression,
		}
	}
	if m.recorder != nil {
		mig.SetRecorder(m.recorder)
	}
	return mig.Run(ctx, req, sink)
}

func (m *Manager) connect(ctx context.Context, env string) (Session, error) {
	s, err := m.dial(ctx, env)
	if err != nil {
		return nil, &StageError{
			Phase: PhaseConnect,
			Step:  fmt.Sprintf("signing in to %s", env),
			Err:   transportError(err),
		}
	}
	return s, nil
}

func reportFailure(sink progress.Sink, req Request, err error) {
	msg := err.Error()
	sink.Report(req.TaskID, func(t *progress.Task) {
		t.Stage = progress.StageFailed
		t.Status = progress.StatusFailed
		t.Message = msg
		t.Error = msg
		t.TotalDatasources = len(req.DatasourceIDs)
	})
}
