// Package progress holds the live state of migration tasks. The orchestrator
// reports into it and HTTP/SSE handlers read from it.
package progress

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/juju/errors"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// StageFailed is the stage value reported together with StatusFailed.
const StageFailed = -1

// Task is a snapshot of one migration's progress, safe for JSON serialization.
type Task struct {
	TaskID                string    `json:"task_id"`
	Stage                 int       `json:"stage"`
	Message               string    `json:"message"`
	Status                Status    `json:"status"`
	TotalDatasources      int       `json:"total_datasources"`
	CurrentDatasource     int       `json:"current_datasource"`
	CurrentDatasourceName string    `json:"current_datasource_name,omitempty"`
	WorkbookName          string    `json:"workbook_name,omitempty"`
	WorkbookURL           string    `json:"workbook_url,omitempty"`
	WebURL                string    `json:"web_url,omitempty"`
	Warnings              []string  `json:"warnings,omitempty"`
	Error                 string    `json:"error,omitempty"`
	Timestamp             time.Time `json:"timestamp"`
}

// Terminal reports whether the task has completed or failed.
func (t Task) Terminal() bool {
	return t.Status == StatusCompleted || t.Status == StatusFailed
}

func (t Task) clone() Task {
	if t.Warnings != nil {
		t.Warnings = append([]string(nil), t.Warnings...)
	}
	return t
}

// Sink receives progress updates for a task. fn mutates the task in place.
type Sink interface {
	Report(taskID string, fn func(*Task))
}

// Discard is a Sink that drops every update.
var Discard Sink = discard{}

type discard struct{}

func (discard) Report(string, func(*Task)) {}

// Mirror receives a copy of every stored snapshot.
type Mirror interface {
	Publish(ctx context.Context, t Task) error
}

// Store is a concurrency-safe table of tasks keyed by task id. Entries are
// inserted when a task is accepted and removed once a consumer acknowledges
// the terminal state.
type Store struct {
	mu     sync.Mutex
	tasks  map[string]*Task
	notify chan struct{}

	mirror Mirror
	logger *slog.Logger
	now    func() time.Time
}

// NewStore creates an empty store.
func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		tasks:  make(map[string]*Task),
		notify: make(chan struct{}),
		logger: logger,
		now:    time.Now,
	}
}

// SetMirror attaches a mirror that receives every snapshot after it is stored.
func (s *Store) SetMirror(m Mirror) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mirror = m
}

// Wait returns a channel that will be closed when the next update occurs.
// Callers should select on this channel alongside a timeout for heartbeats.
func (s *Store) Wait() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notify
}

// signal closes the current notify channel and replaces it with a new one.
// Must be called with s.mu held.
func (s *Store) signal() {
	close(s.notify)
	s.notify = make(chan struct{})
}

// Create inserts a pending task at stage 0.
func (s *Store) Create(taskID string, totalDatasources int) (Task, error) {
	if taskID == "" {
		return Task{}, errors.NotValidf("empty task id")
	}
	s.mu.Lock()
	if _, ok := s.tasks[taskID]; ok {
		s.mu.Unlock()
		return Task{}, errors.AlreadyExistsf("task %s", taskID)
	}
	t := &Task{
		TaskID:           taskID,
		Status:           StatusPending,
		Message:          "Migration queued",
		TotalDatasources: totalDatasources,
		Timestamp:        s.now(),
	}
	s.tasks[taskID] = t
	snap := t.clone()
	mirror := s.mirror
	s.signal()
	s.mu.Unlock()

	s.publish(mirror, snap)
	return snap, nil
}

// Get returns a copy of the task.
func (s *Store) Get(taskID string) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return Task{}, false
	}
	return t.clone(), true
}

// List returns all tasks, oldest update first.
func (s *Store) List() []Task {
	s.mu.Lock()
	out := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.clone())
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].TaskID < out[j].TaskID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// Report applies fn to the task, creating it if needed. Updates to a task
// that has already completed or failed are ignored.
func (s *Store) Report(taskID string, fn func(*Task)) {
	s.mu.Lock()
	t, ok := s.tasks[taskID]
	if !ok {
		t = &Task{TaskID: taskID, Status: StatusPending}
		s.tasks[taskID] = t
	}
	if t.Terminal() {
		s.mu.Unlock()
		s.logger.Debug("ignoring update for finished task", "task", taskID)
		return
	}
	fn(t)
	t.TaskID = taskID
	t.Timestamp = s.now()
	snap := t.clone()
	mirror := s.mirror
	s.signal()
	s.mu.Unlock()

	s.publish(mirror, snap)
}

// Acknowledge removes a finished task. Tasks that are still running stay.
func (s *Store) Acknowledge(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return errors.NotFoundf("task %s", taskID)
	}
	if !t.Terminal() {
		return errors.NotValidf("task %s is %s, acknowledging", taskID, t.Status)
	}
	delete(s.tasks, taskID)
	s.signal()
	return nil
}

// Sweep removes finished tasks whose last update is older than maxAge and
// returns how many were removed.
func (s *Store) Sweep(maxAge time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-maxAge)
	removed := 0
	for id, t := range s.tasks {
		if t.Terminal() && t.Timestamp.Before(cutoff) {
			delete(s.tasks, id)
			removed++
		}
	}
	if removed > 0 {
		s.signal()
	}
	return removed
}

func (s *Store) publish(m Mirror, t Task) {
	if m == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Publish(ctx, t); err != nil {
		s.logger.Warn("progress mirror publish failed", "task", t.TaskID, "error", err)
	}
}

// LogSink writes each update to a logger. The CLI uses it for synchronous
// runs.
type LogSink struct {
	logger *slog.Logger
	mu     sync.Mutex
	tasks  map[string]*Task
}

// NewLogSink creates a sink that logs through logger.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger, tasks: make(map[string]*Task)}
}

// Report applies fn and logs the resulting stage and message.
func (l *LogSink) Report(taskID string, fn func(*Task)) {
	l.mu.Lock()
	t, ok := l.tasks[taskID]
	if !ok {
		t = &Task{TaskID: taskID, Status: StatusPending}
		l.tasks[taskID] = t
	}
	fn(t)
	t.Timestamp = time.Now()
	snap := t.clone()
	l.mu.Unlock()

	level := slog.LevelInfo
	if snap.Status == StatusFailed {
		level = slog.LevelError
	}
	l.logger.Log(context.Background(), level, snap.Message,
		"task", taskID, "stage", snap.Stage, "status", snap.Status)
}

// Last returns the most recent state reported for taskID.
func (l *LogSink) Last(taskID string) (Task, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.tasks[taskID]
	if !ok {
		return Task{}, false
	}
	return t.clone(), true
}
