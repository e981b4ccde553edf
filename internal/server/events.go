package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/BadgerOps/bimigrate/internal/progress"
)

// handleMigrationEvents streams a task's progress as server-sent events.
//
// Events: "progress" when the stage or message changes, "keepalive" on idle
// ticks, "complete" once the task has completed or failed, and "error" when
// the task is unknown or the stream times out. After "complete" the task is
// acknowledged and removed from the live store. Streams end without an event
// when the server shuts down.
func (s *Server) handleMigrationEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}
	// The stream outlives the server's write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	flusher.Flush()

	sendEvent := func(event string, data interface{}) {
		jsonData, _ := json.Marshal(data)
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData)
		flusher.Flush()
	}

	ctx := r.Context()
	tasks := s.manager.Progress()
	keepalive := time.NewTicker(s.keepalive)
	defer keepalive.Stop()

	// The task may be registered after the client subscribed.
	waitFor := time.NewTimer(s.config.Server.TaskWait)
	defer waitFor.Stop()
	for {
		changed := tasks.Wait()
		if _, ok := tasks.Get(id); ok {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-waitFor.C:
			sendEvent("error", map[string]string{"task_id": id, "error": "task not found"})
			return
		case <-keepalive.C:
			sendEvent("keepalive", map[string]string{"task_id": id})
		case <-changed:
		}
	}

	timeout := time.NewTimer(s.config.Server.ProgressTimeout)
	defer timeout.Stop()

	lastStage, lastMessage := progress.StageFailed-1, ""
	for {
		changed := tasks.Wait()
		task, ok := tasks.Get(id)
		if !ok {
			sendEvent("error", map[string]string{"task_id": id, "error": "task is no longer tracked"})
			return
		}
		if task.Terminal() {
			sendEvent("complete", task)
			s.acknowledge(id)
			return
		}
		if task.Stage != lastStage || task.Message != lastMessage {
			sendEvent("progress", task)
			lastStage, lastMessage = task.Stage, task.Message
		}

		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-timeout.C:
			s.logger.Warn("progress stream timed out", "task", id, "stage", lastStage)
			sendEvent("error", map[string]string{"task_id": id, "error": "timed out waiting for progress"})
			return
		case <-keepalive.C:
			sendEvent("keepalive", map[string]string{"task_id": id})
		case <-changed:
		}
	}
}

// acknowledge removes a finished task once its terminal event was delivered,
// after ackDelay so that concurrent pollers can still read it.
func (s *Server) acknowledge(id string) {
	ack := func() {
		if err := s.manager.Progress().Acknowledge(id); err != nil {
			s.logger.Debug("task already acknowledged", "task", id, "error", err)
		}
	}
	if s.ackDelay <= 0 {
		ack()
		return
	}
	time.AfterFunc(s.ackDelay, ack)
}
