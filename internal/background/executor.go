// Package background runs best-effort work (alias reconciliation, history
// ingestion) off the request/response path. Failures land on an error channel
// that is logged, never surfaced to the user.
package background

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tabpilot/internal/bus"
)

// TaskStatus represents the status of a background task.
type TaskStatus string

const (
	TaskPending  TaskStatus = "pending"
	TaskRunning  TaskStatus = "running"
	TaskComplete TaskStatus = "complete"
	TaskFailed   TaskStatus = "failed"
)

// Task is one unit of background work and its outcome.
type Task struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Status    TaskStatus `json:"status"`
	Error     string     `json:"error,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	DoneAt    time.Time  `json:"done_at,omitempty"`
}

// TaskFailure is delivered on the executor's error channel.
type TaskFailure struct {
	TaskID string
	Name   string
	Err    error
}

// Executor runs submitted tasks asynchronously and keeps their terminal
// state until cleaned.
type Executor struct {
	mu     sync.RWMutex
	tasks  map[string]*Task
	nextID int

	failures chan TaskFailure
	events   *bus.EventBus
	logger   *slog.Logger
	wg       sync.WaitGroup
}

// New creates an Executor. Events may be nil.
func New(logger *slog.Logger, events *bus.EventBus) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		tasks:    make(map[string]*Task),
		failures: make(chan TaskFailure, 64),
		events:   events,
		logger:   logger,
	}
}

// Failures is the executor's error channel. The runner drains it and logs;
// nothing here ever reaches a user-visible surface.
func (e *Executor) Failures() <-chan TaskFailure {
	return e.failures
}

// Submit schedules fn and returns the task ID. fn's error is recorded on the
// task, pushed to the failures channel and emitted on the event bus; a full
// failures channel drops the notification rather than blocking the task.
func (e *Executor) Submit(ctx context.Context, name string, fn func(ctx context.Context) error) string {
	e.mu.Lock()
	e.nextID++
	id := fmt.Sprintf("task-%d", e.nextID)
	task := &Task{ID: id, Name: name, Status: TaskPending, StartedAt: time.Now()}
	e.tasks[id] = task
	e.mu.Unlock()

	e.logger.Debug("background task submitted", "id", id, "name", name)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		e.mu.Lock()
		task.Status = TaskRunning
		e.mu.Unlock()

		err := runIsolated(ctx, fn)

		e.mu.Lock()
		task.DoneAt = time.Now()
		if err != nil {
			task.Status = TaskFailed
			task.Error = err.Error()
		} else {
			task.Status = TaskComplete
		}
		e.mu.Unlock()

		if err == nil {
			e.logger.Debug("background task completed", "id", id, "name", name)
			return
		}

		e.logger.Warn("background task failed", "id", id, "name", name, "error", err)
		select {
		case e.failures <- TaskFailure{TaskID: id, Name: name, Err: err}:
		default:
		}
		if e.events != nil {
			e.events.Emit(bus.Event{
				Type:    bus.EventBackgroundFailed,
				Source:  "background",
				Payload: map[string]any{"task": name, "error": err.Error()},
			})
		}
	}()

	return id
}

// runIsolated converts a panic in fn into an error.
func runIsolated(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}

// Get returns a copy of the task's current state.
func (e *Executor) Get(id string) (Task, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	task, ok := e.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *task, true
}

// ListActive returns tasks that are still pending or running.
func (e *Executor) ListActive() []Task {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []Task
	for _, t := range e.tasks {
		if t.Status == TaskPending || t.Status == TaskRunning {
			out = append(out, *t)
		}
	}
	return out
}

// Clean removes terminal tasks older than maxAge and reports how many.
func (e *Executor) Clean(maxAge time.Duration) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for id, t := range e.tasks {
		if (t.Status == TaskComplete || t.Status == TaskFailed) && t.DoneAt.Before(cutoff) {
			delete(e.tasks, id)
			removed++
		}
	}
	return removed
}

// Wait blocks until all submitted tasks finished. Shutdown helper.
func (e *Executor) Wait() {
	e.wg.Wait()
}
