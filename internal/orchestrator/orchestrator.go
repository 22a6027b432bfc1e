// Package orchestrator drives confirmed browser tasks from creation to
// their terminal event: it records the task, runs it through the
// automation runner, persists every step, and fans live events out to
// subscribers. Tasks survive client disconnects; the terminal state is
// always recoverable from the store by polling.
package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/surfvoice/surfd/internal/browser"
	"github.com/surfvoice/surfd/internal/events"
	"github.com/surfvoice/surfd/internal/metrics"
	"github.com/surfvoice/surfd/internal/store"
)

// Observer receives a task's events as they are persisted. Used by the
// realtime bridge to narrate progress; delivery is synchronous with the
// event write so observers must not block.
type Observer func(ev store.TaskEvent)

// Orchestrator owns the lifecycle of browser tasks.
type Orchestrator struct {
	store  *store.Store
	runner browser.Runner
	hub    *events.Hub

	mu     sync.Mutex
	active map[string]struct{} // task ids with a live execution in this process
}

// New creates an orchestrator over the given store, runner, and event hub.
func New(st *store.Store, runner browser.Runner, hub *events.Hub) *Orchestrator {
	return &Orchestrator{
		store:  st,
		runner: runner,
		hub:    hub,
		active: make(map[string]struct{}),
	}
}

// Start records a confirmed task as running and launches its execution in
// the background. The returned task is already persisted; its terminal
// event arrives later through the store and the hub.
func (o *Orchestrator) Start(ctx context.Context, sessionID, prompt string, obs Observer) (*store.Task, error) {
	task, err := o.store.CreateTask(ctx, sessionID, prompt)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	o.active[task.ID] = struct{}{}
	o.mu.Unlock()

	// Detached from the request context: a dropped connection must not
	// cancel the task.
	go o.execute(context.Background(), task, obs)
	return task, nil
}

// IsActive reports whether a task has a live execution in this process.
// A running row without a live execution was orphaned by a restart.
func (o *Orchestrator) IsActive(taskID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.active[taskID]
	return ok
}

func (o *Orchestrator) execute(ctx context.Context, task *store.Task, obs Observer) {
	defer func() {
		o.mu.Lock()
		delete(o.active, task.ID)
		o.mu.Unlock()
	}()

	start := time.Now()
	var lastEventID int64
	steps := 0

	result, err := o.runner.Run(ctx, task.Prompt, func(ev browser.StepEvent) {
		steps++
		payload, merr := json.Marshal(ev)
		if merr != nil {
			slog.Warn("step payload marshal", "task_id", task.ID, "error", merr)
			return
		}
		stored, serr := o.store.AddTaskEvent(ctx, task.ID, store.EventStep, payload)
		if serr != nil {
			slog.Error("persist step event", "task_id", task.ID, "error", serr)
			metrics.Errors.WithLabelValues("orchestrator", "store").Inc()
			return
		}
		lastEventID = stored.ID
		o.deliver(*stored, obs)
	})

	if err != nil {
		slog.Error("task failed", "task_id", task.ID, "error", err)
		metrics.TasksTotal.WithLabelValues(store.TaskFailed).Inc()
		if serr := o.store.FinishTaskFailure(ctx, task.ID, err.Error()); serr != nil {
			slog.Error("finalize task failure", "task_id", task.ID, "error", serr)
			return
		}
	} else {
		// Screenshots become artifacts; the result payload stays lean so
		// the event log and LLM context never carry image data.
		screenshots := result.Screenshots
		result.Screenshots = nil
		payload, merr := json.Marshal(result)
		if merr != nil {
			payload = json.RawMessage(`{}`)
			slog.Warn("result payload marshal", "task_id", task.ID, "error", merr)
		}
		metrics.TasksTotal.WithLabelValues(store.TaskSucceeded).Inc()
		metrics.TaskSteps.Observe(float64(steps))
		if serr := o.store.FinishTaskSuccess(ctx, task.ID, payload, screenshots); serr != nil {
			slog.Error("finalize task success", "task_id", task.ID, "error", serr)
			return
		}
	}
	metrics.TaskDuration.Observe(time.Since(start).Seconds())

	// The terminal events were written inside the finalize transaction;
	// read them back so live subscribers see them too.
	terminal, lerr := o.store.ListTaskEvents(ctx, task.ID, lastEventID, 0)
	if lerr != nil {
		slog.Error("read terminal events", "task_id", task.ID, "error", lerr)
		return
	}
	for _, ev := range terminal {
		o.deliver(ev, obs)
	}
	slog.Info("task finished", "task_id", task.ID, "duration", time.Since(start), "steps", steps)
}

func (o *Orchestrator) deliver(ev store.TaskEvent, obs Observer) {
	o.hub.Publish(ev)
	if obs != nil {
		obs(ev)
	}
}

// Poll checks one running task during session resume. A task with no
// live execution was orphaned by a restart and is failed so it reaches a
// terminal state; a live one is left alone.
func (o *Orchestrator) Poll(ctx context.Context, task store.Task) {
	if o.IsActive(task.ID) {
		return
	}
	current, err := o.store.GetTask(ctx, task.ID)
	if err != nil || current == nil || current.Status != store.TaskRunning {
		return
	}
	slog.Warn("orphaned task found on resume", "task_id", task.ID, "session_id", task.SessionID)
	if err := o.store.FinishTaskFailure(ctx, task.ID, "interrupted by server restart"); err != nil {
		slog.Error("fail orphaned task", "task_id", task.ID, "error", err)
		return
	}
	metrics.TasksTotal.WithLabelValues(store.TaskFailed).Inc()
}

// Reap fails every running task in the store that has no live execution
// in this process. Called once at startup so tasks orphaned by a crash
// reach a terminal state instead of running forever on paper.
func (o *Orchestrator) Reap(ctx context.Context) error {
	sessions, err := o.store.ListSessions(ctx)
	if err != nil {
		return err
	}
	for _, sess := range sessions {
		tasks, err := o.store.ListRunningTasks(ctx, sess.ID)
		if err != nil {
			return err
		}
		for _, task := range tasks {
			if o.IsActive(task.ID) {
				continue
			}
			slog.Warn("reaping orphaned task", "task_id", task.ID, "session_id", task.SessionID)
			if err := o.store.FinishTaskFailure(ctx, task.ID, "interrupted by server restart"); err != nil {
				return err
			}
			metrics.TasksTotal.WithLabelValues(store.TaskFailed).Inc()
		}
	}
	return nil
}
