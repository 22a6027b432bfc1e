package main

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/surfvoice/surfd/internal/events"
	"github.com/surfvoice/surfd/internal/store"
)

func newStreamFixture(t *testing.T) (deps, *store.Store, *store.Task) {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	sess, err := st.CreateSession(ctx)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	task, err := st.CreateTask(ctx, sess.ID, "check the weather")
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return deps{store: st, hub: events.NewHub()}, st, task
}

func streamTaskEvents(t *testing.T, d deps, taskID string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("GET", "/api/tasks/"+taskID+"/events/stream", nil)
	req.SetPathValue("id", taskID)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		d.handleTaskEventStream(rec, req)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("event stream did not end")
	}
	return rec
}

// A task can finalize between the handler's status snapshot and its
// replay of stored events. The stream must still end once the replayed
// log carries the terminal status event.
func TestTaskEventStreamEndsOnReplayedTerminal(t *testing.T) {
	d, st, task := newStreamFixture(t)

	payload, _ := json.Marshal(map[string]string{"status": store.TaskSucceeded})
	if _, err := st.AddTaskEvent(context.Background(), task.ID, store.EventStatus, payload); err != nil {
		t.Fatalf("add terminal event: %v", err)
	}

	rec := streamTaskEvents(t, d, task.ID)
	if !strings.Contains(rec.Body.String(), store.TaskSucceeded) {
		t.Fatalf("terminal event not replayed: %s", rec.Body.String())
	}
}

func TestTaskEventStreamReplaysFinishedTask(t *testing.T) {
	d, st, task := newStreamFixture(t)

	if err := st.FinishTaskFailure(context.Background(), task.ID, "element not found"); err != nil {
		t.Fatalf("finish task: %v", err)
	}

	rec := streamTaskEvents(t, d, task.ID)
	body := rec.Body.String()
	if !strings.Contains(body, "element not found") || !strings.Contains(body, store.TaskFailed) {
		t.Fatalf("finished task replay incomplete: %s", body)
	}
}
