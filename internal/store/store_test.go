package store

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"unicode/utf8"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOrderKeysStrictlyIncreasing(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sess, err := s.CreateSession(ctx)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	var last int64
	for i := 0; i < 5; i++ {
		key, err := s.NextOrderKey(ctx, sess.ID)
		if err != nil {
			t.Fatalf("next order key: %v", err)
		}
		if key <= last {
			t.Fatalf("key %d not greater than previous %d", key, last)
		}
		last = key
	}
	if last != 5 {
		t.Fatalf("expected 5 allocations to end at 5, got %d", last)
	}
}

func TestMessagesOrderedByKeyNotInsertionTime(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sess, _ := s.CreateSession(ctx)

	// Allocate keys up front, persist out of order. The voice path does
	// exactly this: keys at turn start, rows when transcripts finalize.
	k1, _ := s.NextOrderKey(ctx, sess.ID)
	k2, _ := s.NextOrderKey(ctx, sess.ID)
	if _, err := s.AddMessageWithOrder(ctx, sess.ID, "assistant", "second", k2); err != nil {
		t.Fatalf("add message: %v", err)
	}
	if _, err := s.AddMessageWithOrder(ctx, sess.ID, "user", "first", k1); err != nil {
		t.Fatalf("add message: %v", err)
	}

	messages, err := s.ListMessages(ctx, sess.ID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(messages))
	}
	if messages[0].Content != "first" || messages[1].Content != "second" {
		t.Fatalf("wrong order: %q then %q", messages[0].Content, messages[1].Content)
	}
}

func TestOrderKeyGapPreserved(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sess, _ := s.CreateSession(ctx)
	for i, key := range []int64{1, 2, 3, 5} {
		if _, err := s.AddMessageWithOrder(ctx, sess.ID, "user", string(rune('a'+i)), key); err != nil {
			t.Fatalf("add message %d: %v", key, err)
		}
	}

	messages, _ := s.ListMessages(ctx, sess.ID)
	got := make([]int64, len(messages))
	for i, m := range messages {
		got[i] = m.OrderKey
	}
	want := []int64{1, 2, 3, 5}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("keys: got %v want %v", got, want)
		}
	}
}

func TestTaskLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sess, _ := s.CreateSession(ctx)
	task, err := s.CreateTask(ctx, sess.ID, "find cats")
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if task.Status != TaskRunning {
		t.Fatalf("new task status %q", task.Status)
	}

	updated, _ := s.GetSession(ctx, sess.ID)
	if updated.Status != SessionTaskRunning {
		t.Fatalf("session status %q, want %q", updated.Status, SessionTaskRunning)
	}

	payload, _ := json.Marshal(map[string]string{"final_result": "found them"})
	if err := s.FinishTaskSuccess(ctx, task.ID, payload, []string{"shot1"}); err != nil {
		t.Fatalf("finish task: %v", err)
	}

	done, _ := s.GetTask(ctx, task.ID)
	if done.Status != TaskSucceeded {
		t.Fatalf("task status %q", done.Status)
	}
	if done.FinishedAt == nil {
		t.Fatal("finished_at not set")
	}

	updated, _ = s.GetSession(ctx, sess.ID)
	if updated.Status != SessionTaskCompleted {
		t.Fatalf("session status %q, want %q", updated.Status, SessionTaskCompleted)
	}

	// Terminal state cannot change again.
	if err := s.FinishTaskFailure(ctx, task.ID, "late failure"); err == nil {
		t.Fatal("expected error finishing a terminal task")
	}

	artifacts, _ := s.ListArtifacts(ctx, task.ID)
	if len(artifacts) != 1 || artifacts[0].Type != "screenshot" {
		t.Fatalf("artifacts: %+v", artifacts)
	}
}

func TestTerminalEventDurableAndOrdered(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sess, _ := s.CreateSession(ctx)
	task, _ := s.CreateTask(ctx, sess.ID, "do things")

	step, _ := json.Marshal(map[string]int{"step": 1})
	if _, err := s.AddTaskEvent(ctx, task.ID, EventStep, step); err != nil {
		t.Fatalf("add step event: %v", err)
	}
	if err := s.FinishTaskFailure(ctx, task.ID, "element not found"); err != nil {
		t.Fatalf("finish task: %v", err)
	}

	// Poll from scratch, as a reconnecting client would.
	evs, err := s.ListTaskEvents(ctx, task.ID, 0, 0)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	types := make([]string, len(evs))
	for i, ev := range evs {
		types[i] = ev.Type
	}
	want := []string{EventStatus, EventStep, EventError, EventStatus}
	if len(types) != len(want) {
		t.Fatalf("event types %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("event types %v, want %v", types, want)
		}
	}

	// Resume after the step event sees only the terminal pair.
	tail, _ := s.ListTaskEvents(ctx, task.ID, evs[1].ID, 0)
	if len(tail) != 2 {
		t.Fatalf("tail has %d events, want 2", len(tail))
	}
}

func TestLatestTaskResult(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sess, _ := s.CreateSession(ctx)
	if res, err := s.LatestTaskResult(ctx, sess.ID); err != nil || res != nil {
		t.Fatalf("expected no result yet, got %v err %v", res, err)
	}

	task, _ := s.CreateTask(ctx, sess.ID, "check weather")
	payload, _ := json.Marshal(map[string]string{"final_result": "sunny"})
	s.FinishTaskSuccess(ctx, task.ID, payload, nil)

	res, err := s.LatestTaskResult(ctx, sess.ID)
	if err != nil {
		t.Fatalf("latest result: %v", err)
	}
	if res == nil || res.TaskID != task.ID || res.Status != TaskSucceeded {
		t.Fatalf("unexpected result %+v", res)
	}
	var body struct {
		FinalResult string `json:"final_result"`
	}
	if err := json.Unmarshal(res.Payload, &body); err != nil || body.FinalResult != "sunny" {
		t.Fatalf("payload %s", res.Payload)
	}
}

func TestSessionTitleSetOnce(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sess, _ := s.CreateSession(ctx)
	long := "please find me the cheapest flight from boston to tokyo next month"
	s.SetSessionTitleIfEmpty(ctx, sess.ID, long)
	s.SetSessionTitleIfEmpty(ctx, sess.ID, "second message")

	got, _ := s.GetSession(ctx, sess.ID)
	if got.Title != long[:50] {
		t.Fatalf("title %q", got.Title)
	}
}

func TestSessionTitleTruncatesOnRuneBoundary(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sess, _ := s.CreateSession(ctx)
	long := strings.Repeat("ö", 60)
	s.SetSessionTitleIfEmpty(ctx, sess.ID, long)

	got, _ := s.GetSession(ctx, sess.ID)
	if !utf8.ValidString(got.Title) {
		t.Fatalf("title is not valid UTF-8: %q", got.Title)
	}
	if n := utf8.RuneCountInString(got.Title); n != 50 {
		t.Fatalf("title has %d runes, want 50", n)
	}
}

func TestDeleteSessionCascades(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sess, _ := s.CreateSession(ctx)
	s.AddMessage(ctx, sess.ID, "user", "hello")
	task, _ := s.CreateTask(ctx, sess.ID, "browse")
	s.FinishTaskFailure(ctx, task.ID, "nope")

	deleted, err := s.DeleteSession(ctx, sess.ID)
	if err != nil || !deleted {
		t.Fatalf("delete: %v %v", deleted, err)
	}

	if got, _ := s.GetTask(ctx, task.ID); got != nil {
		t.Fatal("task survived session delete")
	}
	if evs, _ := s.ListTaskEvents(ctx, task.ID, 0, 0); len(evs) != 0 {
		t.Fatalf("%d task events survived session delete", len(evs))
	}
}
