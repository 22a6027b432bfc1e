package browser

import (
	"encoding/json"
	"strings"
	"testing"
	"unicode/utf8"
)

func step(stepNum int, actionKey string, params map[string]any) StepEvent {
	raw, _ := json.Marshal(params)
	return StepEvent{
		Step:    stepNum,
		Actions: []map[string]json.RawMessage{{actionKey: raw}},
	}
}

func TestSummarize(t *testing.T) {
	tests := []struct {
		name string
		ev   StepEvent
		want string
	}{
		{
			"navigation",
			step(1, "go_to_url", map[string]any{"url": "https://example.com"}),
			"Step 1: Navigating to https://example.com",
		},
		{
			"typing",
			step(2, "input_text", map[string]any{"text": "cats"}),
			"Step 2: Typing into the text field",
		},
		{
			"click",
			step(3, "click", map[string]any{"index": 7}),
			"Step 3: Clicking on an element",
		},
		{
			"scroll down",
			step(4, "scroll", map[string]any{"down": true}),
			"Step 4: Scrolling down the page",
		},
		{
			"scroll up",
			step(5, "scroll", map[string]any{"down": false}),
			"Step 5: Scrolling up the page",
		},
		{
			"search",
			step(6, "search_google", map[string]any{"query": "weather tomorrow"}),
			"Step 6: Searching Google for weather tomorrow",
		},
		{
			"done",
			step(7, "done", map[string]any{"text": "Found the answer"}),
			"Step 7: Task complete: Found the answer",
		},
		{
			"unknown action",
			step(8, "drag_and_drop", map[string]any{}),
			"Step 8: Performing drag_and_drop",
		},
		{
			"no actions",
			StepEvent{Step: 9},
			"Step 9: Performing unknown",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Summarize(tt.ev); got != tt.want {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSummarizeIncludesGoal(t *testing.T) {
	ev := step(1, "click", nil)
	ev.NextGoal = "open the login form"
	want := "Step 1: Clicking on an element. Goal: open the login form"
	if got := Summarize(ev); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestSummarizeTruncatesOnRuneBoundary(t *testing.T) {
	ev := step(1, "search_google", map[string]any{"query": strings.Repeat("ü", 40)})
	got := Summarize(ev)
	if !utf8.ValidString(got) {
		t.Fatalf("summary is not valid UTF-8: %q", got)
	}
	want := "Step 1: Searching Google for " + strings.Repeat("ü", 30)
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestDone(t *testing.T) {
	if !Done(step(1, "done", map[string]any{"text": "x"})) {
		t.Fatal("done step not detected")
	}
	if Done(step(1, "click", nil)) {
		t.Fatal("click misdetected as done")
	}
	if Done(StepEvent{}) {
		t.Fatal("empty step misdetected as done")
	}
}
