package browser

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Summarize turns a step observation into one short speakable sentence so
// the voice assistant can narrate progress without reading raw actions.
func Summarize(ev StepEvent) string {
	actionType, params := firstAction(ev)
	summary := describeAction(actionType, params)

	parts := []string{fmt.Sprintf("Step %d: %s", ev.Step, summary)}
	if ev.NextGoal != "" {
		parts = append(parts, "Goal: "+truncate(ev.NextGoal, 100))
	}
	return strings.Join(parts, ". ")
}

// Done reports whether the step carries the agent's terminal action.
func Done(ev StepEvent) bool {
	actionType, _ := firstAction(ev)
	return actionType == "done"
}

func firstAction(ev StepEvent) (string, map[string]json.RawMessage) {
	if len(ev.Actions) == 0 {
		return "unknown", nil
	}
	for key, raw := range ev.Actions[0] {
		var params map[string]json.RawMessage
		json.Unmarshal(raw, &params)
		return key, params
	}
	return "unknown", nil
}

func describeAction(actionType string, params map[string]json.RawMessage) string {
	switch actionType {
	case "go_to_url":
		return "Navigating to " + truncate(stringParam(params, "url", "the page"), 50)
	case "input_text":
		return "Typing into the text field"
	case "click":
		return "Clicking on an element"
	case "scroll":
		if boolParam(params, "down") {
			return "Scrolling down the page"
		}
		return "Scrolling up the page"
	case "done":
		return "Task complete: " + truncate(stringParam(params, "text", ""), 80)
	case "search_google":
		return "Searching Google for " + truncate(stringParam(params, "query", ""), 30)
	default:
		return "Performing " + actionType
	}
}

func stringParam(params map[string]json.RawMessage, key, fallback string) string {
	raw, ok := params[key]
	if !ok {
		return fallback
	}
	var s string
	if json.Unmarshal(raw, &s) != nil || s == "" {
		return fallback
	}
	return s
}

func boolParam(params map[string]json.RawMessage, key string) bool {
	raw, ok := params[key]
	if !ok {
		return false
	}
	var b bool
	json.Unmarshal(raw, &b)
	return b
}

// truncate cuts s to at most n characters on a rune boundary.
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
