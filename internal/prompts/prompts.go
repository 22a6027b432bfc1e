// Package prompts holds the assistant system prompts and the task-prompt
// marker convention used to extract a proposed browser task from
// assistant replies.
package prompts

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ChatSystem instructs the text-path model to propose browser tasks via a
// trailing marker line instead of free-form prose.
const ChatSystem = "You are a helpful assistant. When the user wants you to perform a browser task, " +
	"ask for confirmation and end your response with a separate line starting with " +
	"TASK_PROMPT: followed by a short imperative task for a browser automation agent. " +
	"If no task should be run, do not include a TASK_PROMPT line."

// VoiceSystem instructs the realtime voice model. Tasks are proposed
// through the execute_browser_task tool rather than a text marker.
const VoiceSystem = "You are Surf, a helpful voice assistant that can browse the web for users.\n\n" +
	"CRITICAL INSTRUCTIONS:\n" +
	"You are multilingual. Follow the user's language.\n\n" +
	"When the user asks you to do something on the web (search, navigate, fill forms, etc.), " +
	"use the execute_browser_task function.\n\n" +
	"If you receive the browser agent's actions or thoughts, you can update the user about the progress. " +
	"Be patient with the browser agent, it may take some time to complete the task. " +
	"If the user asks about anything that is on the browser, only use information from the browser agent's thoughts and actions. " +
	"Be conversational, helpful, and proactive. Keep responses concise since this is a voice interface."

// TaskPromptMarkers are matched in order; the newline form wins so a
// marker embedded mid-sentence does not split the reply prematurely.
var TaskPromptMarkers = []string{"\nTASK_PROMPT:", "TASK_PROMPT:"}

// ParseTaskPrompt splits an assistant reply at the first task-prompt
// marker. Returns the visible reply and the extracted task, or the
// trimmed reply and "" when no marker is present.
func ParseTaskPrompt(text string) (assistant, taskPrompt string) {
	for _, marker := range TaskPromptMarkers {
		idx := strings.Index(text, marker)
		if idx == -1 {
			continue
		}
		assistant = strings.TrimRight(text[:idx], " \t\r\n")
		taskPrompt = strings.TrimSpace(text[idx+len(marker):])
		return assistant, taskPrompt
	}
	return strings.TrimSpace(text), ""
}

// TaskContext folds a finished browser task's outcome into a system
// context block so follow-up questions can reference what the agent did.
func TaskContext(status, prompt string, payload json.RawMessage) string {
	var b strings.Builder
	b.WriteString("--- LAST BROWSER TASK ---\n")
	fmt.Fprintf(&b, "Task: %s\nOutcome: %s\n", prompt, status)
	if len(payload) > 0 && string(payload) != "{}" {
		fmt.Fprintf(&b, "Result: %s\n", payload)
	}
	b.WriteString("--- END BROWSER TASK ---")
	return b.String()
}
