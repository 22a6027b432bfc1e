// Package conversation implements the text-path turn flow: persist the
// user message, detect confirmations and denials of a pending browser
// task, otherwise generate an assistant reply and extract any proposed
// task from it.
package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/surfvoice/surfd/internal/llm"
	"github.com/surfvoice/surfd/internal/prompts"
	"github.com/surfvoice/surfd/internal/store"
)

var confirmWords = map[string]bool{
	"yes": true, "y": true, "confirm": true, "confirmed": true,
	"ok": true, "okay": true, "sure": true, "do it": true,
	"run it": true, "go ahead": true, "proceed": true,
}

var denyWords = map[string]bool{
	"no": true, "nope": true, "cancel": true, "stop": true,
	"never mind": true, "nevermind": true,
}

const llmFailureReply = "I ran into an error generating a response. Please try again."

// TaskStarter launches a confirmed browser task.
type TaskStarter interface {
	Start(ctx context.Context, sessionID, prompt string) (*store.Task, error)
}

// TaskPoller checks on a task whose terminal event never arrived.
type TaskPoller interface {
	Poll(ctx context.Context, task store.Task)
}

// Reply is the outcome of one user turn.
type Reply struct {
	Message *store.Message `json:"assistant_message"`
	TaskID  string         `json:"task_id,omitempty"`
}

// Service handles text-path conversation turns for sessions.
type Service struct {
	store   *store.Store
	replier llm.Replier
	tasks   TaskStarter
}

// NewService creates a conversation service.
func NewService(st *store.Store, replier llm.Replier, tasks TaskStarter) *Service {
	return &Service{store: st, replier: replier, tasks: tasks}
}

// HandleUserMessage runs one turn: store the user message, handle a
// pending confirmation if any, otherwise ask the model and move the
// session to awaiting_confirmation when the reply proposes a task.
func (s *Service) HandleUserMessage(ctx context.Context, sessionID, content string) (*Reply, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, fmt.Errorf("session %s not found", sessionID)
	}

	if _, err = s.store.AddMessage(ctx, sessionID, "user", content); err != nil {
		return nil, err
	}
	if err = s.store.SetSessionTitleIfEmpty(ctx, sessionID, content); err != nil {
		slog.Warn("set session title", "session_id", sessionID, "error", err)
	}

	if reply, handled, err := s.maybeHandleConfirmation(ctx, sess, content); handled || err != nil {
		return reply, err
	}

	history, err := s.store.ListMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	text, err := s.replier.Reply(ctx, s.systemPrompt(ctx, sessionID), history, nil)
	if err != nil {
		slog.Error("assistant reply", "session_id", sessionID, "error", err)
		text = llmFailureReply
	}
	assistant, taskPrompt := prompts.ParseTaskPrompt(text)

	if taskPrompt != "" {
		err = s.store.SetSessionStatus(ctx, sessionID, store.SessionAwaitingConfirmation, taskPrompt)
	} else {
		err = s.store.SetSessionStatus(ctx, sessionID, store.SessionIdle, "")
	}
	if err != nil {
		return nil, err
	}

	msg, err := s.store.AddMessage(ctx, sessionID, "assistant", assistant)
	if err != nil {
		return nil, err
	}
	return &Reply{Message: msg}, nil
}

// maybeHandleConfirmation intercepts the turn when the session is busy or
// waiting on a yes/no. Returns handled=false when the normal reply path
// should run.
func (s *Service) maybeHandleConfirmation(ctx context.Context, sess *store.Session, content string) (*Reply, bool, error) {
	switch {
	case sess.Status == store.SessionTaskRunning:
		msg, err := s.store.AddMessage(ctx, sess.ID, "assistant",
			"A task is already running. Please wait for it to finish.")
		if err != nil {
			return nil, true, err
		}
		return &Reply{Message: msg}, true, nil

	case sess.Status == store.SessionAwaitingConfirmation && isDenial(content):
		if err := s.store.SetSessionStatus(ctx, sess.ID, store.SessionIdle, ""); err != nil {
			return nil, true, err
		}
		msg, err := s.store.AddMessage(ctx, sess.ID, "assistant",
			"Okay, canceled. Tell me what you'd like to do next.")
		if err != nil {
			return nil, true, err
		}
		return &Reply{Message: msg}, true, nil

	case sess.Status == store.SessionAwaitingConfirmation && isConfirmation(content):
		prompt := sess.PendingTaskPrompt
		if prompt == "" {
			prompt = content
		}
		task, err := s.tasks.Start(ctx, sess.ID, prompt)
		if err != nil {
			return nil, true, err
		}
		msg, err := s.store.AddMessage(ctx, sess.ID, "assistant", "Starting the task: "+prompt)
		if err != nil {
			return nil, true, err
		}
		return &Reply{Message: msg, TaskID: task.ID}, true, nil
	}
	return nil, false, nil
}

// Resume reconstructs a session for display: messages in order-key order,
// plus exactly one status poll for each task whose terminal event never
// arrived.
func (s *Service) Resume(ctx context.Context, sessionID string, poller TaskPoller) ([]store.Message, error) {
	messages, err := s.store.ListMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	orphans, err := s.store.ListRunningTasks(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if poller != nil {
		for _, task := range orphans {
			poller.Poll(ctx, task)
		}
	}
	return messages, nil
}

// systemPrompt folds the last finished task's outcome into the base
// prompt so the assistant can answer questions about what the browser did.
func (s *Service) systemPrompt(ctx context.Context, sessionID string) string {
	system := prompts.ChatSystem
	result, err := s.store.LatestTaskResult(ctx, sessionID)
	if err != nil {
		slog.Warn("latest task result", "session_id", sessionID, "error", err)
		return system
	}
	if result != nil {
		system += "\n\n" + prompts.TaskContext(result.Status, result.Prompt, result.Payload)
	}
	return system
}

func isConfirmation(text string) bool { return confirmWords[normalize(text)] }

func isDenial(text string) bool { return denyWords[normalize(text)] }

func normalize(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}
