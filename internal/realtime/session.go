// Package realtime bridges one client session channel to the upstream
// realtime voice API over a second WebSocket. It forwards audio both
// ways, assigns durable order keys to turns as they start, persists
// finalized transcripts, and turns upstream tool calls into browser
// tasks whose progress is narrated back through the model.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/surfvoice/surfd/internal/browser"
	"github.com/surfvoice/surfd/internal/metrics"
	"github.com/surfvoice/surfd/internal/orchestrator"
	"github.com/surfvoice/surfd/internal/prompts"
	"github.com/surfvoice/surfd/internal/store"
	"github.com/surfvoice/surfd/internal/wire"
)

// UpstreamDialer opens the connection to the realtime voice API.
type UpstreamDialer interface {
	Dial(ctx context.Context) (*websocket.Conn, error)
}

// OpenAIDialer dials the OpenAI Realtime API.
type OpenAIDialer struct {
	URL    string
	APIKey string
}

func (d *OpenAIDialer) Dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+d.APIKey)
	header.Set("OpenAI-Beta", "realtime=v1")
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, d.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("realtime dial status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("realtime dial: %w", err)
	}
	return conn, nil
}

// TaskStarter launches a browser task with a live event observer.
type TaskStarter interface {
	Start(ctx context.Context, sessionID, prompt string, obs orchestrator.Observer) (*store.Task, error)
}

// Session is one live bridge between a client socket and the upstream
// voice API for a single conversation session.
type Session struct {
	sessionID string
	voice     string
	store     *store.Store
	tasks     TaskStarter

	client   *websocket.Conn
	upstream *websocket.Conn

	clientMu   sync.Mutex
	upstreamMu sync.Mutex

	// Order keys are allocated when a turn starts, before its transcript
	// is final, and correlated back by item or response id.
	mu              sync.Mutex
	pendingInput    map[string]int64
	pendingResponse map[string]int64
}

// NewSession creates a bridge for the given client connection. voice
// selects the assistant voice, "" for the default. Run dials upstream and
// pumps until either side closes.
func NewSession(sessionID, voice string, client *websocket.Conn, st *store.Store, tasks TaskStarter) *Session {
	return &Session{
		sessionID:       sessionID,
		voice:           voice,
		store:           st,
		tasks:           tasks,
		client:          client,
		pendingInput:    make(map[string]int64),
		pendingResponse: make(map[string]int64),
	}
}

// Run dials the upstream API and pumps both directions until one side
// closes or ctx is canceled.
func (s *Session) Run(ctx context.Context, dialer UpstreamDialer) error {
	upstream, err := dialer.Dial(ctx)
	if err != nil {
		s.sendClient(wire.Message{Type: wire.TypeError, ErrMessage: "Connection error: " + err.Error()})
		return err
	}
	s.upstream = upstream
	defer upstream.Close()

	slog.Info("realtime session connected", "session_id", s.sessionID)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		upstream.Close()
		s.client.Close()
		return nil
	})
	g.Go(func() error { return s.upstreamLoop(ctx) })
	g.Go(func() error { return s.clientLoop(ctx) })

	err = g.Wait()
	slog.Info("realtime session ended", "session_id", s.sessionID)
	return err
}

func (s *Session) upstreamLoop(ctx context.Context) error {
	for {
		_, data, err := s.upstream.ReadMessage()
		if err != nil {
			return fmt.Errorf("upstream read: %w", err)
		}
		var ev upstreamEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			slog.Warn("invalid upstream frame", "error", err)
			continue
		}
		if err := s.handleUpstream(ctx, ev); err != nil {
			return err
		}
	}
}

func (s *Session) handleUpstream(ctx context.Context, ev upstreamEvent) error {
	switch ev.Type {
	case "session.created":
		return s.sendUpstream(s.sessionConfig())

	case "session.updated":
		s.sendClient(wire.Message{Type: wire.TypeReady})

	case "conversation.item.created":
		// The API echoes an item.created for every item, including the
		// input_text items this bridge injects itself (typed turns already
		// hold their key, browser updates get none). Only spoken turns,
		// arriving as input_audio, claim a key here.
		if ev.Item != nil && ev.Item.Type == "message" && ev.Item.Role == "user" && !selfInjected(ev.Item) {
			order, err := s.store.NextOrderKey(ctx, s.sessionID)
			if err != nil {
				slog.Error("allocate input order", "session_id", s.sessionID, "error", err)
				return nil
			}
			s.mu.Lock()
			s.pendingInput[ev.Item.ID] = order
			s.mu.Unlock()
		}

	case "response.created":
		if ev.Response != nil {
			order, err := s.store.NextOrderKey(ctx, s.sessionID)
			if err != nil {
				slog.Error("allocate response order", "session_id", s.sessionID, "error", err)
				return nil
			}
			s.mu.Lock()
			s.pendingResponse[ev.Response.ID] = order
			s.mu.Unlock()
		}

	case "response.audio.delta":
		metrics.AudioFramesOut.Inc()
		s.sendClient(wire.Message{Type: wire.TypeAudio, Data: ev.Delta})

	case "conversation.item.input_audio_transcription.completed":
		if ev.Transcript == "" {
			return nil
		}
		order := s.takeOrder(ctx, s.pendingInput, ev.ItemID)
		s.persistTranscript(ctx, "user", ev.Transcript, order)
		s.sendClient(wire.Message{Type: wire.TypeUserTranscript, Text: ev.Transcript, Order: order})

	case "response.audio_transcript.delta":
		s.sendClient(wire.Message{Type: wire.TypeAssistantTranscriptDelta, Text: ev.Delta})

	case "response.audio_transcript.done":
		order := s.takeOrder(ctx, s.pendingResponse, ev.ResponseID)
		s.persistTranscript(ctx, "assistant", ev.Transcript, order)
		s.sendClient(wire.Message{Type: wire.TypeAssistantTranscriptDone, Text: ev.Transcript, Order: order})

	case "response.function_call_arguments.done":
		s.handleFunctionCall(ctx, ev)

	case "response.done":
		s.sendClient(wire.Message{Type: wire.TypeResponseDone})

	case "error":
		msg := "Unknown error"
		if ev.Error != nil && ev.Error.Message != "" {
			msg = ev.Error.Message
		}
		slog.Error("upstream realtime error", "session_id", s.sessionID, "message", msg)
		s.sendClient(wire.Message{Type: wire.TypeError, ErrMessage: msg})
	}
	return nil
}

func (s *Session) clientLoop(ctx context.Context) error {
	for {
		_, data, err := s.client.ReadMessage()
		if err != nil {
			return fmt.Errorf("client read: %w", err)
		}
		ev, err := wire.Decode(data)
		if err != nil {
			slog.Warn("dropping client frame", "session_id", s.sessionID, "error", err)
			continue
		}
		switch msg := ev.(type) {
		case wire.Audio:
			if msg.Data == "" {
				continue
			}
			metrics.AudioFramesIn.Inc()
			if err := s.sendUpstream(map[string]any{
				"type":  "input_audio_buffer.append",
				"audio": msg.Data,
			}); err != nil {
				return err
			}

		case wire.TextTurn:
			s.handleTextTurn(ctx, msg.Content)

		case wire.TaskResultReply:
			if msg.CallID == "" {
				continue
			}
			if err := s.sendFunctionOutput(msg.CallID, msg.Result); err != nil {
				return err
			}

		default:
			slog.Warn("unexpected client frame", "session_id", s.sessionID, "type", fmt.Sprintf("%T", ev))
		}
	}
}

// handleTextTurn confirms a typed message with its definitive order key
// and injects it upstream so the model answers it like speech.
func (s *Session) handleTextTurn(ctx context.Context, content string) {
	if content == "" {
		return
	}
	order, err := s.store.NextOrderKey(ctx, s.sessionID)
	if err != nil {
		slog.Error("allocate text order", "session_id", s.sessionID, "error", err)
		s.sendClient(wire.Message{Type: wire.TypeError, ErrMessage: "failed to record message"})
		return
	}
	s.persistTranscript(ctx, "user", content, order)
	if err := s.store.SetSessionTitleIfEmpty(ctx, s.sessionID, content); err != nil {
		slog.Warn("set session title", "session_id", s.sessionID, "error", err)
	}
	s.sendClient(wire.Message{Type: wire.TypeTextConfirmed, Text: content, Order: order})

	if err := s.sendUpstream(map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type": "message",
			"role": "user",
			"content": []map[string]any{
				{"type": "input_text", "text": content},
			},
		},
	}); err != nil {
		slog.Error("forward text turn", "session_id", s.sessionID, "error", err)
		return
	}
	if err := s.sendUpstream(map[string]any{"type": "response.create"}); err != nil {
		slog.Error("trigger response", "session_id", s.sessionID, "error", err)
	}
}

// handleFunctionCall turns an execute_browser_task call into a running
// task, tells the client via task_requested, and acknowledges the call so
// the model keeps talking while the browser works.
func (s *Session) handleFunctionCall(ctx context.Context, ev upstreamEvent) {
	if ev.Name != "execute_browser_task" {
		slog.Warn("unknown function call", "session_id", s.sessionID, "name", ev.Name)
		if err := s.sendFunctionOutput(ev.CallID, "Error: Unknown function"); err != nil {
			slog.Error("reject function call", "session_id", s.sessionID, "error", err)
		}
		return
	}

	var args struct {
		Task string `json:"task"`
	}
	if err := json.Unmarshal([]byte(ev.Arguments), &args); err != nil || args.Task == "" {
		slog.Error("bad function arguments", "session_id", s.sessionID, "arguments", ev.Arguments)
		if err := s.sendFunctionOutput(ev.CallID, "Error: No task prompt provided"); err != nil {
			slog.Error("reject function call", "session_id", s.sessionID, "error", err)
		}
		return
	}

	task, err := s.tasks.Start(ctx, s.sessionID, args.Task, s.observeTask)
	if err != nil {
		slog.Error("start browser task", "session_id", s.sessionID, "error", err)
		if serr := s.sendFunctionOutput(ev.CallID, "Error: failed to start task: "+err.Error()); serr != nil {
			slog.Error("reject function call", "session_id", s.sessionID, "error", serr)
		}
		return
	}
	slog.Info("browser task started", "session_id", s.sessionID, "task_id", task.ID, "call_id", ev.CallID)

	s.sendClient(wire.Message{Type: wire.TypeTaskRequested, TaskPrompt: args.Task, CallID: ev.CallID})

	ack := fmt.Sprintf("I have started the browser task: %s. I will let you know when it is finished.", args.Task)
	if err := s.sendFunctionOutput(ev.CallID, ack); err != nil {
		slog.Error("ack function call", "session_id", s.sessionID, "error", err)
	}
}

// observeTask narrates task progress back into the model as user-context
// messages so the assistant can speak about what the browser is doing.
func (s *Session) observeTask(ev store.TaskEvent) {
	switch ev.Type {
	case store.EventStep:
		var step browser.StepEvent
		if err := json.Unmarshal(ev.Payload, &step); err != nil {
			return
		}
		s.injectUpdate(browser.Summarize(step), browser.Done(step))

	case store.EventError:
		var fail struct {
			Message string `json:"message"`
		}
		json.Unmarshal(ev.Payload, &fail)
		s.injectUpdate("The browser task failed: "+fail.Message, true)
	}
}

func (s *Session) injectUpdate(text string, respond bool) {
	err := s.sendUpstream(map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type": "message",
			"role": "user",
			"content": []map[string]any{
				{"type": "input_text", "text": "[BROWSER UPDATE] " + text},
			},
		},
	})
	if err != nil {
		slog.Warn("inject browser update", "session_id", s.sessionID, "error", err)
		return
	}
	if respond {
		if err := s.sendUpstream(map[string]any{"type": "response.create"}); err != nil {
			slog.Warn("trigger update response", "session_id", s.sessionID, "error", err)
		}
	}
}

func (s *Session) sendFunctionOutput(callID, output string) error {
	if err := s.sendUpstream(map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type":    "function_call_output",
			"call_id": callID,
			"output":  output,
		},
	}); err != nil {
		return err
	}
	return s.sendUpstream(map[string]any{"type": "response.create"})
}

// takeOrder resolves the order key allocated when the turn started,
// falling back to a fresh key if the start event was never seen.
func (s *Session) takeOrder(ctx context.Context, pending map[string]int64, id string) int64 {
	s.mu.Lock()
	order, ok := pending[id]
	if ok {
		delete(pending, id)
	}
	s.mu.Unlock()
	if ok {
		return order
	}
	order, err := s.store.NextOrderKey(ctx, s.sessionID)
	if err != nil {
		slog.Error("allocate fallback order", "session_id", s.sessionID, "error", err)
		return 0
	}
	return order
}

func (s *Session) persistTranscript(ctx context.Context, role, text string, order int64) {
	if _, err := s.store.AddMessageWithOrder(ctx, s.sessionID, role, text, order); err != nil {
		slog.Error("persist transcript", "session_id", s.sessionID, "role", role, "error", err)
	}
}

func (s *Session) sendClient(msg wire.Message) {
	data, err := wire.Encode(msg)
	if err != nil {
		return
	}
	s.clientMu.Lock()
	defer s.clientMu.Unlock()
	if err := s.client.WriteMessage(websocket.TextMessage, data); err != nil {
		slog.Warn("write client frame", "session_id", s.sessionID, "error", err)
	}
}

func (s *Session) sendUpstream(v any) error {
	s.upstreamMu.Lock()
	defer s.upstreamMu.Unlock()
	return s.upstream.WriteJSON(v)
}

func (s *Session) sessionConfig() map[string]any {
	voice := s.voice
	if voice == "" {
		voice = "alloy"
	}
	return map[string]any{
		"type": "session.update",
		"session": map[string]any{
			"modalities":          []string{"text", "audio"},
			"instructions":        prompts.VoiceSystem,
			"voice":               voice,
			"input_audio_format":  "pcm16",
			"output_audio_format": "pcm16",
			"input_audio_transcription": map[string]any{
				"model":    "whisper-1",
				"language": "en",
			},
			"turn_detection": map[string]any{
				"type":                "server_vad",
				"threshold":           0.5,
				"prefix_padding_ms":   300,
				"silence_duration_ms": 700,
			},
			"tools": []map[string]any{
				{
					"type":        "function",
					"name":        "execute_browser_task",
					"description": "Execute a task in the web browser. Use this when the user wants to search, navigate, click, fill forms, or interact with websites.",
					"parameters": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"task": map[string]any{
								"type":        "string",
								"description": "Detailed description of what to do in the browser",
							},
						},
						"required": []string{"task"},
					},
				},
			},
			"tool_choice": "auto",
		},
	}
}

// upstreamEvent is the flat envelope of realtime API frames the bridge
// cares about; unknown types pass through unhandled.
type upstreamEvent struct {
	Type       string         `json:"type"`
	Delta      string         `json:"delta,omitempty"`
	Transcript string         `json:"transcript,omitempty"`
	ItemID     string         `json:"item_id,omitempty"`
	ResponseID string         `json:"response_id,omitempty"`
	Name       string         `json:"name,omitempty"`
	CallID     string         `json:"call_id,omitempty"`
	Arguments  string         `json:"arguments,omitempty"`
	Item       *upstreamItem  `json:"item,omitempty"`
	Response   *upstreamRef   `json:"response,omitempty"`
	Error      *upstreamError `json:"error,omitempty"`
}

type upstreamItem struct {
	ID      string            `json:"id"`
	Type    string            `json:"type"`
	Role    string            `json:"role"`
	Content []upstreamContent `json:"content,omitempty"`
}

type upstreamContent struct {
	Type string `json:"type"`
}

// selfInjected reports whether a user item originated from this bridge's
// own conversation.item.create rather than from speech.
func selfInjected(item *upstreamItem) bool {
	for _, c := range item.Content {
		if c.Type == "input_text" {
			return true
		}
	}
	return false
}

type upstreamRef struct {
	ID string `json:"id"`
}

type upstreamError struct {
	Message string `json:"message"`
}
