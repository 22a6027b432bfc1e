package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/surfvoice/surfd/internal/conversation"
	"github.com/surfvoice/surfd/internal/events"
	"github.com/surfvoice/surfd/internal/orchestrator"
	"github.com/surfvoice/surfd/internal/store"
)

// defaultEventLimit is how many task events are returned when the caller
// omits the ?limit= query parameter.
const defaultEventLimit = 200

type deps struct {
	store     *store.Store
	conv      *conversation.Service
	orch      *orchestrator.Orchestrator
	hub       *events.Hub
	wsHandler http.Handler
}

// registerRoutes wires all HTTP endpoints to the shared mux.
func registerRoutes(mux *http.ServeMux, d deps) {
	mux.Handle("GET /ws/session/{id}", d.wsHandler)
	mux.HandleFunc("/health", handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("POST /api/sessions", d.handleCreateSession)
	mux.HandleFunc("GET /api/sessions", d.handleListSessions)
	mux.HandleFunc("GET /api/sessions/{id}", d.handleGetSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", d.handleDeleteSession)
	mux.HandleFunc("POST /api/sessions/{id}/messages", d.handleSendMessage)
	mux.HandleFunc("POST /api/sessions/{id}/tasks", d.handleCreateTask)

	mux.HandleFunc("GET /api/tasks/{id}", d.handleGetTask)
	mux.HandleFunc("GET /api/tasks/{id}/events", d.handleTaskEvents)
	mux.HandleFunc("GET /api/tasks/{id}/events/stream", d.handleTaskEventStream)
	mux.HandleFunc("GET /api/tasks/{id}/artifacts", d.handleTaskArtifacts)
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (d deps) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	sess, err := d.store.CreateSession(r.Context())
	if err != nil {
		slog.Error("create session", "error", err)
		http.Error(w, "failed to create session", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (d deps) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := d.store.ListSessions(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if sessions == nil {
		sessions = []store.Session{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

// handleGetSession returns the session with its messages in order-key
// order. Reading a session is the resume path, so it also triggers the
// one-shot status poll for any orphaned task.
func (d deps) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := d.store.GetSession(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if sess == nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	messages, err := d.conv.Resume(r.Context(), id, d.orch)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if messages == nil {
		messages = []store.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": sess, "messages": messages})
}

func (d deps) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	deleted, err := d.store.DeleteSession(r.Context(), r.PathValue("id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !deleted {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (d deps) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Content == "" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	reply, err := d.conv.HandleUserMessage(r.Context(), r.PathValue("id"), req.Content)
	if err != nil {
		slog.Error("handle message", "session_id", r.PathValue("id"), "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

// handleCreateTask starts a task directly, outside the confirmation flow.
// 409 when one is already running; falls back to the session's pending
// prompt when the body omits one.
func (d deps) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := d.store.GetSession(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if sess == nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	if sess.Status == store.SessionTaskRunning {
		http.Error(w, "a task is already running", http.StatusConflict)
		return
	}

	var req struct {
		Prompt string `json:"prompt"`
	}
	json.NewDecoder(r.Body).Decode(&req)
	prompt := req.Prompt
	if prompt == "" {
		prompt = sess.PendingTaskPrompt
	}
	if prompt == "" {
		http.Error(w, "no task prompt", http.StatusBadRequest)
		return
	}

	task, err := d.orch.Start(r.Context(), id, prompt, nil)
	if err != nil {
		slog.Error("start task", "session_id", id, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (d deps) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := d.store.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if task == nil {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (d deps) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
	afterID := int64(queryInt(r, "after_id", 0))
	limit := queryInt(r, "limit", defaultEventLimit)
	evs, err := d.store.ListTaskEvents(r.Context(), r.PathValue("id"), afterID, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if evs == nil {
		evs = []store.TaskEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": evs})
}

// handleTaskEventStream serves live task events over SSE: stored events
// first (respecting ?after_id=), then hub deliveries until the terminal
// status event or client disconnect.
func (d deps) handleTaskEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	taskID := r.PathValue("id")
	task, err := d.store.GetTask(r.Context(), taskID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if task == nil {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	// Subscribe before replay so no event falls between the two.
	ch := d.hub.Subscribe(taskID)
	defer d.hub.Unsubscribe(taskID, ch)

	afterID := int64(queryInt(r, "after_id", 0))
	stored, err := d.store.ListTaskEvents(r.Context(), taskID, afterID, 0)
	if err != nil {
		slog.Error("replay task events", "task_id", taskID, "error", err)
		return
	}
	// The task may finalize between the status snapshot above and this
	// replay; the replayed log is then already complete, so the terminal
	// check must run on replayed events too or the stream never ends.
	lastID := afterID
	for _, ev := range stored {
		writeSSE(w, flusher, ev)
		lastID = ev.ID
		if terminalStatus(ev) {
			return
		}
	}
	if task.Status != store.TaskRunning {
		return
	}

	slog.Info("task stream client connected", "task_id", taskID, "remote", r.RemoteAddr)
	for {
		select {
		case <-r.Context().Done():
			slog.Info("task stream client disconnected", "task_id", taskID)
			return
		case ev, open := <-ch:
			if !open {
				return
			}
			if ev.ID <= lastID {
				continue
			}
			writeSSE(w, flusher, ev)
			if terminalStatus(ev) {
				return
			}
		}
	}
}

func (d deps) handleTaskArtifacts(w http.ResponseWriter, r *http.Request) {
	artifacts, err := d.store.ListArtifacts(r.Context(), r.PathValue("id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if artifacts == nil {
		artifacts = []store.Artifact{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"artifacts": artifacts})
}

func terminalStatus(ev store.TaskEvent) bool {
	if ev.Type != store.EventStatus {
		return false
	}
	var payload struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		return false
	}
	return payload.Status == store.TaskSucceeded || payload.Status == store.TaskFailed
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, ev store.TaskEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
