// Package store persists conversation state to SQLite: sessions, ordered
// messages, tasks, task events, and artifacts. Message order keys are
// allocated transactionally per session and are the sole authority for
// display and replay ordering.
package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // registers "sqlite3" driver
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Session lifecycle statuses.
const (
	SessionIdle                 = "idle"
	SessionAwaitingConfirmation = "awaiting_confirmation"
	SessionTaskRunning          = "task_running"
	SessionTaskCompleted        = "task_completed"
)

// Task lifecycle statuses. Transitions are one-directional: running ends
// in exactly one of succeeded or failed, and terminal rows never change.
const (
	TaskRunning   = "running"
	TaskSucceeded = "succeeded"
	TaskFailed    = "failed"
)

// Task event types.
const (
	EventStatus = "status"
	EventStep   = "step"
	EventResult = "result"
	EventError  = "error"
)

type Session struct {
	ID                string     `json:"id"`
	Title             string     `json:"title,omitempty"`
	Status            string     `json:"status"`
	PendingTaskPrompt string     `json:"pending_task_prompt,omitempty"`
	MessageCount      int        `json:"message_count"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	OrderKey  int64     `json:"order"`
	CreatedAt time.Time `json:"created_at"`
}

type Task struct {
	ID         string     `json:"id"`
	SessionID  string     `json:"session_id"`
	Status     string     `json:"status"`
	Prompt     string     `json:"prompt"`
	Error      string     `json:"error,omitempty"`
	AgreedAt   *time.Time `json:"agreed_at,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

type TaskEvent struct {
	ID        int64           `json:"id"`
	TaskID    string          `json:"task_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

type Artifact struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	Type      string    `json:"type"`
	Location  string    `json:"location,omitempty"`
	Data      string    `json:"data,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// TaskResult is the terminal outcome of a finished task, used to fold the
// last browser run into assistant context.
type TaskResult struct {
	TaskID  string          `json:"task_id"`
	Status  string          `json:"status"`
	Prompt  string          `json:"prompt"`
	Error   string          `json:"error,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// Store persists conversation state to SQLite.
type Store struct {
	db *sql.DB
}

// Open connects to the SQLite database at dsn and applies pending
// migrations. Use ":memory:" for tests.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store open: %w", err)
	}
	// One writer at a time; SQLite serializes concurrent writers itself
	// but the shared in-process handle avoids lock contention entirely.
	db.SetMaxOpenConns(1)
	if _, err = db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		db.Close()
		return nil, fmt.Errorf("store pragma: %w", err)
	}
	if err = migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("store migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`)
	if err != nil {
		return err
	}

	var current int
	row := db.QueryRow(`SELECT COALESCE(MAX(version), -1) FROM schema_version`)
	if err = row.Scan(&current); err != nil {
		return err
	}

	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	for i := current + 1; i < len(entries); i++ {
		data, readErr := migrationFS.ReadFile("migrations/" + entries[i].Name())
		if readErr != nil {
			return fmt.Errorf("read migration %d: %w", i, readErr)
		}
		if _, execErr := db.Exec(string(data)); execErr != nil {
			return fmt.Errorf("migration %d: %w", i, execErr)
		}
		if _, execErr := db.Exec(`INSERT INTO schema_version (version) VALUES (?)`, i); execErr != nil {
			return fmt.Errorf("migration %d record: %w", i, execErr)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateSession inserts a new idle session.
func (s *Store) CreateSession(ctx context.Context) (*Session, error) {
	now := time.Now().UTC()
	sess := &Session{
		ID:        uuid.NewString(),
		Status:    SessionIdle,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, status, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		sess.ID, sess.Status, sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// GetSession returns a session by id, or nil when not found.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	var sess Session
	var title, pending sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT s.id, s.title, s.status, s.pending_task_prompt, s.created_at, s.updated_at,
		       (SELECT COUNT(*) FROM messages m WHERE m.session_id = s.id)
		FROM sessions s WHERE s.id = ?`, id,
	).Scan(&sess.ID, &title, &sess.Status, &pending, &sess.CreatedAt, &sess.UpdatedAt, &sess.MessageCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sess.Title = title.String
	sess.PendingTaskPrompt = pending.String
	return &sess, nil
}

// ListSessions returns all sessions with message counts, newest activity first.
func (s *Store) ListSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.title, s.status, s.created_at, s.updated_at, COUNT(m.id)
		FROM sessions s
		LEFT JOIN messages m ON m.session_id = s.id
		GROUP BY s.id
		ORDER BY s.updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var sess Session
		var title sql.NullString
		if err = rows.Scan(&sess.ID, &title, &sess.Status, &sess.CreatedAt, &sess.UpdatedAt, &sess.MessageCount); err != nil {
			return nil, err
		}
		sess.Title = title.String
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// DeleteSession removes a session and all dependent rows. Reports whether
// a row was deleted.
func (s *Store) DeleteSession(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// SetSessionStatus updates a session's lifecycle status and pending task
// prompt (empty clears it).
func (s *Store) SetSessionStatus(ctx context.Context, id, status, pendingPrompt string) error {
	var pending any
	if pendingPrompt != "" {
		pending = pendingPrompt
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, pending_task_prompt = ?, updated_at = ? WHERE id = ?`,
		status, pending, time.Now().UTC(), id,
	)
	return err
}

// SetSessionTitleIfEmpty auto-titles a session from its first user message.
// Long titles are cut at 50 characters on a rune boundary.
func (s *Store) SetSessionTitleIfEmpty(ctx context.Context, id, title string) error {
	if runes := []rune(title); len(runes) > 50 {
		title = string(runes[:50])
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET title = ? WHERE id = ? AND (title IS NULL OR title = '')`,
		title, id,
	)
	return err
}

// NextOrderKey allocates the next order key for a session. Keys are
// strictly increasing, assigned once and never reused.
func (s *Store) NextOrderKey(ctx context.Context, sessionID string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE sessions SET next_order_key = next_order_key + 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), sessionID,
	)
	if err != nil {
		return 0, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, fmt.Errorf("session %s not found", sessionID)
	}

	var key int64
	if err = tx.QueryRowContext(ctx,
		`SELECT next_order_key FROM sessions WHERE id = ?`, sessionID,
	).Scan(&key); err != nil {
		return 0, err
	}
	return key, tx.Commit()
}

// AddMessage appends a message, allocating its order key in the same
// transaction so concurrent writers cannot interleave duplicate keys.
func (s *Store) AddMessage(ctx context.Context, sessionID, role, content string) (*Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if _, err = tx.ExecContext(ctx,
		`UPDATE sessions SET next_order_key = next_order_key + 1, updated_at = ? WHERE id = ?`,
		now, sessionID,
	); err != nil {
		return nil, err
	}

	var key int64
	if err = tx.QueryRowContext(ctx,
		`SELECT next_order_key FROM sessions WHERE id = ?`, sessionID,
	).Scan(&key); err != nil {
		return nil, err
	}

	msg := &Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		OrderKey:  key,
		CreatedAt: now,
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, role, content, order_key, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, msg.Role, msg.Content, msg.OrderKey, msg.CreatedAt,
	); err != nil {
		return nil, err
	}
	return msg, tx.Commit()
}

// AddMessageWithOrder appends a message under a previously allocated order
// key (the voice path allocates at turn start, before the transcript is
// final).
func (s *Store) AddMessageWithOrder(ctx context.Context, sessionID, role, content string, orderKey int64) (*Message, error) {
	msg := &Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		OrderKey:  orderKey,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, role, content, order_key, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, msg.Role, msg.Content, msg.OrderKey, msg.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// ListMessages returns a session's messages ordered by order key, never
// by timestamp, since voice-path and text-path rows may be persisted in a
// different wall-clock order than their logical conversational order.
func (s *Store) ListMessages(ctx context.Context, sessionID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, content, order_key, created_at
		 FROM messages WHERE session_id = ? ORDER BY order_key ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		if err = rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.OrderKey, &m.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// CreateTask records a confirmed task as running, marks its session
// task_running, clears the pending prompt, and writes the initial status
// event, all in one transaction.
func (s *Store) CreateTask(ctx context.Context, sessionID, prompt string) (*Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	task := &Task{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Status:    TaskRunning,
		Prompt:    prompt,
		AgreedAt:  &now,
		StartedAt: &now,
		CreatedAt: now,
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO tasks (id, session_id, status, prompt, agreed_at, started_at, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.SessionID, task.Status, task.Prompt, now, now, now,
	); err != nil {
		return nil, err
	}
	if _, err = tx.ExecContext(ctx,
		`UPDATE sessions SET status = ?, pending_task_prompt = NULL, updated_at = ? WHERE id = ?`,
		SessionTaskRunning, now, sessionID,
	); err != nil {
		return nil, err
	}
	if err = insertEvent(ctx, tx, task.ID, EventStatus, statusPayload(TaskRunning), now); err != nil {
		return nil, err
	}
	return task, tx.Commit()
}

// GetTask returns a task by id, or nil when not found.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	var t Task
	var errMsg sql.NullString
	var agreedAt, startedAt, finishedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, status, prompt, error, agreed_at, started_at, finished_at, created_at
		 FROM tasks WHERE id = ?`, id,
	).Scan(&t.ID, &t.SessionID, &t.Status, &t.Prompt, &errMsg, &agreedAt, &startedAt, &finishedAt, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t.Error = errMsg.String
	if agreedAt.Valid {
		t.AgreedAt = &agreedAt.Time
	}
	if startedAt.Valid {
		t.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		t.FinishedAt = &finishedAt.Time
	}
	return &t, nil
}

// ListRunningTasks returns a session's tasks whose terminal event has not
// arrived yet, used by resume to poll orphaned tasks.
func (s *Store) ListRunningTasks(ctx context.Context, sessionID string) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, status, prompt, created_at FROM tasks
		 WHERE session_id = ? AND status = ? ORDER BY created_at ASC`,
		sessionID, TaskRunning)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		var t Task
		if err = rows.Scan(&t.ID, &t.SessionID, &t.Status, &t.Prompt, &t.CreatedAt); err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// FinishTaskSuccess records a task's terminal success: result event,
// screenshot artifacts, final status event, task row update, and the
// session transition to task_completed atomically, so the terminal
// state is durably queryable even when no socket is attached.
func (s *Store) FinishTaskSuccess(ctx context.Context, taskID string, payload json.RawMessage, screenshots []string) error {
	return s.finishTask(ctx, taskID, TaskSucceeded, "", payload, screenshots)
}

// FinishTaskFailure records a task's terminal failure with a
// human-readable reason.
func (s *Store) FinishTaskFailure(ctx context.Context, taskID, errMsg string) error {
	payload, _ := json.Marshal(map[string]string{"message": errMsg})
	return s.finishTask(ctx, taskID, TaskFailed, errMsg, payload, nil)
}

func (s *Store) finishTask(ctx context.Context, taskID, status, errMsg string, payload json.RawMessage, screenshots []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	var sessionID, current string
	if err = tx.QueryRowContext(ctx,
		`SELECT session_id, status FROM tasks WHERE id = ?`, taskID,
	).Scan(&sessionID, &current); err != nil {
		return err
	}
	if current != TaskRunning {
		return fmt.Errorf("task %s already terminal (%s)", taskID, current)
	}

	var errVal any
	if errMsg != "" {
		errVal = errMsg
	}
	if _, err = tx.ExecContext(ctx,
		`UPDATE tasks SET status = ?, error = ?, finished_at = ? WHERE id = ?`,
		status, errVal, now, taskID,
	); err != nil {
		return err
	}

	terminal := EventResult
	if status == TaskFailed {
		terminal = EventError
	}
	if err = insertEvent(ctx, tx, taskID, terminal, payload, now); err != nil {
		return err
	}
	if err = insertEvent(ctx, tx, taskID, EventStatus, statusPayload(status), now); err != nil {
		return err
	}

	for _, shot := range screenshots {
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO artifacts (id, task_id, type, data, created_at) VALUES (?, ?, ?, ?, ?)`,
			uuid.NewString(), taskID, "screenshot", shot, now,
		); err != nil {
			return err
		}
	}

	if _, err = tx.ExecContext(ctx,
		`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`,
		SessionTaskCompleted, now, sessionID,
	); err != nil {
		return err
	}
	return tx.Commit()
}

// AddTaskEvent appends one observation to a task's event log.
func (s *Store) AddTaskEvent(ctx context.Context, taskID, eventType string, payload json.RawMessage) (*TaskEvent, error) {
	now := time.Now().UTC()
	if payload == nil {
		payload = json.RawMessage(`{}`)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO task_events (task_id, type, payload, created_at) VALUES (?, ?, ?, ?)`,
		taskID, eventType, string(payload), now,
	)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &TaskEvent{ID: id, TaskID: taskID, Type: eventType, Payload: payload, CreatedAt: now}, nil
}

// ListTaskEvents returns a task's events ordered by arrival, optionally
// resuming after a known event id.
func (s *Store) ListTaskEvents(ctx context.Context, taskID string, afterID int64, limit int) ([]TaskEvent, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, type, payload, created_at FROM task_events
		 WHERE task_id = ? AND id > ? ORDER BY id ASC LIMIT ?`,
		taskID, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []TaskEvent
	for rows.Next() {
		var ev TaskEvent
		var payload string
		if err = rows.Scan(&ev.ID, &ev.TaskID, &ev.Type, &payload, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.Payload = json.RawMessage(payload)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// ListArtifacts returns a task's artifacts in creation order.
func (s *Store) ListArtifacts(ctx context.Context, taskID string) ([]Artifact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, type, location, data, created_at FROM artifacts
		 WHERE task_id = ? ORDER BY created_at ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var artifacts []Artifact
	for rows.Next() {
		var a Artifact
		var location, data sql.NullString
		if err = rows.Scan(&a.ID, &a.TaskID, &a.Type, &location, &data, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Location = location.String
		a.Data = data.String
		artifacts = append(artifacts, a)
	}
	return artifacts, rows.Err()
}

// LatestTaskResult returns the terminal payload of the most recently
// finished task in a session, or nil if none has finished.
func (s *Store) LatestTaskResult(ctx context.Context, sessionID string) (*TaskResult, error) {
	var result TaskResult
	var errMsg sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, status, prompt, error FROM tasks
		 WHERE session_id = ? AND status IN (?, ?)
		 ORDER BY finished_at DESC LIMIT 1`,
		sessionID, TaskSucceeded, TaskFailed,
	).Scan(&result.TaskID, &result.Status, &result.Prompt, &errMsg)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	result.Error = errMsg.String

	var payload string
	err = s.db.QueryRowContext(ctx,
		`SELECT payload FROM task_events
		 WHERE task_id = ? AND type IN (?, ?) ORDER BY id DESC LIMIT 1`,
		result.TaskID, EventResult, EventError,
	).Scan(&payload)
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}
	if payload == "" {
		payload = "{}"
	}
	result.Payload = json.RawMessage(payload)
	return &result, nil
}

func insertEvent(ctx context.Context, tx *sql.Tx, taskID, eventType string, payload json.RawMessage, at time.Time) error {
	if payload == nil {
		payload = json.RawMessage(`{}`)
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO task_events (task_id, type, payload, created_at) VALUES (?, ?, ?, ?)`,
		taskID, eventType, string(payload), at)
	return err
}

func statusPayload(status string) json.RawMessage {
	payload, _ := json.Marshal(map[string]string{"status": status})
	return payload
}
