// Package channel is the client side of the session channel: one logical
// connection per conversation session, shared process-wide through a
// reference-counted manager. Outbound sends are serialized; inbound
// frames are demultiplexed to typed callbacks.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/surfvoice/surfd/internal/wire"
)

// ErrSuperseded is returned from a connect that lost to a session switch
// while its dial was in flight.
var ErrSuperseded = errors.New("connection superseded by session switch")

// Callbacks receive demultiplexed inbound events. Transcript callbacks
// fire only for finalized segments; partial deltas are not surfaced.
// All callbacks run on the read loop goroutine and must not block.
type Callbacks struct {
	OnReady               func()
	OnAudio               func(pcm16Base64 string)
	OnUserTranscript      func(text string, order int64)
	OnAssistantTranscript func(text string, order int64)
	OnTextConfirmed       func(text string, order int64)
	OnTaskRequested       func(taskPrompt, callID string)
	OnResponseDone        func()
	OnError               func(message string)
	OnClosed              func()
}

// dialWait lets concurrent connect calls for the same session share one
// in-flight dial.
type dialWait struct {
	done chan struct{}
	err  error
}

// Manager owns the process's single channel connection. Exactly one
// transport exists per session id no matter how many consumers call
// Connect; consumers share the lifecycle through reference counting.
type Manager struct {
	baseURL string
	dialer  *websocket.Dialer
	cb      Callbacks

	mu        sync.Mutex
	sessionID string
	conn      *websocket.Conn
	refs      int
	pending   *dialWait

	writeMu sync.Mutex
}

// NewManager creates a manager dialing baseURL + sessionID, e.g.
// "ws://localhost:8080/ws/session/".
func NewManager(baseURL string, cb Callbacks) *Manager {
	return &Manager{
		baseURL: baseURL,
		dialer:  websocket.DefaultDialer,
		cb:      cb,
	}
}

// Connect attaches a consumer to the session's connection, dialing if
// needed. Concurrent calls for the same session share one dial and all
// return once it resolves. Connecting to a different session closes the
// current connection first. There is no automatic reconnection; a dropped
// connection stays down until the next explicit Connect.
//
// voice selects the assistant voice for a fresh dial; it is ignored when
// attaching to an already-open or in-flight connection, and "" keeps the
// server default.
func (m *Manager) Connect(ctx context.Context, sessionID, voice string) error {
	m.mu.Lock()

	if m.conn != nil && m.sessionID == sessionID {
		m.refs++
		m.mu.Unlock()
		return nil
	}

	if m.pending != nil && m.sessionID == sessionID {
		w := m.pending
		m.mu.Unlock()
		return m.joinDial(ctx, sessionID, w)
	}

	// Different session (or nothing live): tear down and dial fresh.
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
		m.refs = 0
	}
	w := &dialWait{done: make(chan struct{})}
	m.pending = w
	m.sessionID = sessionID
	m.mu.Unlock()

	target := m.baseURL + sessionID
	if voice != "" {
		target += "?voice=" + url.QueryEscape(voice)
	}
	conn, _, err := m.dialer.DialContext(ctx, target, nil)

	m.mu.Lock()
	if m.pending != w {
		// A session switch started a newer dial while ours ran.
		if err == nil {
			conn.Close()
		}
		err = ErrSuperseded
	} else {
		m.pending = nil
		if err == nil {
			m.conn = conn
			m.refs = 1
			go m.readLoop(conn)
		}
	}
	w.err = err
	close(w.done)
	m.mu.Unlock()
	return err
}

// joinDial waits for another caller's in-flight dial and claims a
// reference on its connection.
func (m *Manager) joinDial(ctx context.Context, sessionID string, w *dialWait) error {
	select {
	case <-w.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if w.err != nil {
		return w.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil || m.sessionID != sessionID {
		return ErrSuperseded
	}
	m.refs++
	return nil
}

// Disconnect releases one consumer reference. The transport closes only
// when the last reference is released.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.refs == 0 {
		return
	}
	m.refs--
	if m.refs == 0 && m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
}

// SendAudioFrame sends one base64 PCM16 frame. Fire-and-forget: frames
// sent while the channel is not open are discarded, never queued.
func (m *Manager) SendAudioFrame(pcm16Base64 string) {
	m.write(wire.AudioFrame(pcm16Base64))
}

// SendText sends a text message once any in-flight connect resolves.
// Returns false when the channel cannot be confirmed open; the message
// was not sent and will not be queued.
func (m *Manager) SendText(ctx context.Context, content string) bool {
	m.mu.Lock()
	w := m.pending
	m.mu.Unlock()
	if w != nil {
		select {
		case <-w.done:
		case <-ctx.Done():
			return false
		}
	}
	return m.write(wire.TextMessage(content)) == nil
}

// SendTaskResult replies to a task request. Best-effort: no-ops when the
// channel is closed, since the server recovers results by polling.
func (m *Manager) SendTaskResult(callID, result string) {
	if err := m.write(wire.TaskResult(callID, result)); err != nil {
		slog.Debug("task result not sent", "call_id", callID, "error", err)
	}
}

func (m *Manager) write(msg wire.Message) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("channel not open")
	}
	data, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (m *Manager) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.detach(conn)
			return
		}
		ev, err := wire.Decode(data)
		if err != nil {
			slog.Warn("dropping channel frame", "error", err)
			continue
		}
		m.dispatch(ev)
	}
}

// detach clears connection state when the read loop ends, unless a newer
// connection has already replaced this one.
func (m *Manager) detach(conn *websocket.Conn) {
	m.mu.Lock()
	closed := m.conn == conn
	if closed {
		m.conn = nil
		m.refs = 0
	}
	m.mu.Unlock()
	if closed && m.cb.OnClosed != nil {
		m.cb.OnClosed()
	}
}

func (m *Manager) dispatch(ev wire.Event) {
	switch e := ev.(type) {
	case wire.Ready:
		if m.cb.OnReady != nil {
			m.cb.OnReady()
		}
	case wire.Audio:
		if m.cb.OnAudio != nil {
			m.cb.OnAudio(e.Data)
		}
	case wire.UserTranscript:
		if m.cb.OnUserTranscript != nil {
			m.cb.OnUserTranscript(e.Text, e.Order)
		}
	case wire.AssistantTranscriptDelta:
		// Partial deltas are never surfaced; consumers see the finalized
		// transcript via AssistantTranscriptDone.
	case wire.AssistantTranscriptDone:
		if m.cb.OnAssistantTranscript != nil {
			m.cb.OnAssistantTranscript(e.Text, e.Order)
		}
	case wire.TextConfirmed:
		if m.cb.OnTextConfirmed != nil {
			m.cb.OnTextConfirmed(e.Text, e.Order)
		}
	case wire.TaskRequested:
		if m.cb.OnTaskRequested != nil {
			m.cb.OnTaskRequested(e.TaskPrompt, e.CallID)
		}
	case wire.ResponseDone:
		if m.cb.OnResponseDone != nil {
			m.cb.OnResponseDone()
		}
	case wire.Error:
		if m.cb.OnError != nil {
			m.cb.OnError(e.Message)
		}
	}
}
