package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/surfvoice/surfd/internal/orchestrator"
	"github.com/surfvoice/surfd/internal/store"
)

var testUpgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

// idleUpstream completes the realtime handshake and then sits on the
// connection.
func idleUpstream(w http.ResponseWriter, r *http.Request) {
	conn, err := testUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	conn.WriteJSON(map[string]any{"type": "session.created"})
	for {
		var frame map[string]any
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		if frame["type"] == "session.update" {
			conn.WriteJSON(map[string]any{"type": "session.updated"})
		}
	}
}

type noopStarter struct{}

func (noopStarter) Start(ctx context.Context, sessionID, prompt string, obs orchestrator.Observer) (*store.Task, error) {
	return &store.Task{ID: "t1", SessionID: sessionID, Status: store.TaskRunning, Prompt: prompt}, nil
}

type wsDialer struct{ url string }

func (d wsDialer) Dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, d.url, nil)
	return conn, err
}

func newTestHandler(t *testing.T, maxConcurrent int) (*httptest.Server, *store.Store) {
	t.Helper()

	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	upstream := httptest.NewServer(http.HandlerFunc(idleUpstream))
	t.Cleanup(upstream.Close)

	handler := NewHandler(HandlerConfig{
		Store:         st,
		Dialer:        wsDialer{url: "ws" + strings.TrimPrefix(upstream.URL, "http")},
		Tasks:         noopStarter{},
		MaxConcurrent: maxConcurrent,
	})
	mux := http.NewServeMux()
	mux.Handle("GET /ws/session/{id}", handler)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, st
}

func dialSession(t *testing.T, srv *httptest.Server, sessionID string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/session/" + sessionID
	return websocket.DefaultDialer.Dial(url, nil)
}

func TestUnknownSessionRejected(t *testing.T) {
	srv, _ := newTestHandler(t, 4)
	_, resp, err := dialSession(t, srv, "no-such-session")
	if err == nil {
		t.Fatal("dial succeeded for unknown session")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("response %+v", resp)
	}
}

func TestAtCapacityRejected(t *testing.T) {
	srv, st := newTestHandler(t, 1)
	ctx := context.Background()

	sessA, _ := st.CreateSession(ctx)
	sessB, _ := st.CreateSession(ctx)

	connA, _, err := dialSession(t, srv, sessA.ID)
	if err != nil {
		t.Fatalf("dial a: %v", err)
	}
	defer connA.Close()

	_, resp, err := dialSession(t, srv, sessB.ID)
	if err == nil {
		t.Fatal("dial succeeded over capacity")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("response %+v", resp)
	}
}

func TestNewConnectionSupersedesOld(t *testing.T) {
	srv, st := newTestHandler(t, 4)
	sess, _ := st.CreateSession(context.Background())

	connA, _, err := dialSession(t, srv, sess.ID)
	if err != nil {
		t.Fatalf("dial first: %v", err)
	}
	defer connA.Close()

	connB, _, err := dialSession(t, srv, sess.ID)
	if err != nil {
		t.Fatalf("dial second: %v", err)
	}
	defer connB.Close()

	// The first connection is torn down by the handler.
	connA.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		if _, _, err := connA.ReadMessage(); err != nil {
			return
		}
	}
}
