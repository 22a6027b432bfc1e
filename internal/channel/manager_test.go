package channel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/surfvoice/surfd/internal/wire"
)

// chatServer is a scripted channel endpoint: it confirms text turns with
// order 1 and answers with a finalized assistant transcript at order 2.
type chatServer struct {
	t        *testing.T
	upgrader websocket.Upgrader

	upgrades    atomic.Int32
	closures    atomic.Int32
	audioFrames atomic.Int32

	mu       sync.Mutex
	sessions []string
}

func (s *chatServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimPrefix(r.URL.Path, "/ws/session/")
	s.upgrades.Add(1)
	s.mu.Lock()
	s.sessions = append(s.sessions, sessionID)
	s.mu.Unlock()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	defer s.closures.Add(1)

	send := func(msg wire.Message) {
		data, _ := wire.Encode(msg)
		conn.WriteMessage(websocket.TextMessage, data)
	}
	send(wire.Message{Type: wire.TypeReady})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		ev, err := wire.Decode(data)
		if err != nil {
			continue
		}
		switch msg := ev.(type) {
		case wire.Audio:
			s.audioFrames.Add(1)
		case wire.TextTurn:
			send(wire.Message{Type: wire.TypeTextConfirmed, Text: msg.Content, Order: 1})
			send(wire.Message{Type: wire.TypeAssistantTranscriptDelta, Text: "Hi"})
			send(wire.Message{Type: wire.TypeAssistantTranscriptDelta, Text: " there"})
			send(wire.Message{Type: wire.TypeAssistantTranscriptDone, Text: "Hi there", Order: 2})
			send(wire.Message{Type: wire.TypeResponseDone})
		}
	}
}

func startServer(t *testing.T) (*chatServer, string) {
	t.Helper()
	srv := &chatServer{t: t}
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return srv, "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/session/"
}

func TestConnectSingleton(t *testing.T) {
	srv, base := startServer(t)
	mgr := NewManager(base, Callbacks{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = mgr.Connect(ctx, "s1", "")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("connect %d: %v", i, err)
		}
	}
	if got := srv.upgrades.Load(); got != 1 {
		t.Fatalf("%d transport connections for %d connects, want 1", got, n)
	}
}

func TestReferenceCountTeardown(t *testing.T) {
	_, base := startServer(t)
	mgr := NewManager(base, Callbacks{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := mgr.Connect(ctx, "s1", ""); err != nil {
		t.Fatalf("first connect: %v", err)
	}
	if err := mgr.Connect(ctx, "s1", ""); err != nil {
		t.Fatalf("second connect: %v", err)
	}

	mgr.Disconnect()
	if !mgr.SendText(ctx, "still open") {
		t.Fatal("channel closed before last consumer disconnected")
	}

	mgr.Disconnect()
	if mgr.SendText(ctx, "should fail") {
		t.Fatal("send succeeded on a torn-down channel")
	}
}

func TestSessionSwitchSupersedes(t *testing.T) {
	srv, base := startServer(t)

	mgr := NewManager(base, Callbacks{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := mgr.Connect(ctx, "session-a", ""); err != nil {
		t.Fatalf("connect a: %v", err)
	}
	if err := mgr.Connect(ctx, "session-b", ""); err != nil {
		t.Fatalf("connect b: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for srv.closures.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("connection to session-a was not closed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if got := srv.upgrades.Load(); got != 2 {
		t.Fatalf("%d transport connections, want 2", got)
	}
	srv.mu.Lock()
	sessions := append([]string(nil), srv.sessions...)
	srv.mu.Unlock()
	if sessions[0] != "session-a" || sessions[1] != "session-b" {
		t.Fatalf("sessions %v", sessions)
	}

	if !mgr.SendText(ctx, "hello b") {
		t.Fatal("send on session-b failed")
	}
}

func TestHelloTurnOrdering(t *testing.T) {
	_, base := startServer(t)

	type ordered struct {
		kind  string
		text  string
		order int64
	}
	events := make(chan ordered, 8)
	mgr := NewManager(base, Callbacks{
		OnTextConfirmed: func(text string, order int64) {
			events <- ordered{"confirmed", text, order}
		},
		OnAssistantTranscript: func(text string, order int64) {
			events <- ordered{"assistant", text, order}
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := mgr.Connect(ctx, "s1", ""); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer mgr.Disconnect()

	if !mgr.SendText(ctx, "hello") {
		t.Fatal("send failed")
	}

	first := <-events
	if first.kind != "confirmed" || first.text != "hello" || first.order != 1 {
		t.Fatalf("first event %+v", first)
	}
	second := <-events
	if second.kind != "assistant" || second.order != 2 {
		t.Fatalf("second event %+v", second)
	}
	if second.order <= first.order {
		t.Fatalf("assistant order %d not after user order %d", second.order, first.order)
	}

	// Deltas never surface; only the finalized transcript arrived.
	select {
	case extra := <-events:
		t.Fatalf("unexpected extra event %+v", extra)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestAudioDroppedWhenClosed(t *testing.T) {
	srv, base := startServer(t)
	mgr := NewManager(base, Callbacks{})

	// No connection: frames are discarded silently, sends report false.
	mgr.SendAudioFrame("AAAA")
	mgr.SendTaskResult("c1", "done")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if mgr.SendText(ctx, "hello") {
		t.Fatal("send succeeded with no connection")
	}
	if got := srv.audioFrames.Load(); got != 0 {
		t.Fatalf("server received %d frames", got)
	}
}
