// surfcall is a terminal client for the session channel: it creates or
// reuses a session, attaches the channel, sends typed turns from stdin,
// and prints transcripts in server order while tracking assistant speech
// through the playback scheduler.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/surfvoice/surfd/internal/audio"
	"github.com/surfvoice/surfd/internal/channel"
	"github.com/surfvoice/surfd/internal/env"
	"github.com/surfvoice/surfd/internal/playback"
)

// discardSink consumes scheduled audio without a device; the scheduler
// still drives the speaking indicator off buffer end times.
type discardSink struct{}

func (discardSink) PlayAt(samples []float32, start time.Time) {}

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))

	baseURL := env.Str("SURFD_URL", "http://localhost:8080")
	sessionID := env.Str("SURFD_SESSION", "")
	voice := env.Str("SURFD_VOICE", "")

	if sessionID == "" {
		id, err := createSession(baseURL)
		if err != nil {
			fmt.Fprintln(os.Stderr, "create session:", err)
			os.Exit(1)
		}
		sessionID = id
		fmt.Println("session:", sessionID)
	}

	scheduler := playback.NewScheduler(playback.RealClock{}, discardSink{}, audio.WireSampleRate, func(speaking bool) {
		if speaking {
			fmt.Println("[assistant speaking]")
		} else {
			fmt.Println("[assistant done]")
		}
	})

	var mgr *channel.Manager
	mgr = channel.NewManager(wsBase(baseURL)+"/ws/session/", channel.Callbacks{
		OnReady: func() { fmt.Println("[channel ready]") },
		OnAudio: func(frame string) {
			samples, err := audio.DecodeFrame(frame)
			if err != nil {
				slog.Warn("bad audio frame", "error", err)
				return
			}
			scheduler.Schedule(samples)
		},
		OnUserTranscript: func(text string, order int64) {
			fmt.Printf("%3d you(voice): %s\n", order, text)
		},
		OnAssistantTranscript: func(text string, order int64) {
			fmt.Printf("%3d assistant:   %s\n", order, text)
		},
		OnTextConfirmed: func(text string, order int64) {
			fmt.Printf("%3d you:         %s\n", order, text)
		},
		OnTaskRequested: func(taskPrompt, callID string) {
			fmt.Printf("    [browser task started] %s\n", taskPrompt)
			// The server runs the task and narrates progress itself; the
			// acknowledgment is best-effort by contract.
			mgr.SendTaskResult(callID, "Acknowledged")
		},
		OnResponseDone: func() {},
		OnError: func(message string) {
			fmt.Fprintln(os.Stderr, "channel error:", message)
		},
		OnClosed: func() {
			scheduler.Reset()
			fmt.Println("[channel closed]")
		},
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	dialCtx, dialCancel := context.WithTimeout(ctx, 15*time.Second)
	err := mgr.Connect(dialCtx, sessionID, voice)
	dialCancel()
	if err != nil {
		fmt.Fprintln(os.Stderr, "connect:", err)
		os.Exit(1)
	}
	defer mgr.Disconnect()

	fmt.Println("type a message and press enter (/quit to exit)")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" {
			return
		}
		sendCtx, sendCancel := context.WithTimeout(ctx, 10*time.Second)
		sent := mgr.SendText(sendCtx, line)
		sendCancel()
		if !sent {
			fmt.Fprintln(os.Stderr, "not sent: channel is not open")
		}
	}
}

func createSession(baseURL string) (string, error) {
	resp, err := http.Post(baseURL+"/api/sessions", "application/json", bytes.NewReader(nil))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("status %d", resp.StatusCode)
	}
	var sess struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&sess); err != nil {
		return "", err
	}
	return sess.ID, nil
}

func wsBase(baseURL string) string {
	switch {
	case strings.HasPrefix(baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(baseURL, "https://")
	case strings.HasPrefix(baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(baseURL, "http://")
	}
	return baseURL
}
