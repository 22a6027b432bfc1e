package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/surfvoice/surfd/internal/browser"
	"github.com/surfvoice/surfd/internal/conversation"
	"github.com/surfvoice/surfd/internal/events"
	"github.com/surfvoice/surfd/internal/llm"
	"github.com/surfvoice/surfd/internal/orchestrator"
	"github.com/surfvoice/surfd/internal/realtime"
	"github.com/surfvoice/surfd/internal/store"
	"github.com/surfvoice/surfd/internal/ws"
)

// textTaskStarter adapts the orchestrator for the text path, which has no
// live observer; progress reaches text clients through polling and SSE.
type textTaskStarter struct {
	orch *orchestrator.Orchestrator
}

func (t textTaskStarter) Start(ctx context.Context, sessionID, prompt string) (*store.Task, error) {
	return t.orch.Start(ctx, sessionID, prompt, nil)
}

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	cfg := loadConfig()

	st, err := store.Open(cfg.dbPath)
	if err != nil {
		slog.Error("open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	hub := events.NewHub()
	runner := browser.NewHTTPRunner(cfg.runnerURL, cfg.runnerPoolSize, cfg.runnerTimeout)
	orch := orchestrator.New(st, runner, hub)

	reapCtx, reapCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := orch.Reap(reapCtx); err != nil {
		slog.Warn("reap orphaned tasks", "error", err)
	}
	reapCancel()

	replier := llm.NewClient(cfg.openaiAPIKey, cfg.openaiModel)
	conv := conversation.NewService(st, replier, textTaskStarter{orch: orch})

	wsHandler := ws.NewHandler(ws.HandlerConfig{
		Store:         st,
		Dialer:        &realtime.OpenAIDialer{URL: cfg.realtimeURL, APIKey: cfg.openaiAPIKey},
		Tasks:         orch,
		MaxConcurrent: cfg.maxConcurrentChannels,
	})

	mux := http.NewServeMux()
	registerRoutes(mux, deps{
		store:     st,
		conv:      conv,
		orch:      orch,
		hub:       hub,
		wsHandler: wsHandler,
	})

	addr := ":" + cfg.port
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		slog.Info("shutting down", "signal", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}()

	slog.Info("surfd starting", "addr", addr, "db", cfg.dbPath, "runner", cfg.runnerURL)

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}

	slog.Info("surfd stopped")
}
