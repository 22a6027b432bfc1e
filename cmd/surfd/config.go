package main

import (
	"os"
	"strconv"
	"time"
)

type config struct {
	port                  string
	dbPath                string
	runnerURL             string
	runnerPoolSize        int
	runnerTimeout         time.Duration
	openaiAPIKey          string
	openaiModel           string
	realtimeURL           string
	maxConcurrentChannels int
}

func loadConfig() config {
	return config{
		port:                  envStr("SURFD_PORT", "8080"),
		dbPath:                envStr("SURFD_DB_PATH", "surfd.db"),
		runnerURL:             envStr("RUNNER_URL", "http://localhost:8901"),
		runnerPoolSize:        envInt("RUNNER_POOL_SIZE", 10),
		runnerTimeout:         time.Duration(envInt("RUNNER_TIMEOUT_SECONDS", 900)) * time.Second,
		openaiAPIKey:          envStr("OPENAI_API_KEY", ""),
		openaiModel:           envStr("OPENAI_MODEL", "gpt-4o-mini"),
		realtimeURL:           envStr("REALTIME_URL", "wss://api.openai.com/v1/realtime?model=gpt-4o-realtime-preview-2024-12-17"),
		maxConcurrentChannels: envInt("MAX_CONCURRENT_CHANNELS", 100),
	}
}

func envStr(key, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func envInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return n
}
