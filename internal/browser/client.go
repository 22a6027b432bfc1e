// Package browser talks to the browser automation runner sidecar. The
// runner executes one task per request and streams step observations as
// newline-delimited JSON before the terminal result.
package browser

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// StepEvent is one observation from the running agent. Actions is a list
// of single-key objects; the key is the action type and the value its
// parameters.
type StepEvent struct {
	Step      int                        `json:"step"`
	URL       string                     `json:"url,omitempty"`
	PageTitle string                     `json:"page_title,omitempty"`
	Thinking  string                     `json:"thinking,omitempty"`
	NextGoal  string                     `json:"next_goal,omitempty"`
	Actions   []map[string]json.RawMessage `json:"actions,omitempty"`
}

// Result is the runner's terminal summary of a finished task.
type Result struct {
	FinalResult          string   `json:"final_result"`
	URLs                 []string `json:"urls,omitempty"`
	Errors               []string `json:"errors,omitempty"`
	NumberOfSteps        int      `json:"number_of_steps"`
	TotalDurationSeconds float64  `json:"total_duration_seconds"`
	Screenshots          []string `json:"screenshots,omitempty"`
}

// StepCallback receives each step observation as it arrives.
type StepCallback func(ev StepEvent)

// Runner executes one browser task and streams its steps.
type Runner interface {
	Run(ctx context.Context, prompt string, onStep StepCallback) (*Result, error)
}

// NewPooledHTTPClient creates an http.Client with connection pooling and
// tuned transport.
func NewPooledHTTPClient(poolSize int, timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:          poolSize,
			MaxIdleConnsPerHost:   poolSize,
			IdleConnTimeout:       90 * time.Second,
			ResponseHeaderTimeout: 30 * time.Second,
			ForceAttemptHTTP2:     true,
		},
	}
}

// HTTPRunner is the production Runner over the sidecar's streaming /run
// endpoint.
type HTTPRunner struct {
	url    string
	client *http.Client
}

// NewHTTPRunner creates a runner client. The timeout bounds the whole
// task, not individual steps, so it should be generous.
func NewHTTPRunner(url string, poolSize int, timeout time.Duration) *HTTPRunner {
	return &HTTPRunner{
		url:    url,
		client: NewPooledHTTPClient(poolSize, timeout),
	}
}

type runRequest struct {
	Task string `json:"task"`
}

// streamLine is one NDJSON frame from the runner. Exactly one of the
// branches is populated depending on Type.
type streamLine struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
	StepEvent
	Result *Result `json:"result,omitempty"`
}

// Run posts the task and consumes the step stream until the terminal
// frame. Step frames go to onStep; a result frame ends the run.
func (r *HTTPRunner) Run(ctx context.Context, prompt string, onStep StepCallback) (*Result, error) {
	body, err := json.Marshal(runRequest{Task: prompt})
	if err != nil {
		return nil, fmt.Errorf("marshal runner request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", r.url+"/run", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create runner request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("runner request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("runner status %d: %s", resp.StatusCode, msg)
	}

	scanner := bufio.NewScanner(resp.Body)
	// Result frames carry base64 screenshots and can run to megabytes.
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var frame streamLine
		if err := json.Unmarshal(line, &frame); err != nil {
			return nil, fmt.Errorf("runner frame: %w", err)
		}
		switch frame.Type {
		case "step":
			if onStep != nil {
				onStep(frame.StepEvent)
			}
		case "result":
			if frame.Result == nil {
				return nil, fmt.Errorf("runner result frame without payload")
			}
			return frame.Result, nil
		case "error":
			return nil, fmt.Errorf("runner: %s", frame.Message)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("runner stream: %w", err)
	}
	return nil, fmt.Errorf("runner stream ended without result")
}
