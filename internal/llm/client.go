// Package llm generates assistant replies over the session's message
// history using OpenAI chat completions.
package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"github.com/surfvoice/surfd/internal/store"
)

// Replier produces one assistant reply for a conversation. Implemented by
// Client; test doubles stand in for it elsewhere.
type Replier interface {
	Reply(ctx context.Context, system string, history []store.Message, onDelta func(string)) (string, error)
}

// Client streams chat completions from OpenAI.
type Client struct {
	api   openai.Client
	model openai.ChatModel
}

// NewClient creates a chat client for the given API key and model name.
func NewClient(apiKey, model string) *Client {
	return &Client{
		api:   openai.NewClient(option.WithAPIKey(apiKey)),
		model: openai.ChatModel(model),
	}
}

// Reply generates one assistant turn over the history. Deltas stream to
// onDelta as they arrive when it is non-nil; the full reply is returned
// once the stream ends.
func (c *Client) Reply(ctx context.Context, system string, history []store.Message, onDelta func(string)) (string, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+1)
	messages = append(messages, openai.SystemMessage(system))
	for _, msg := range history {
		switch msg.Role {
		case "user":
			messages = append(messages, openai.UserMessage(msg.Content))
		case "assistant":
			messages = append(messages, openai.AssistantMessage(msg.Content))
		}
	}

	stream := c.api.Chat.Completions.NewStreaming(ctx, openai.ChatCompletionNewParams{
		Model:    c.model,
		Messages: messages,
	})
	defer stream.Close()

	var reply strings.Builder
	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		reply.WriteString(delta)
		if onDelta != nil {
			onDelta(delta)
		}
	}
	if err := stream.Err(); err != nil {
		return "", fmt.Errorf("llm stream: %w", err)
	}
	return reply.String(), nil
}
