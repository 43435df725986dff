package ollama

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/minesafe/whs-rag/pkg/llm"
)

// ChatClient implements llm.Generator using Ollama's non-streaming chat API.
type ChatClient struct {
	baseURL     string
	model       string
	temperature float64
	client      *http.Client
}

// NewChatClient creates an Ollama chat client.
func NewChatClient(baseURL, model string, temperature float64) *ChatClient {
	return &ChatClient{
		baseURL:     orDefault(baseURL),
		model:       model,
		temperature: temperature,
		client:      &http.Client{Timeout: 120 * time.Second},
	}
}

type chatReq struct {
	Model    string         `json:"model"`
	Messages []llm.Message  `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

type chatResp struct {
	Message llm.Message `json:"message"`
	Done    bool        `json:"done"`
}

// Complete implements llm.Generator.
func (c *ChatClient) Complete(ctx context.Context, messages []llm.Message) (string, error) {
	req := chatReq{
		Model:    c.model,
		Messages: messages,
		Options:  map[string]any{"temperature": c.temperature},
	}
	var result chatResp
	if err := postJSON(ctx, c.client, c.baseURL+"/api/chat", req, &result); err != nil {
		return "", fmt.Errorf("ollama chat: %w", err)
	}
	return result.Message.Content, nil
}
