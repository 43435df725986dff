// Package openai adapts the OpenAI SDK to the llm.Generator and
// llm.Embedder contracts.
package openai

import (
	"context"
	"errors"
	"fmt"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/minesafe/whs-rag/pkg/llm"
)

// ErrNoChoices is returned when a completion carries no choices.
var ErrNoChoices = errors.New("openai: completion returned no choices")

func newClient(apiKey, baseURL string) oai.Client {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		// Retries are owned by the caller's fn.Retry policy.
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return oai.NewClient(opts...)
}

// ChatClient implements llm.Generator with the chat completions API.
type ChatClient struct {
	client      oai.Client
	model       string
	temperature float64
}

// NewChatClient creates a chat client. An empty baseURL uses the SDK default.
func NewChatClient(apiKey, baseURL, model string, temperature float64) *ChatClient {
	return &ChatClient{
		client:      newClient(apiKey, baseURL),
		model:       model,
		temperature: temperature,
	}
}

// Complete implements llm.Generator.
func (c *ChatClient) Complete(ctx context.Context, messages []llm.Message) (string, error) {
	params := oai.ChatCompletionNewParams{
		Model:       oai.ChatModel(c.model),
		Messages:    toParams(messages),
		Temperature: oai.Float(c.temperature),
	}
	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai chat: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoices
	}
	return resp.Choices[0].Message.Content, nil
}

func toParams(messages []llm.Message) []oai.ChatCompletionMessageParamUnion {
	out := make([]oai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case llm.RoleSystem:
			out = append(out, oai.SystemMessage(m.Content))
		case llm.RoleAssistant:
			out = append(out, oai.AssistantMessage(m.Content))
		default:
			out = append(out, oai.UserMessage(m.Content))
		}
	}
	return out
}

// EmbedClient implements llm.Embedder with the embeddings API.
type EmbedClient struct {
	client oai.Client
	model  string
}

// NewEmbedClient creates an embedding client.
func NewEmbedClient(apiKey, baseURL, model string) *EmbedClient {
	return &EmbedClient{client: newClient(apiKey, baseURL), model: model}
}

// Embed implements llm.Embedder. Vectors are returned in input order.
func (c *EmbedClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := c.client.Embeddings.New(ctx, oai.EmbeddingNewParams{
		Model: oai.EmbeddingModel(c.model),
		Input: oai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
	})
	if err != nil {
		return nil, fmt.Errorf("openai embed: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openai embed: got %d vectors for %d inputs", len(resp.Data), len(texts))
	}

	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || int(d.Index) >= len(out) {
			return nil, fmt.Errorf("openai embed: index %d out of range", d.Index)
		}
		vec := make([]float32, len(d.Embedding))
		for j, v := range d.Embedding {
			vec[j] = float32(v)
		}
		out[d.Index] = vec
	}
	return out, nil
}
