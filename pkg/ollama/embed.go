// Package ollama provides Ollama-backed embedding and chat clients.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// DefaultURL is used when a client is built with an empty base URL.
const DefaultURL = "http://localhost:11434"

func orDefault(baseURL string) string {
	if baseURL == "" {
		return DefaultURL
	}
	return baseURL
}

// EmbedClient implements llm.Embedder using Ollama's HTTP API.
type EmbedClient struct {
	baseURL string
	model   string
	client  *http.Client
}

// NewEmbedClient creates an Ollama embedding client.
func NewEmbedClient(baseURL, model string) *EmbedClient {
	return &EmbedClient{
		baseURL: orDefault(baseURL),
		model:   model,
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

type embedReq struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResp struct {
	Embeddings [][]float64 `json:"embeddings"`
}

// Embed implements llm.Embedder via POST /api/embed.
func (c *EmbedClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	var result embedResp
	if err := c.post(ctx, "/api/embed", embedReq{Model: c.model, Input: texts}, &result); err != nil {
		return nil, fmt.Errorf("ollama embed: %w", err)
	}
	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("ollama embed: got %d vectors for %d inputs", len(result.Embeddings), len(texts))
	}

	out := make([][]float32, len(result.Embeddings))
	for i, emb := range result.Embeddings {
		vec := make([]float32, len(emb))
		for j, v := range emb {
			vec[j] = float32(v)
		}
		out[i] = vec
	}
	return out, nil
}

func (c *EmbedClient) post(ctx context.Context, path string, in, out any) error {
	return postJSON(ctx, c.client, c.baseURL+path, in, out)
}

func postJSON(ctx context.Context, client *http.Client, url string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}
