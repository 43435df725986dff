// Package llm declares the embedding and text-generation collaborator
// contracts shared by the retrieval engine and its model backends.
package llm

import "context"

// Role tags a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one role-tagged entry of a generation prompt.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Embedder maps texts to fixed-length vectors, one per input, in order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Generator produces a single completion for an ordered message list.
type Generator interface {
	Complete(ctx context.Context, messages []Message) (string, error)
}
