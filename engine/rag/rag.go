// Package rag assembles retrieved chunks into a numbered citation context
// and asks a text-generation model for a WHS checklist answer.
package rag

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/minesafe/whs-rag/engine/domain"
)

// Retriever supplies ranked chunks for a query.
type Retriever interface {
	Retrieve(ctx context.Context, query string, topK int) ([]domain.Chunk, error)
}

// Service composes retrieval, context assembly and synthesis.
type Service struct {
	retriever Retriever
	synth     *Synthesizer
	logger    *slog.Logger
}

// New creates a RAG Service.
func New(retriever Retriever, synth *Synthesizer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{retriever: retriever, synth: synth, logger: logger}
}

// Answer is a generated answer plus the chunks its [i] markers refer to.
type Answer struct {
	Query      string         `json:"query"`
	Text       string         `json:"answer"`
	References []domain.Chunk `json:"references"`
	// Cited lists the in-range markers the answer actually uses.
	Cited []int `json:"cited,omitempty"`
}

// Answer retrieves context for query and generates an answer from it. A
// query with no relevant context still reaches the generator, which is
// instructed to say it cannot answer.
func (s *Service) Answer(ctx context.Context, query string, topK int) (*Answer, error) {
	if err := domain.ValidateQuery(query, topK); err != nil {
		return nil, err
	}
	s.logger.Info("rag answer start", "query_len", len(query), "top_k", topK)

	// 1. Retrieve.
	chunks, err := s.retriever.Retrieve(ctx, query, topK)
	if err != nil {
		return nil, fmt.Errorf("rag: retrieve: %w", err)
	}

	// 2. Number the context.
	cctx := Assemble(chunks)
	if len(chunks) == 0 {
		s.logger.Warn("rag: no context retrieved", "query_len", len(query))
	}

	// 3. Generate.
	text, err := s.synth.Synthesize(ctx, query, cctx.Text)
	if err != nil {
		return nil, err
	}

	return &Answer{
		Query:      query,
		Text:       text,
		References: cctx.References,
		Cited:      Citations(text, len(cctx.References)),
	}, nil
}
