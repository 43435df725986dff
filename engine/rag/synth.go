package rag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/minesafe/whs-rag/pkg/fn"
	"github.com/minesafe/whs-rag/pkg/llm"
	"github.com/minesafe/whs-rag/pkg/resilience"
)

// SynthOptions bounds each generator call.
type SynthOptions struct {
	Timeout time.Duration
	Retry   fn.RetryOpts
	Breaker resilience.BreakerOpts
}

// DefaultSynthOptions allows 60s per call, one retry, and opens the breaker
// after five consecutive failures.
func DefaultSynthOptions() SynthOptions {
	return SynthOptions{
		Timeout: 60 * time.Second,
		Retry:   fn.DefaultRetry,
		Breaker: resilience.DefaultBreakerOpts,
	}
}

// Synthesizer asks a generator for a checklist answer grounded in context.
type Synthesizer struct {
	gen     llm.Generator
	breaker *resilience.Breaker
	opts    SynthOptions
	logger  *slog.Logger
}

// NewSynthesizer creates a Synthesizer.
func NewSynthesizer(gen llm.Generator, opts SynthOptions, logger *slog.Logger) *Synthesizer {
	if logger == nil {
		logger = slog.Default()
	}
	opts.Retry.Retryable = func(err error) bool {
		return !errors.Is(err, resilience.ErrCircuitOpen) && !errors.Is(err, context.Canceled)
	}
	return &Synthesizer{
		gen:     gen,
		breaker: resilience.NewBreaker(opts.Breaker),
		opts:    opts,
		logger:  logger,
	}
}

// Synthesize returns the generator's answer to query given contextText.
func (s *Synthesizer) Synthesize(ctx context.Context, query, contextText string) (string, error) {
	messages := BuildMessages(query, contextText)
	start := time.Now()

	answer, err := fn.Call(ctx, s.opts.Retry, func(ctx context.Context) (string, error) {
		var out string
		err := s.breaker.Call(ctx, func(ctx context.Context) error {
			if s.opts.Timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, s.opts.Timeout)
				defer cancel()
			}
			var err error
			out, err = s.gen.Complete(ctx, messages)
			return err
		})
		return out, err
	})
	if err != nil {
		return "", fmt.Errorf("rag: generate: %w", err)
	}

	s.logger.Info("rag answer generated", "answer_len", len(answer), "duration", time.Since(start))
	return answer, nil
}
