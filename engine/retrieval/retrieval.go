// Package retrieval turns a free-text query into a ranked set of context
// chunks drawn from every configured collection of the vector index.
//
// Each collection is asked for its own top_k neighbors before the merged
// set is ranked and truncated, so up to len(collections) x top_k candidates
// compete for the final top_k slots. This is extra recall, not waste.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/minesafe/whs-rag/engine/domain"
	"github.com/minesafe/whs-rag/engine/semantic"
	"github.com/minesafe/whs-rag/pkg/fn"
	"github.com/minesafe/whs-rag/pkg/llm"
)

// Index is the nearest-neighbor query contract the pipeline depends on.
type Index interface {
	Query(ctx context.Context, collection string, vector []float32, n int) ([]semantic.Hit, error)
}

// CollectionChecker reports collection existence for the startup check.
type CollectionChecker interface {
	HasCollection(ctx context.Context, name string) (bool, error)
}

// Collection binds an index collection to the doc type its chunks default to.
type Collection struct {
	Name    string
	DocType domain.DocType
}

// Options configures the pipeline.
type Options struct {
	// Collections are queried in order; equal scores keep this order.
	Collections  []Collection
	EmbedTimeout time.Duration
	QueryTimeout time.Duration
	Retry        fn.RetryOpts
}

// DefaultOptions queries manuals then incidents with one retry per call.
func DefaultOptions() Options {
	return Options{
		Collections: []Collection{
			{Name: "manuals", DocType: domain.DocTypeManual},
			{Name: "incidents", DocType: domain.DocTypeIncident},
		},
		EmbedTimeout: 10 * time.Second,
		QueryTimeout: 5 * time.Second,
		Retry:        fn.DefaultRetry,
	}
}

// Retriever is the retrieval-and-ranking pipeline. It holds no per-request
// state and is safe for concurrent use.
type Retriever struct {
	embed  llm.Embedder
	index  Index
	opts   Options
	logger *slog.Logger
}

// New creates a Retriever.
func New(embed llm.Embedder, index Index, opts Options, logger *slog.Logger) *Retriever {
	if logger == nil {
		logger = slog.Default()
	}
	opts.Retry.Retryable = retryable
	return &Retriever{embed: embed, index: index, opts: opts, logger: logger}
}

// retryable excludes configuration errors, which fail the same way twice.
func retryable(err error) bool {
	return !errors.Is(err, domain.ErrCollectionNotFound) &&
		!errors.Is(err, context.Canceled)
}

// Retrieve returns at most topK chunks sorted by ascending distance.
// Empty collections yield an empty result, not an error.
func (r *Retriever) Retrieve(ctx context.Context, query string, topK int) ([]domain.Chunk, error) {
	if err := domain.ValidateTopK(topK); err != nil {
		return nil, err
	}

	// 1. Embed the query once.
	vec, err := r.embedQuery(ctx, query)
	if err != nil {
		return nil, err
	}

	// 2. Ask every collection for its own topK with the same vector.
	tasks := make([]func() fn.Result[[]domain.Chunk], len(r.opts.Collections))
	for i, c := range r.opts.Collections {
		tasks[i] = func() fn.Result[[]domain.Chunk] {
			return fn.FromPair(r.queryCollection(ctx, c, vec, topK))
		}
	}
	perCollection, err := fn.FanOutResult(tasks...).Unwrap()
	if err != nil {
		return nil, err
	}

	// 3. Merge in collection order, then rank.
	var merged []domain.Chunk
	for _, chunks := range perCollection {
		merged = append(merged, chunks...)
	}
	ranked := Rank(merged, topK)

	r.logger.Debug("retrieval done", "candidates", len(merged), "returned", len(ranked), "top_k", topK)
	return ranked, nil
}

func (r *Retriever) embedQuery(ctx context.Context, query string) ([]float32, error) {
	vecs, err := fn.Call(ctx, r.opts.Retry, func(ctx context.Context) ([][]float32, error) {
		ctx, cancel := withTimeout(ctx, r.opts.EmbedTimeout)
		defer cancel()
		return r.embed.Embed(ctx, []string{query})
	})
	if err != nil {
		return nil, fmt.Errorf("retrieval: embed query: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("retrieval: embed query: got %d vectors, want 1", len(vecs))
	}
	return vecs[0], nil
}

func (r *Retriever) queryCollection(ctx context.Context, c Collection, vec []float32, n int) ([]domain.Chunk, error) {
	hits, err := fn.Call(ctx, r.opts.Retry, func(ctx context.Context) ([]semantic.Hit, error) {
		ctx, cancel := withTimeout(ctx, r.opts.QueryTimeout)
		defer cancel()
		return r.index.Query(ctx, c.Name, vec, n)
	})
	if err != nil {
		return nil, fmt.Errorf("retrieval: query %s: %w", c.Name, err)
	}

	chunks := make([]domain.Chunk, 0, len(hits))
	for _, h := range hits {
		if err := h.Validate(); err != nil {
			r.logger.Warn("retrieval: skipping malformed hit", "collection", c.Name, "id", h.ID, "err", err)
			continue
		}
		chunks = append(chunks, toChunk(h, c.DocType))
	}
	return chunks, nil
}

func toChunk(h semantic.Hit, fallback domain.DocType) domain.Chunk {
	docType := domain.DocType(h.Meta.DocType)
	if docType == "" {
		docType = fallback
	}
	return domain.Chunk{
		Text:       h.Text,
		DocType:    docType,
		SourcePath: h.Meta.SourcePath,
		PageNumber: h.Meta.PageNumber,
		Score:      h.Distance,
	}
}

// Rank drops chunks without a score, stable-sorts the rest by ascending
// score and keeps the first topK.
func Rank(chunks []domain.Chunk, topK int) []domain.Chunk {
	scored := fn.Filter(chunks, func(c domain.Chunk) bool { return c.Score != nil })
	if scored == nil {
		return []domain.Chunk{}
	}
	sort.SliceStable(scored, func(i, j int) bool {
		return *scored[i].Score < *scored[j].Score
	})
	if len(scored) > topK {
		scored = scored[:topK]
	}
	return scored
}

// VerifyCollections fails with domain.ErrCollectionNotFound if any
// configured collection is absent. The pipeline never creates collections.
func VerifyCollections(ctx context.Context, store CollectionChecker, collections []Collection) error {
	for _, c := range collections {
		ok, err := store.HasCollection(ctx, c.Name)
		if err != nil {
			return fmt.Errorf("retrieval: check collection %s: %w", c.Name, err)
		}
		if !ok {
			return fmt.Errorf("retrieval: %w: %s", domain.ErrCollectionNotFound, c.Name)
		}
	}
	return nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
