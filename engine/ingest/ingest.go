// Package ingest provides the offline ingestion pipeline that turns PDF
// manuals and incident reports into chunked, embedded vectors in the
// index collections.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/minesafe/whs-rag/engine/domain"
	"github.com/minesafe/whs-rag/engine/semantic"
	"github.com/minesafe/whs-rag/pkg/fn"
	"github.com/minesafe/whs-rag/pkg/llm"
)

// EmbedBatchSize is the max chunks per embedding request.
const EmbedBatchSize = 64

// ErrNoText is returned for a document with no extractable text.
var ErrNoText = errors.New("ingest: no extractable text")

// Deps holds the external dependencies for the ingestion pipeline.
type Deps struct {
	Embedder llm.Embedder
	Store    semantic.Store
	Splitter Splitter
	// Extract defaults to ExtractPages.
	Extract func(path string) ([]Page, error)
	Retry   fn.RetryOpts
	Logger  *slog.Logger
}

// --- Pipeline Stages ---

// NewExtract creates the stage reading page text from a source PDF.
func NewExtract(extract func(string) ([]Page, error)) fn.Stage[Source, ExtractedDoc] {
	return func(_ context.Context, src Source) fn.Result[ExtractedDoc] {
		pages, err := extract(src.Path)
		if err != nil {
			return fn.Err[ExtractedDoc](err)
		}
		return fn.Ok(ExtractedDoc{Source: src, Pages: pages})
	}
}

// NewChunk creates the stage splitting every non-blank page into records.
func NewChunk(sp Splitter) fn.Stage[ExtractedDoc, ChunkedDoc] {
	return func(_ context.Context, doc ExtractedDoc) fn.Result[ChunkedDoc] {
		chunks := ChunkPages(sp, doc.DocType, doc.Pages)
		if len(chunks) == 0 {
			return fn.Err[ChunkedDoc](fmt.Errorf("%w: %s", ErrNoText, doc.Path))
		}
		return fn.Ok(ChunkedDoc{Source: doc.Source, Chunks: chunks})
	}
}

// NewEmbed creates the stage embedding chunks in batches of EmbedBatchSize.
func NewEmbed(embedder llm.Embedder, retry fn.RetryOpts) fn.Stage[ChunkedDoc, EmbeddedDoc] {
	return func(ctx context.Context, doc ChunkedDoc) fn.Result[EmbeddedDoc] {
		vectors := make([][]float32, 0, len(doc.Chunks))
		for _, batch := range fn.Chunk(doc.Chunks, EmbedBatchSize) {
			texts := fn.Map(batch, func(c ChunkRecord) string { return c.Text })
			vecs, err := fn.Call(ctx, retry, func(ctx context.Context) ([][]float32, error) {
				return embedder.Embed(ctx, texts)
			})
			if err != nil {
				return fn.Err[EmbeddedDoc](fmt.Errorf("embed batch: %w", err))
			}
			if len(vecs) != len(batch) {
				return fn.Err[EmbeddedDoc](fmt.Errorf("embed batch: got %d vectors for %d chunks", len(vecs), len(batch)))
			}
			vectors = append(vectors, vecs...)
		}
		return fn.Ok(EmbeddedDoc{ChunkedDoc: doc, Vectors: vectors})
	}
}

// NewStore creates the stage writing vectors to the source's collection.
// Earlier points from the same file are removed first so re-ingesting a
// file replaces it.
func NewStore(store semantic.Store) fn.Stage[EmbeddedDoc, Result] {
	return func(ctx context.Context, doc EmbeddedDoc) fn.Result[Result] {
		if err := store.EnsureCollection(ctx, doc.Collection, len(doc.Vectors[0])); err != nil {
			return fn.Err[Result](err)
		}
		if err := store.DeleteBySource(ctx, doc.Collection, doc.Path); err != nil {
			return fn.Err[Result](err)
		}

		records := make([]semantic.Record, len(doc.Chunks))
		for i, c := range doc.Chunks {
			page := c.PageNumber
			records[i] = semantic.Record{
				ID:     PointID(c.ChunkID),
				Vector: doc.Vectors[i],
				Text:   c.Text,
				Meta: semantic.Meta{
					DocType:    string(c.DocType),
					SourcePath: c.SourcePath,
					PageNumber: &page,
				},
			}
		}
		for _, batch := range fn.Chunk(records, EmbedBatchSize) {
			if err := store.Upsert(ctx, doc.Collection, batch); err != nil {
				return fn.Err[Result](fmt.Errorf("vector upsert: %w", err))
			}
		}
		return fn.Ok(Result{Path: doc.Path, Collection: doc.Collection, Chunks: len(records)})
	}
}

// PointID derives a stable UUID from a chunk id.
func PointID(chunkID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(chunkID)).String()
}

// ChunkPages splits each non-blank page and tags the pieces with provenance.
func ChunkPages(sp Splitter, docType domain.DocType, pages []Page) []ChunkRecord {
	var out []ChunkRecord
	for _, p := range pages {
		if p.Text == "" {
			continue
		}
		for idx, text := range sp.Split(p.Text) {
			out = append(out, ChunkRecord{
				DocType:    docType,
				SourcePath: p.SourcePath,
				PageNumber: p.PageNumber,
				ChunkID:    chunkID(p.SourcePath, p.PageNumber, idx),
				Text:       text,
			})
		}
	}
	return out
}

// LoggedTap returns a stage that logs entry/exit with duration.
func LoggedTap[T any](name string, log *slog.Logger) fn.Stage[T, T] {
	return func(ctx context.Context, t T) fn.Result[T] {
		log.Debug("stage.enter", "stage", name)
		start := time.Now()
		defer func() {
			log.Debug("stage.exit", "stage", name, "duration", time.Since(start))
		}()
		return fn.Ok(t)
	}
}

// NewPipeline constructs the full per-file ingestion pipeline.
func NewPipeline(deps Deps) fn.Stage[Source, Result] {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	extract := deps.Extract
	if extract == nil {
		extract = ExtractPages
	}
	sp := deps.Splitter
	if sp.Size == 0 {
		sp = NewSplitter()
	}

	// Compose: Extract → Chunk → Embed → Store
	extracted := fn.Then(LoggedTap[Source]("extract", log), fn.TracedStage("ingest.extract", NewExtract(extract)))
	chunked := fn.Then(extracted, fn.TracedStage("ingest.chunk", NewChunk(sp)))
	embedded := fn.Then(chunked, fn.TracedStage("ingest.embed", NewEmbed(deps.Embedder, deps.Retry)))
	return fn.Then(embedded, fn.TracedStage("ingest.store", NewStore(deps.Store)))
}

// Run ingests every source in order. A file with no text is logged and
// skipped; any other failure stops the run.
func Run(ctx context.Context, deps Deps, sources []Source) ([]Result, error) {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	pipeline := NewPipeline(deps)

	var results []Result
	for _, src := range sources {
		res, err := pipeline(ctx, src).Unwrap()
		if errors.Is(err, ErrNoText) {
			log.Warn("ingest: skipping file without text", "path", src.Path)
			continue
		}
		if err != nil {
			return results, fmt.Errorf("ingest %s: %w", src.Path, err)
		}
		log.Info("ingest: file done", "path", src.Path, "collection", res.Collection, "chunks", res.Chunks)
		results = append(results, res)
	}
	return results, nil
}
