// Package main implements the WHS RAG API server.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"golang.org/x/time/rate"

	"github.com/minesafe/whs-rag/engine/rag"
	"github.com/minesafe/whs-rag/engine/retrieval"
	"github.com/minesafe/whs-rag/engine/semantic"
	"github.com/minesafe/whs-rag/engine/vision"
	"github.com/minesafe/whs-rag/pkg/config"
	"github.com/minesafe/whs-rag/pkg/detect"
	"github.com/minesafe/whs-rag/pkg/llm"
	"github.com/minesafe/whs-rag/pkg/metrics"
	"github.com/minesafe/whs-rag/pkg/mid"
	"github.com/minesafe/whs-rag/pkg/ollama"
	"github.com/minesafe/whs-rag/pkg/openai"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Vector index ---
	store, err := openStore(ctx, cfg.Index)
	if err != nil {
		return err
	}
	defer store.Close()

	ropts := retrievalOptions(cfg)
	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err = retrieval.VerifyCollections(checkCtx, store, ropts.Collections)
	cancel()
	if err != nil {
		return fmt.Errorf("startup: %w", err)
	}

	// --- Models ---
	embedder := newEmbedder(cfg)
	generator := newGenerator(cfg)

	person, ppe, closeDetectors, err := newDetectors(cfg)
	if err != nil {
		return err
	}
	defer closeDetectors.Close()

	// --- Pipelines ---
	retriever := retrieval.New(embedder, store, ropts, logger)
	sopts := rag.DefaultSynthOptions()
	sopts.Timeout = cfg.Timeouts.Generate
	ragSvc := rag.New(retriever, rag.NewSynthesizer(generator, sopts, logger), logger)

	vopts := vision.DefaultOptions()
	vopts.PersonConfidence = cfg.Detector.PersonConfidence
	vopts.MinPersonWidth = cfg.Detector.MinPersonWidth
	vopts.MinPersonHeight = cfg.Detector.MinPersonHeight
	vopts.DetectTimeout = cfg.Timeouts.Detect
	pipeline := vision.New(person, ppe, vopts, logger)

	// --- HTTP server ---
	reg := metrics.New()
	api := &Server{
		search:   retriever,
		answer:   ragSvc,
		vision:   pipeline,
		defaults: cfg.Defaults,
		reg:      reg,
		limiter:  rate.NewLimiter(rate.Limit(cfg.Server.VisionRPS), cfg.Server.VisionBurst),
		logger:   logger,
	}

	handler := mid.Chain(api.Routes(),
		mid.Recover(logger),
		mid.OTel("whs-rag-api"),
		mid.Logger(logger),
		mid.CORS(cfg.Server.CORSOrigin),
	)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	// --- Graceful shutdown ---
	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server starting", "port", cfg.Server.Port,
			"index", cfg.Index.Backend, "generator", cfg.Generator.Backend, "detector", cfg.Detector.Transport)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

func openStore(ctx context.Context, cfg config.Index) (semantic.Store, error) {
	switch cfg.Backend {
	case config.IndexPgvector:
		s, err := semantic.NewPG(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("pgvector connect: %w", err)
		}
		return s, nil
	default:
		s, err := semantic.NewQdrant(cfg.QdrantAddr)
		if err != nil {
			return nil, fmt.Errorf("qdrant connect: %w", err)
		}
		return s, nil
	}
}

func retrievalOptions(cfg config.Config) retrieval.Options {
	opts := retrieval.DefaultOptions()
	opts.Collections[0].Name = cfg.Index.Manuals
	opts.Collections[1].Name = cfg.Index.Incidents
	opts.EmbedTimeout = cfg.Timeouts.Embed
	opts.QueryTimeout = cfg.Timeouts.Search
	return opts
}

func newEmbedder(cfg config.Config) llm.Embedder {
	if cfg.Embedder.Backend == config.ModelOpenAI {
		return openai.NewEmbedClient(cfg.OpenAIKey, cfg.Embedder.BaseURL, cfg.Embedder.Model)
	}
	return ollama.NewEmbedClient(cfg.Embedder.BaseURL, cfg.Embedder.Model)
}

func newGenerator(cfg config.Config) llm.Generator {
	g := cfg.Generator
	if g.Backend == config.ModelOllama {
		return ollama.NewChatClient(g.BaseURL, g.Model.Model, g.Temperature)
	}
	return openai.NewChatClient(cfg.OpenAIKey, g.BaseURL, g.Model.Model, g.Temperature)
}

// newDetectors builds the person and PPE detector clients. The returned
// closer releases the NATS connection when that transport is used.
func newDetectors(cfg config.Config) (person, ppe detect.Detector, closer io.Closer, err error) {
	d := cfg.Detector
	if d.Transport != config.DetectNATS {
		return detect.NewHTTPClient(d.PersonURL), detect.NewHTTPClient(d.PPEURL), closerFunc(func() {}), nil
	}
	nc, err := nats.Connect(cfg.NATSURL, nats.Name("whs-rag-api"))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("nats connect: %w", err)
	}
	return detect.NewNATSClient(nc, d.PersonSubject), detect.NewNATSClient(nc, d.PPESubject), closerFunc(nc.Close), nil
}

type closerFunc func()

func (f closerFunc) Close() error { f(); return nil }
