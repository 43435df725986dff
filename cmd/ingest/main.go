// Command ingest loads the WHS PDF corpus into the vector index. By default
// it ingests every PDF under -dir inline; -publish queues them on NATS
// instead, and -consume runs a worker for that queue.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"

	"github.com/minesafe/whs-rag/engine/ingest"
	"github.com/minesafe/whs-rag/engine/semantic"
	"github.com/minesafe/whs-rag/pkg/config"
	"github.com/minesafe/whs-rag/pkg/fn"
	"github.com/minesafe/whs-rag/pkg/llm"
	"github.com/minesafe/whs-rag/pkg/metrics"
	"github.com/minesafe/whs-rag/pkg/ollama"
	"github.com/minesafe/whs-rag/pkg/openai"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.LoadIngest()
	if err != nil {
		logger.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	var (
		dataDir     = flag.String("dir", cfg.DataDir, "raw data root containing manuals/ and incidents/")
		validate    = flag.Bool("validate", false, "only check the raw corpus meets minimum size")
		publish     = flag.Bool("publish", false, "queue discovered PDFs on NATS instead of ingesting")
		consume     = flag.Bool("consume", false, "run a NATS ingestion worker until interrupted")
		metricsAddr = flag.String("metrics", "", "serve /metrics on this address (e.g. :9091)")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, options{
		dataDir:     *dataDir,
		validate:    *validate,
		publish:     *publish,
		consume:     *consume,
		metricsAddr: *metricsAddr,
	}); err != nil {
		logger.Error("ingest failed", "err", err)
		os.Exit(1)
	}
}

type options struct {
	dataDir     string
	validate    bool
	publish     bool
	consume     bool
	metricsAddr string
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger, opts options) error {
	if opts.validate {
		report, err := ingest.ValidateRawData(opts.dataDir)
		fmt.Println(report)
		return err
	}

	cols := ingest.Collections{Manuals: cfg.Index.Manuals, Incidents: cfg.Index.Incidents}

	if opts.publish {
		sources, err := ingest.Discover(opts.dataDir, cols)
		if err != nil {
			return err
		}
		nc, err := nats.Connect(cfg.NATSURL, nats.Name("whs-ingest-publisher"))
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		defer nc.Close()
		if err := ingest.Enqueue(ctx, nc, sources); err != nil {
			return err
		}
		logger.Info("ingest jobs queued", "count", len(sources), "subject", ingest.IngestSubject)
		return nil
	}

	store, err := openStore(ctx, cfg.Index)
	if err != nil {
		return err
	}
	defer store.Close()

	reg := metrics.New()
	if opts.metricsAddr != "" {
		go func() {
			if err := http.ListenAndServe(opts.metricsAddr, reg.Handler()); err != nil {
				logger.Error("metrics server failed", "err", err)
			}
		}()
	}

	deps := ingest.Deps{
		Embedder: countingEmbedder{newEmbedder(cfg), reg},
		Store:    store,
		Splitter: ingest.NewSplitter(),
		Retry:    fn.DefaultRetry,
		Logger:   logger,
	}

	if opts.consume {
		nc, err := nats.Connect(cfg.NATSURL, nats.Name("whs-ingest-worker"))
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		defer nc.Close()
		sub, err := ingest.StartConsumer(nc, deps)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", ingest.IngestSubject, err)
		}
		defer sub.Unsubscribe()
		logger.Info("ingest worker listening", "subject", ingest.IngestSubject)
		<-ctx.Done()
		return nil
	}

	sources, err := ingest.Discover(opts.dataDir, cols)
	if err != nil {
		return err
	}
	logger.Info("ingest starting", "dir", opts.dataDir, "files", len(sources), "index", cfg.Index.Backend)
	results, err := ingest.Run(ctx, deps, sources)
	for _, r := range results {
		reg.Counter(metrics.WithLabels("whs_ingest_files_total", "collection", r.Collection), "PDFs ingested").Inc()
		reg.Counter(metrics.WithLabels("whs_ingest_chunks_total", "collection", r.Collection), "Chunks stored").Add(int64(r.Chunks))
	}
	if err != nil {
		return err
	}
	logger.Info("ingest complete", "files", len(results))
	return nil
}

// countingEmbedder records embedding volume for the metrics endpoint.
type countingEmbedder struct {
	llm.Embedder
	reg *metrics.Registry
}

func (e countingEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	e.reg.Histogram("whs_ingest_embed_batch_size", "Texts per embed call", []float64{1, 8, 16, 32, 64}).Observe(float64(len(texts)))
	vecs, err := e.Embedder.Embed(ctx, texts)
	if err != nil {
		e.reg.Counter("whs_ingest_embed_errors_total", "Failed embed calls").Inc()
	}
	return vecs, err
}

func openStore(ctx context.Context, cfg config.Index) (semantic.Store, error) {
	if cfg.Backend == config.IndexPgvector {
		s, err := semantic.NewPG(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("pgvector connect: %w", err)
		}
		return s, nil
	}
	s, err := semantic.NewQdrant(cfg.QdrantAddr)
	if err != nil {
		return nil, fmt.Errorf("qdrant connect: %w", err)
	}
	return s, nil
}

func newEmbedder(cfg config.Config) llm.Embedder {
	if cfg.Embedder.Backend == config.ModelOpenAI {
		return openai.NewEmbedClient(cfg.OpenAIKey, cfg.Embedder.BaseURL, cfg.Embedder.Model)
	}
	return ollama.NewEmbedClient(cfg.Embedder.BaseURL, cfg.Embedder.Model)
}
