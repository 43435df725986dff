package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/minesafe/whs-rag/pkg/natsutil"
)

const (
	// IngestSubject is the NATS subject for ingestion jobs.
	IngestSubject = "whs.ingest"
	// DLQSubject is the dead letter queue subject for failed jobs.
	DLQSubject = "whs.ingest.dlq"
	// MaxRetries before sending to DLQ.
	MaxRetries = 3

	retryHeader = "X-Retry-Count"
)

// dlqMessage is published to the DLQ on repeated failure.
type dlqMessage struct {
	Source  Source `json:"source"`
	Error   string `json:"error"`
	Retries int    `json:"retries"`
}

// Enqueue publishes one ingestion job per source.
func Enqueue(ctx context.Context, nc *nats.Conn, sources []Source) error {
	for _, src := range sources {
		if err := natsutil.Publish(ctx, nc, IngestSubject, src); err != nil {
			return fmt.Errorf("ingest: enqueue %s: %w", src.Path, err)
		}
	}
	return nc.FlushWithContext(ctx)
}

// StartConsumer runs queued sources through the pipeline. Failed jobs are
// re-published with an incremented retry count and go to the DLQ after
// MaxRetries attempts.
func StartConsumer(nc *nats.Conn, deps Deps) (*nats.Subscription, error) {
	pipeline := NewPipeline(deps)
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}

	return nc.Subscribe(IngestSubject, func(msg *nats.Msg) {
		var src Source
		if err := json.Unmarshal(msg.Data, &src); err != nil {
			log.Error("ingest: unmarshal failed", "err", err)
			return
		}
		ctx := otel.GetTextMapPropagator().Extract(context.Background(), propagation.HeaderCarrier(msg.Header))

		retries := 0
		if msg.Header != nil {
			retries, _ = strconv.Atoi(msg.Header.Get(retryHeader))
		}

		res, err := pipeline(ctx, src).Unwrap()
		if err == nil {
			log.Info("ingest: success", "path", res.Path, "collection", res.Collection, "chunks", res.Chunks)
			return
		}

		retries++
		log.Error("ingest: pipeline failed", "err", err, "path", src.Path, "retry", retries)
		if retries >= MaxRetries {
			if err := natsutil.Publish(ctx, nc, DLQSubject, dlqMessage{Source: src, Error: err.Error(), Retries: retries}); err != nil {
				log.Error("ingest: DLQ publish failed", "err", err)
			}
			return
		}

		retryMsg := nats.NewMsg(IngestSubject)
		retryMsg.Data = msg.Data
		retryMsg.Header = nats.Header{}
		for k, v := range msg.Header {
			retryMsg.Header[k] = v
		}
		retryMsg.Header.Set(retryHeader, strconv.Itoa(retries))
		if err := nc.PublishMsg(retryMsg); err != nil {
			log.Error("ingest: retry publish failed", "err", err)
		}
	})
}
