// Package natsutil provides typed NATS publish/subscribe/request helpers
// with OpenTelemetry trace propagation.
package natsutil

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
)

// natsHeaderCarrier adapts nats.Msg headers for OTel TextMapCarrier.
type natsHeaderCarrier nats.Msg

func (c *natsHeaderCarrier) Get(key string) string {
	if c.Header == nil {
		return ""
	}
	return c.Header.Get(key)
}

func (c *natsHeaderCarrier) Set(key, val string) {
	if c.Header == nil {
		c.Header = make(nats.Header)
	}
	c.Header.Set(key, val)
}

func (c *natsHeaderCarrier) Keys() []string {
	if c.Header == nil {
		return nil
	}
	keys := make([]string, 0, len(c.Header))
	for k := range c.Header {
		keys = append(keys, k)
	}
	return keys
}

// ErrorReply is sent back by Handle when the handler fails, so requesters
// see a remote error instead of a timeout.
type ErrorReply struct {
	Error string `json:"error"`
}

func newMsg[T any](ctx context.Context, subject string, v T) (*nats.Msg, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	msg := &nats.Msg{
		Subject: subject,
		Data:    data,
	}
	otel.GetTextMapPropagator().Inject(ctx, (*natsHeaderCarrier)(msg))
	return msg, nil
}

// Publish serializes v as JSON and publishes to the given subject.
// Trace context from ctx is injected into NATS message headers.
func Publish[T any](ctx context.Context, nc *nats.Conn, subject string, v T) error {
	msg, err := newMsg(ctx, subject, v)
	if err != nil {
		return err
	}
	return nc.PublishMsg(msg)
}

// Subscribe registers a handler that deserializes JSON messages of type T.
// Trace context is extracted from NATS message headers and passed to the handler.
// Malformed messages are silently dropped.
func Subscribe[T any](nc *nats.Conn, subject string, handler func(context.Context, T)) (*nats.Subscription, error) {
	return nc.Subscribe(subject, func(msg *nats.Msg) {
		var v T
		if err := json.Unmarshal(msg.Data, &v); err != nil {
			return // drop malformed messages
		}
		ctx := otel.GetTextMapPropagator().Extract(context.Background(), (*natsHeaderCarrier)(msg))
		handler(ctx, v)
	})
}

// Handle registers a typed request/reply responder on subject. Handler
// errors are answered with an ErrorReply.
func Handle[Req, Resp any](nc *nats.Conn, subject string, logger *slog.Logger, handler func(context.Context, Req) (Resp, error)) (*nats.Subscription, error) {
	if logger == nil {
		logger = slog.Default()
	}
	return nc.Subscribe(subject, func(msg *nats.Msg) {
		ctx := otel.GetTextMapPropagator().Extract(context.Background(), (*natsHeaderCarrier)(msg))
		var req Req
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			respondError(msg, logger, fmt.Errorf("decode request: %w", err))
			return
		}
		resp, err := handler(ctx, req)
		if err != nil {
			respondError(msg, logger, err)
			return
		}
		data, err := json.Marshal(resp)
		if err != nil {
			respondError(msg, logger, fmt.Errorf("encode response: %w", err))
			return
		}
		if err := msg.Respond(data); err != nil {
			logger.Warn("nats respond failed", "subject", subject, "err", err)
		}
	})
}

func respondError(msg *nats.Msg, logger *slog.Logger, err error) {
	logger.Warn("nats handler failed", "subject", msg.Subject, "err", err)
	data, _ := json.Marshal(ErrorReply{Error: err.Error()})
	if rerr := msg.Respond(data); rerr != nil {
		logger.Warn("nats respond failed", "subject", msg.Subject, "err", rerr)
	}
}

// Request sends a JSON-encoded request and decodes the response.
// The ctx deadline bounds the wait; without one nats.DefaultTimeout applies.
// A reply shaped as ErrorReply is returned as an error.
func Request[Req, Resp any](ctx context.Context, nc *nats.Conn, subject string, req Req) (Resp, error) {
	var zero Resp
	msg, err := newMsg(ctx, subject, req)
	if err != nil {
		return zero, err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, nats.DefaultTimeout)
		defer cancel()
	}
	resp, err := nc.RequestMsgWithContext(ctx, msg)
	if err != nil {
		return zero, err
	}
	var remote ErrorReply
	if json.Unmarshal(resp.Data, &remote) == nil && remote.Error != "" {
		return zero, fmt.Errorf("natsutil: remote: %s", remote.Error)
	}
	var result Resp
	if err := json.Unmarshal(resp.Data, &result); err != nil {
		return zero, err
	}
	return result, nil
}
