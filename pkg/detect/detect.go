// Package detect is the transport for object-detection model services.
// A detector takes an encoded image and returns class-tagged boxes in the
// image's pixel coordinates.
package detect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/minesafe/whs-rag/pkg/natsutil"
)

// Request asks a detector to run on one encoded image (PNG or JPEG).
type Request struct {
	Image      []byte  `json:"image"`
	Confidence float64 `json:"conf"`
	Classes    []int   `json:"classes,omitempty"`
}

// Result is one raw detection.
type Result struct {
	ClassID    int        `json:"class_id"`
	Confidence float64    `json:"conf"`
	Box        [4]float64 `json:"box_xyxy"`
}

// Response carries the detections plus the model's class-id to name table.
type Response struct {
	Detections []Result       `json:"detections"`
	Names      map[int]string `json:"names"`
}

// Name resolves a class id, returning "" when the model does not name it.
func (r Response) Name(classID int) string {
	return r.Names[classID]
}

// Detector runs an object-detection model.
type Detector interface {
	Detect(ctx context.Context, req Request) (Response, error)
}

// HTTPClient calls a detector service over HTTP (POST {base}/predict).
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient creates a detector client for baseURL.
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Detect implements Detector.
func (c *HTTPClient) Detect(ctx context.Context, req Request) (Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("detect: marshal: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/predict", bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("detect: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("detect: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Response{}, fmt.Errorf("detect: status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Response{}, fmt.Errorf("detect: decode: %w", err)
	}
	return out, nil
}

// NATSClient calls a detector service via NATS request/reply.
type NATSClient struct {
	nc      *nats.Conn
	subject string
}

// NewNATSClient creates a detector client that requests on subject.
func NewNATSClient(nc *nats.Conn, subject string) *NATSClient {
	return &NATSClient{nc: nc, subject: subject}
}

// Detect implements Detector.
func (c *NATSClient) Detect(ctx context.Context, req Request) (Response, error) {
	resp, err := natsutil.Request[Request, Response](ctx, c.nc, c.subject, req)
	if err != nil {
		return Response{}, fmt.Errorf("detect: nats %s: %w", c.subject, err)
	}
	return resp, nil
}
