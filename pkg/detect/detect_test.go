package detect

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/minesafe/whs-rag/pkg/natsutil"
)

var _ Detector = (*HTTPClient)(nil)
var _ Detector = (*NATSClient)(nil)

func sampleResponse() Response {
	return Response{
		Detections: []Result{{ClassID: 0, Confidence: 0.9, Box: [4]float64{10, 20, 110, 220}}},
		Names:      map[int]string{0: "person"},
	}
}

func TestHTTPClient_Detect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/predict" || r.Method != http.MethodPost {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(req.Image, []byte{0x89, 'P', 'N', 'G'}) || req.Confidence != 0.35 || len(req.Classes) != 1 {
			t.Errorf("unexpected request: %+v", req)
		}
		json.NewEncoder(w).Encode(sampleResponse())
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL)
	resp, err := c.Detect(context.Background(), Request{Image: []byte{0x89, 'P', 'N', 'G'}, Confidence: 0.35, Classes: []int{0}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.Detections) != 1 || resp.Name(0) != "person" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.Detections[0].Box != [4]float64{10, 20, 110, 220} {
		t.Errorf("unexpected box %v", resp.Detections[0].Box)
	}
	if resp.Name(7) != "" {
		t.Error("unknown class should resolve to empty name")
	}
}

func TestHTTPClient_Status(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "weights missing", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	if _, err := NewHTTPClient(srv.URL).Detect(context.Background(), Request{}); err == nil {
		t.Fatal("expected error on 503")
	}
}

func TestHTTPClient_BadJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("{nope"))
	}))
	defer srv.Close()

	if _, err := NewHTTPClient(srv.URL).Detect(context.Background(), Request{}); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestNATSClient_Detect(t *testing.T) {
	srv, err := natsserver.NewServer(&natsserver.Options{Port: -1})
	if err != nil {
		t.Fatal(err)
	}
	srv.Start()
	defer srv.Shutdown()
	if !srv.ReadyForConnections(3 * time.Second) {
		t.Fatal("nats not ready")
	}
	nc, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatal(err)
	}
	defer nc.Close()

	sub, err := natsutil.Handle(nc, "detect.person", nil, func(_ context.Context, req Request) (Response, error) {
		if req.Confidence != 0.35 {
			t.Errorf("unexpected conf %v", req.Confidence)
		}
		return sampleResponse(), nil
	})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := NewNATSClient(nc, "detect.person").Detect(ctx, Request{Image: []byte("img"), Confidence: 0.35})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.Detections) != 1 || resp.Name(0) != "person" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}
