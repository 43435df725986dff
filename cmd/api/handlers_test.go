package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"golang.org/x/time/rate"

	"github.com/minesafe/whs-rag/engine/domain"
	"github.com/minesafe/whs-rag/engine/rag"
	"github.com/minesafe/whs-rag/pkg/config"
	"github.com/minesafe/whs-rag/pkg/metrics"
)

type mockSearcher struct {
	chunks []domain.Chunk
	err    error
	topK   int
}

func (m *mockSearcher) Retrieve(_ context.Context, _ string, topK int) ([]domain.Chunk, error) {
	m.topK = topK
	return m.chunks, m.err
}

type mockAnswerer struct {
	err   error
	query string
	topK  int
}

func (m *mockAnswerer) Answer(_ context.Context, query string, topK int) (*rag.Answer, error) {
	m.query, m.topK = query, topK
	if m.err != nil {
		return nil, m.err
	}
	if err := domain.ValidateQuery(query, topK); err != nil {
		return nil, err
	}
	return &rag.Answer{Query: query, Text: "Wear a helmet [1].", References: []domain.Chunk{chunk(0.1)}}, nil
}

type mockVision struct {
	detections []domain.Detection
	err        error
	conf       float64
	calls      int
}

func (m *mockVision) DetectHazards(_ context.Context, img []byte, conf float64) ([]domain.Detection, error) {
	m.calls++
	m.conf = conf
	if len(img) == 0 {
		return nil, domain.NewValidationError("file", "", domain.ErrEmptyImage)
	}
	return m.detections, m.err
}

func chunk(score float64) domain.Chunk {
	page := 3
	return domain.Chunk{Text: "Helmets are mandatory.", DocType: domain.DocTypeManual,
		SourcePath: "data/raw/manuals/ppe.pdf", PageNumber: &page, Score: &score}
}

func newTestServer(s Searcher, a Answerer, v HazardDetector) (*Server, http.Handler) {
	srv := &Server{
		search:   s,
		answer:   a,
		vision:   v,
		defaults: config.Default().Defaults,
		reg:      metrics.New(),
		limiter:  rate.NewLimiter(rate.Inf, 1),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	return srv, srv.Routes()
}

func do(h http.Handler, method, target string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	_, h := newTestServer(nil, nil, nil)
	rec := do(h, "GET", "/health", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp map[string]string
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp["status"] != "ok" {
		t.Fatalf("expected status ok, got %v", resp)
	}
}

func TestRAGQuery(t *testing.T) {
	s := &mockSearcher{chunks: []domain.Chunk{chunk(0.1), chunk(0.2)}}
	_, h := newTestServer(s, nil, nil)

	rec := do(h, "POST", "/rag/query", strings.NewReader(`{"query":"helmet rules"}`), "application/json")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	if s.topK != 5 {
		t.Errorf("default top_k = %d, want 5", s.topK)
	}
	var resp QueryResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Query != "helmet rules" || len(resp.Results) != 2 || *resp.Results[1].Score != 0.2 {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestRAGQueryValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"invalid json", "not json"},
		{"empty query", `{"query":"  "}`},
		{"zero top_k", `{"query":"q","top_k":0}`},
		{"huge top_k", `{"query":"q","top_k":1000}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, h := newTestServer(&mockSearcher{}, nil, nil)
			rec := do(h, "POST", "/rag/query", strings.NewReader(tt.body), "application/json")
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rec.Code)
			}
		})
	}
}

func TestRAGQueryBackendError(t *testing.T) {
	_, h := newTestServer(&mockSearcher{err: errors.New("qdrant down: secret detail")}, nil, nil)
	rec := do(h, "POST", "/rag/query", strings.NewReader(`{"query":"q"}`), "application/json")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "secret") {
		t.Fatal("internal error detail leaked to client")
	}
}

func TestRAGAnswer(t *testing.T) {
	a := &mockAnswerer{}
	_, h := newTestServer(nil, a, nil)

	rec := do(h, "POST", "/rag/answer", strings.NewReader(`{"query":"helmet rules","top_k":3}`), "application/json")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	if a.topK != 3 {
		t.Errorf("top_k = %d, want 3", a.topK)
	}
	var resp map[string]any
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp["answer"] != "Wear a helmet [1]." || resp["query"] != "helmet rules" {
		t.Fatalf("unexpected response %v", resp)
	}
	if refs, _ := resp["references"].([]any); len(refs) != 1 {
		t.Fatalf("expected 1 reference, got %v", resp["references"])
	}

	rec = do(h, "POST", "/rag/answer", strings.NewReader(`{"query":"x"}`), "application/json")
	if rec.Code != http.StatusOK || a.topK != 6 {
		t.Fatalf("default top_k = %d, want 6 (status %d)", a.topK, rec.Code)
	}
}

func multipartImage(t *testing.T, field string, data []byte) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile(field, "site.jpg")
	if err != nil {
		t.Fatal(err)
	}
	fw.Write(data)
	mw.Close()
	return &buf, mw.FormDataContentType()
}

func TestVisionHazard(t *testing.T) {
	v := &mockVision{detections: []domain.Detection{
		{Label: domain.LabelNoHelmet, Confidence: 0.8, Box: domain.Box{X1: 110, Y1: 60, X2: 160, Y2: 110}},
		{Label: domain.LabelVest, Confidence: 0.6, Box: domain.Box{X1: 100, Y1: 120, X2: 200, Y2: 200}},
	}}
	a := &mockAnswerer{}
	srv, h := newTestServer(nil, a, v)

	body, ct := multipartImage(t, "file", []byte("jpeg-bytes"))
	rec := do(h, "POST", "/vision/hazard?conf=0.4&top_k=4", body, ct)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	if v.conf != 0.4 || a.topK != 4 {
		t.Errorf("conf=%g top_k=%d", v.conf, a.topK)
	}
	var resp HazardResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Counts.RiskLevel != domain.RiskElevated || resp.Counts.Count(domain.LabelNoHelmet) != 1 {
		t.Errorf("counts = %+v", resp.Counts)
	}
	want := "Detected: helmet=0, no-helmet=1, vest=1, no-vest=0, boots=0, no-boots=0. risk_level=elevated."
	if resp.Summary != want {
		t.Errorf("hazard_summary = %q, want %q", resp.Summary, want)
	}
	if len(resp.Detections) != 2 || resp.Detections[0].Box.Y2 != 110 {
		t.Errorf("detections = %+v", resp.Detections)
	}
	if resp.RAGQuery != a.query || !strings.Contains(resp.RAGQuery, "no-helmet=1") {
		t.Errorf("rag_query = %q", resp.RAGQuery)
	}
	if resp.Answer == "" || len(resp.References) != 1 {
		t.Errorf("answer = %q refs = %d", resp.Answer, len(resp.References))
	}
	if !strings.Contains(srv.reg.Render(), `whs_ppe_detections_total{label="no-helmet"} 1`) {
		t.Error("detection counter not recorded")
	}
}

func TestVisionHazardDefaultsAndNoPeople(t *testing.T) {
	v := &mockVision{detections: []domain.Detection{}}
	a := &mockAnswerer{}
	_, h := newTestServer(nil, a, v)

	body, ct := multipartImage(t, "file", []byte("jpeg-bytes"))
	rec := do(h, "POST", "/vision/hazard", body, ct)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if v.conf != 0.25 || a.topK != 6 {
		t.Errorf("defaults: conf=%g top_k=%d", v.conf, a.topK)
	}
	var resp HazardResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Counts.RiskLevel != domain.RiskUnknown || !strings.HasSuffix(resp.Summary, "risk_level=unknown.") {
		t.Errorf("summary = %q counts = %+v", resp.Summary, resp.Counts)
	}
	if resp.Detections == nil {
		t.Error("detections should encode as [] not null")
	}
}

func TestVisionHazardBadRequests(t *testing.T) {
	v := &mockVision{}
	_, h := newTestServer(nil, &mockAnswerer{}, v)

	body, ct := multipartImage(t, "image", []byte("x"))
	if rec := do(h, "POST", "/vision/hazard", body, ct); rec.Code != http.StatusBadRequest {
		t.Errorf("missing file field: got %d", rec.Code)
	}
	body, ct = multipartImage(t, "file", []byte("x"))
	if rec := do(h, "POST", "/vision/hazard?conf=high", body, ct); rec.Code != http.StatusBadRequest {
		t.Errorf("bad conf: got %d", rec.Code)
	}
	body, ct = multipartImage(t, "file", []byte("x"))
	if rec := do(h, "POST", "/vision/hazard?top_k=many", body, ct); rec.Code != http.StatusBadRequest {
		t.Errorf("bad top_k: got %d", rec.Code)
	}
	body, ct = multipartImage(t, "file", nil)
	if rec := do(h, "POST", "/vision/hazard", body, ct); rec.Code != http.StatusBadRequest {
		t.Errorf("empty image: got %d", rec.Code)
	}
}

func TestVisionHazardRejectsTopKBeforeDetection(t *testing.T) {
	for _, q := range []string{"top_k=0", "top_k=-2", "top_k=100"} {
		t.Run(q, func(t *testing.T) {
			v := &mockVision{detections: []domain.Detection{}}
			a := &mockAnswerer{}
			_, h := newTestServer(nil, a, v)

			body, ct := multipartImage(t, "file", []byte("jpeg-bytes"))
			rec := do(h, "POST", "/vision/hazard?"+q, body, ct)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rec.Code)
			}
			if v.calls != 0 || a.query != "" {
				t.Fatalf("detector calls = %d, answer query = %q; want no work done", v.calls, a.query)
			}
		})
	}
}

func TestVisionHazardRateLimited(t *testing.T) {
	srv, _ := newTestServer(nil, &mockAnswerer{}, &mockVision{detections: []domain.Detection{}})
	srv.limiter = rate.NewLimiter(rate.Limit(0.001), 1)
	h := srv.Routes()

	codes := make([]int, 2)
	for i := range codes {
		body, ct := multipartImage(t, "file", []byte("x"))
		codes[i] = do(h, "POST", "/vision/hazard", body, ct).Code
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusTooManyRequests {
		t.Fatalf("codes = %v, want [200 429]", codes)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	_, h := newTestServer(&mockSearcher{}, nil, nil)
	do(h, "GET", "/health", nil, "")
	do(h, "POST", "/rag/query", strings.NewReader(`{"query":"q"}`), "application/json")

	rec := do(h, "GET", "/metrics", nil, "")
	out := rec.Body.String()
	for _, want := range []string{
		`whs_http_requests_total{path="/health",status="200"} 1`,
		`whs_http_requests_total{path="/rag/query",status="200"} 1`,
		`whs_stage_seconds_count{stage="retrieve"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in:\n%s", want, out)
		}
	}
}
