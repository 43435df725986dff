package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/minesafe/whs-rag/engine/domain"
	"github.com/minesafe/whs-rag/engine/rag"
	"github.com/minesafe/whs-rag/engine/vision"
	"github.com/minesafe/whs-rag/pkg/config"
	"github.com/minesafe/whs-rag/pkg/metrics"
	"github.com/minesafe/whs-rag/pkg/mid"
)

// maxUpload bounds the multipart body accepted by /vision/hazard.
const maxUpload = 20 << 20

// Searcher runs retrieval only.
type Searcher interface {
	Retrieve(ctx context.Context, query string, topK int) ([]domain.Chunk, error)
}

// Answerer runs retrieval plus synthesis.
type Answerer interface {
	Answer(ctx context.Context, query string, topK int) (*rag.Answer, error)
}

// HazardDetector runs the two-stage PPE pipeline.
type HazardDetector interface {
	DetectHazards(ctx context.Context, image []byte, conf float64) ([]domain.Detection, error)
}

// Server holds the handler dependencies.
type Server struct {
	search   Searcher
	answer   Answerer
	vision   HazardDetector
	defaults config.Defaults
	reg      *metrics.Registry
	limiter  *rate.Limiter
	logger   *slog.Logger
}

// Routes registers every endpoint. Each route records its own request
// metrics so unmatched paths never become label values.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	handle := func(pattern string, h http.Handler, mw ...mid.Middleware) {
		mux.Handle(pattern, mid.Chain(h, append([]mid.Middleware{mid.Metrics(s.reg)}, mw...)...))
	}
	handle("GET /health", http.HandlerFunc(handleHealth))
	mux.Handle("GET /metrics", s.reg.Handler())
	handle("POST /rag/query", s.handleQuery())
	handle("POST /rag/answer", s.handleAnswer())
	handle("POST /vision/hazard", s.handleHazard(), mid.RateLimit(s.limiter))
	return mux
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// QueryRequest is the JSON body for /rag/query and /rag/answer. A nil
// TopK takes the endpoint default.
type QueryRequest struct {
	Query string `json:"query"`
	TopK  *int   `json:"top_k,omitempty"`
}

// QueryResponse is returned by /rag/query.
type QueryResponse struct {
	Query   string         `json:"query"`
	Results []domain.Chunk `json:"results"`
}

// HazardResponse is returned by /vision/hazard. Summary is the same
// "Detected: ..." line embedded in RAGQuery; Counts carries it structured.
type HazardResponse struct {
	Summary    string               `json:"hazard_summary"`
	Counts     domain.HazardSummary `json:"hazard_counts"`
	Detections []domain.Detection   `json:"detections"`
	RAGQuery   string               `json:"rag_query"`
	Answer     string               `json:"answer"`
	References []domain.Chunk       `json:"references"`
}

func (s *Server) handleQuery() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := s.decodeQuery(w, r, s.defaults.QueryTopK)
		if !ok {
			return
		}
		if err := domain.ValidateQuery(req.Query, *req.TopK); err != nil {
			s.fail(w, "rag query", err)
			return
		}

		start := time.Now()
		chunks, err := s.search.Retrieve(r.Context(), req.Query, *req.TopK)
		if err != nil {
			s.fail(w, "rag query", err)
			return
		}
		s.stage("retrieve").Since(start)
		writeJSON(w, http.StatusOK, QueryResponse{Query: req.Query, Results: chunks})
	}
}

func (s *Server) handleAnswer() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := s.decodeQuery(w, r, s.defaults.AnswerTopK)
		if !ok {
			return
		}

		start := time.Now()
		ans, err := s.answer.Answer(r.Context(), req.Query, *req.TopK)
		if err != nil {
			s.fail(w, "rag answer", err)
			return
		}
		s.stage("answer").Since(start)
		writeJSON(w, http.StatusOK, ans)
	}
}

func (s *Server) handleHazard() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		topK, err := intParam(r, "top_k", s.defaults.AnswerTopK)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := domain.ValidateTopK(topK); err != nil {
			s.fail(w, "vision hazard", err)
			return
		}
		conf, err := floatParam(r, "conf", s.defaults.PPEConfidence)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxUpload)
		file, _, err := r.FormFile("file")
		if err != nil {
			writeError(w, http.StatusBadRequest, "multipart field \"file\" is required")
			return
		}
		defer file.Close()
		img, err := io.ReadAll(file)
		if err != nil {
			writeError(w, http.StatusBadRequest, "could not read upload")
			return
		}

		start := time.Now()
		detections, err := s.vision.DetectHazards(r.Context(), img, conf)
		if err != nil {
			s.fail(w, "vision hazard", err)
			return
		}
		s.stage("vision").Since(start)
		for _, d := range detections {
			s.reg.Counter(metrics.WithLabels("whs_ppe_detections_total", "label", string(d.Label)),
				"PPE detections by label").Inc()
		}

		summary := vision.Summarize(detections)
		query := vision.BuildQuery(summary)
		start = time.Now()
		ans, err := s.answer.Answer(r.Context(), query, topK)
		if err != nil {
			s.fail(w, "vision hazard", err)
			return
		}
		s.stage("answer").Since(start)

		writeJSON(w, http.StatusOK, HazardResponse{
			Summary:    summary.String(),
			Counts:     summary,
			Detections: detections,
			RAGQuery:   query,
			Answer:     ans.Text,
			References: ans.References,
		})
	}
}

func (s *Server) decodeQuery(w http.ResponseWriter, r *http.Request, defaultTopK int) (QueryRequest, bool) {
	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return req, false
	}
	if req.TopK == nil {
		req.TopK = &defaultTopK
	}
	return req, true
}

func (s *Server) stage(name string) *metrics.Histogram {
	return s.reg.Histogram(metrics.WithLabels("whs_stage_seconds", "stage", name), "Pipeline stage latency", nil)
}

// fail maps validation errors to 400 with their message and everything
// else to a generic 500.
func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	if domain.IsValidation(err) {
		s.logger.Warn(op+" rejected", "err", err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if errors.Is(err, context.Canceled) {
		s.logger.Info(op+" canceled", "err", err)
	} else {
		s.logger.Error(op+" failed", "err", err)
	}
	writeError(w, http.StatusInternalServerError, "internal server error")
}

func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.New(name + " must be an integer")
	}
	return n, nil
}

func floatParam(r *http.Request, name string, def float64) (float64, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, errors.New(name + " must be a number")
	}
	return f, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
