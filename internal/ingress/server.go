// Package ingress implements the HTTP surface EvaluateApp exposes to the
// requesting application: signature-verified submission intake on
// /evaluate and a health probe on /. It is the only package that touches
// net/http request/response plumbing; everything past admission is the
// evaluator's job.
package ingress

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ocx/evaluateapp/internal/config"
	"github.com/ocx/evaluateapp/internal/evaluator"
	"github.com/ocx/evaluateapp/internal/metrics"
	"github.com/ocx/evaluateapp/internal/signing"
)

// maxUploadMemory bounds the portion of a multipart body ParseMultipartForm
// buffers in memory before spilling to temp files; archives bigger than
// this still work, they just round-trip through disk during parsing.
const maxUploadMemory = 32 << 20 // 32 MiB

// Server wires the /evaluate and / handlers onto a gorilla/mux router.
type Server struct {
	cfg          *config.Config
	eval         *evaluator.Evaluator
	metrics      *metrics.Metrics
	logger       *slog.Logger
	shuttingDown atomic.Bool
	router       *mux.Router
}

// New builds the ingress router.
func New(cfg *config.Config, eval *evaluator.Evaluator, m *metrics.Metrics) *Server {
	s := &Server{
		cfg:     cfg,
		eval:    eval,
		metrics: m,
		logger:  slog.Default().With("component", "ingress"),
	}

	r := mux.NewRouter()
	r.HandleFunc("/evaluate", s.handleEvaluate).Methods(http.MethodPost)
	r.HandleFunc("/", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/debug/sandbox", s.handleDebugSandbox).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	s.router = r
	return s
}

// Handler returns the http.Handler to mount on an *http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Shutdown marks the server as draining: new /evaluate requests are
// refused with 503 from this point on, while in-flight evaluations finish
// or time out on their own. It does not itself stop the HTTP listener —
// call http.Server.Shutdown for that, after Shutdown has been called here.
func (s *Server) Shutdown() {
	s.shuttingDown.Store(true)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "EvaluateApp is running"})
}

// handleDebugSandbox answers "is the configured sandbox backend usable" —
// the chroot template root being present, or the Docker daemon being
// reachable — without running a real evaluation.
func (s *Server) handleDebugSandbox(w http.ResponseWriter, r *http.Request) {
	backend, available, detail := s.eval.ProbeSandbox(r.Context())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"backend":   backend,
		"available": available,
		"detail":    detail,
	})
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "EvaluateApp is shutting down"})
		return
	}

	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		s.metrics.RequestsTotal.WithLabelValues("bad_request").Inc()
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "invalid multipart body"})
		return
	}

	submissionID := r.FormValue("submission_id")
	callbackURL := r.FormValue("callback_url")

	submissionZip, err := readFormFile(r, "submission_zip")
	if err != nil {
		s.metrics.RequestsTotal.WithLabelValues("bad_request").Inc()
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "missing or unreadable submission_zip"})
		return
	}
	judgeZip, err := readFormFile(r, "judge_zip")
	if err != nil {
		s.metrics.RequestsTotal.WithLabelValues("bad_request").Inc()
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "missing or unreadable judge_zip"})
		return
	}

	timestamp := r.Header.Get("X-Timestamp")
	signature := r.Header.Get("X-Sign")

	err = signing.VerifyRequest(
		s.cfg.Security.SharedSecret,
		timestamp,
		signature,
		submissionID,
		submissionZip,
		judgeZip,
		callbackURL,
		time.Duration(s.cfg.Security.ReplayWindowSec)*time.Second,
		time.Now(),
	)
	if err != nil {
		s.metrics.RequestsTotal.WithLabelValues("auth_error").Inc()
		s.logger.Warn("signature verification failed", "submission_id", submissionID, "error", err)
		writeJSON(w, http.StatusUnauthorized, map[string]string{"status": err.Error()})
		return
	}

	s.metrics.RequestsTotal.WithLabelValues("admitted").Inc()

	// The response thread returns immediately; the pipeline runs on a
	// detached background task so that an evaluation's 300+ second
	// lifetime never blocks the request goroutine or the caller's HTTP
	// client.
	go s.eval.Evaluate(context.Background(), evaluator.Request{
		SubmissionID:  submissionID,
		SubmissionZip: submissionZip,
		JudgeZip:      judgeZip,
		CallbackURL:   callbackURL,
	})

	writeJSON(w, http.StatusOK, map[string]string{
		"status":        "Evaluation started",
		"submission_id": submissionID,
	})
}

func readFormFile(r *http.Request, field string) ([]byte, error) {
	f, _, err := r.FormFile(field)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
