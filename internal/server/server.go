// Package server serves the status and decision HTTP API of a running
// orchestrator. Spec ids contain slashes, so clients path-escape them
// ("app%2Fapi").
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ShayCichocki/spectree/internal/metrics"
	"github.com/ShayCichocki/spectree/internal/orchestrator"
	"github.com/ShayCichocki/spectree/pkg/models"
)

// Engine is the orchestrator surface the API needs.
type Engine interface {
	Status() (*orchestrator.Status, error)
	Node(id string) (*models.SpecNode, error)
	History(id string) ([]models.PhaseTransition, []models.AgentRun, error)
	Messages(ctx context.Context, id string, limit int) ([]models.Message, error)
	Decide(ctx context.Context, id string, d orchestrator.Decision) (*models.SpecNode, error)
	Resume(ctx context.Context, id string, to models.Phase, feedback string) (*models.SpecNode, error)
	Send(ctx context.Context, from, to string, typ models.MessageType, prio models.Priority, payload json.RawMessage) (*models.Message, error)
	CheckPath(id, p string) (bool, string, error)
	Pause()
	Unpause()
	Stop()
}

// Server holds the engine and the optional metrics registry.
type Server struct {
	engine   Engine
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	debugLog func(format string, args ...interface{})
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics serves /metrics from reg and refreshes the per-phase gauges
// on every scrape.
func WithMetrics(reg prometheus.Gatherer, m *metrics.Metrics) Option {
	return func(s *Server) {
		s.gatherer = reg
		s.metrics = m
	}
}

// WithDebugLog sets the debug logging function.
func WithDebugLog(fn func(format string, args ...interface{})) Option {
	return func(s *Server) {
		if fn != nil {
			s.debugLog = fn
		}
	}
}

// New creates a Server.
func New(engine Engine, opts ...Option) *Server {
	s := &Server{
		engine:   engine,
		debugLog: func(format string, args ...interface{}) {},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/status", s.handleStatus)
	r.Get("/approvals", s.handleApprovals)
	r.Get("/blocked", s.handleBlocked)
	r.Post("/messages", s.handleSend)
	r.Post("/control/{signal}", s.handleControl)

	r.Route("/specs/{id}", func(r chi.Router) {
		r.Get("/", s.handleNode)
		r.Get("/history", s.handleHistory)
		r.Get("/messages", s.handleMessages)
		r.Get("/scope", s.handleScope)
		r.Post("/approve", s.handleDecision(true))
		r.Post("/reject", s.handleDecision(false))
		r.Post("/unblock", s.handleUnblock)
	})

	if s.gatherer != nil {
		r.Handle("/metrics", s.metricsHandler())
	}
	return r
}

// ListenAndServe serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.debugLog("[http] %s %s %d %s", r.Method, r.URL.Path, ww.Status(), time.Since(start).Round(time.Millisecond))
	})
}

func (s *Server) metricsHandler() http.Handler {
	inner := metrics.HandlerFor(s.gatherer)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.metrics != nil {
			if st, err := s.engine.Status(); err == nil {
				s.metrics.SetNodes(st.Phases)
			}
		}
		inner.ServeHTTP(w, r)
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.Status()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleApprovals(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.Status()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNilApprovals(st.Approvals))
}

func (s *Server) handleBlocked(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.Status()
	if err != nil {
		writeError(w, err)
		return
	}
	blocked := st.Blocked
	if blocked == nil {
		blocked = []models.SpecNode{}
	}
	writeJSON(w, http.StatusOK, blocked)
}

func (s *Server) handleNode(w http.ResponseWriter, r *http.Request) {
	id, err := specID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	n, err := s.engine.Node(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

type historyResponse struct {
	Transitions []models.PhaseTransition `json:"transitions"`
	Runs        []models.AgentRun        `json:"runs"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id, err := specID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	transitions, runs, err := s.engine.History(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, historyResponse{Transitions: transitions, Runs: runs})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	id, err := specID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 0 {
			writeError(w, badRequest("invalid limit %q", v))
			return
		}
	}
	msgs, err := s.engine.Messages(r.Context(), id, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

type scopeResponse struct {
	Path    string `json:"path"`
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
}

func (s *Server) handleScope(w http.ResponseWriter, r *http.Request) {
	id, err := specID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	p := r.URL.Query().Get("path")
	if p == "" {
		writeError(w, badRequest("path is required"))
		return
	}
	ok, reason, err := s.engine.CheckPath(id, p)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, scopeResponse{Path: p, Allowed: ok, Reason: reason})
}

// DecisionRequest is the body of approve and reject calls.
type DecisionRequest struct {
	Feedback string `json:"feedback"`
	By       string `json:"by"`
	Version  int64  `json:"version"`
}

func (s *Server) handleDecision(approve bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := specID(r)
		if err != nil {
			writeError(w, err)
			return
		}
		var req DecisionRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, err)
			return
		}
		if req.By == "" {
			req.By = "http"
		}
		n, err := s.engine.Decide(r.Context(), id, orchestrator.Decision{
			Approve:  approve,
			Feedback: req.Feedback,
			By:       req.By,
			Version:  req.Version,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, n)
	}
}

// UnblockRequest is the body of unblock calls. An empty To resumes in
// architecture.
type UnblockRequest struct {
	To       models.Phase `json:"to"`
	Feedback string       `json:"feedback"`
}

func (s *Server) handleUnblock(w http.ResponseWriter, r *http.Request) {
	id, err := specID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req UnblockRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	n, err := s.engine.Resume(r.Context(), id, req.To, req.Feedback)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

// SendRequest is the body of POST /messages. An empty From sends as the
// orchestrator.
type SendRequest struct {
	From     string             `json:"from"`
	To       string             `json:"to"`
	Type     models.MessageType `json:"type"`
	Priority models.Priority    `json:"priority"`
	Payload  json.RawMessage    `json:"payload,omitempty"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.To == "" {
		writeError(w, badRequest("to is required"))
		return
	}
	msg, err := s.engine.Send(r.Context(), req.From, req.To, req.Type, req.Priority, req.Payload)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	switch sig := chi.URLParam(r, "signal"); sig {
	case "pause":
		s.engine.Pause()
	case "resume":
		s.engine.Unpause()
	case "stop":
		s.engine.Stop()
	default:
		writeError(w, badRequest("unknown signal %q", sig))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type requestError struct {
	msg string
}

func (e *requestError) Error() string { return e.msg }

func badRequest(format string, args ...any) error {
	return &requestError{msg: fmt.Sprintf(format, args...)}
}

func specID(r *http.Request) (string, error) {
	id, err := url.PathUnescape(chi.URLParam(r, "id"))
	if err != nil || id == "" {
		return "", badRequest("invalid spec id")
	}
	return id, nil
}

func decodeBody(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return badRequest("invalid request body: %v", err)
	}
	return nil
}

func nonNilApprovals(a []orchestrator.ApprovalRequest) []orchestrator.ApprovalRequest {
	if a == nil {
		return []orchestrator.ApprovalRequest{}
	}
	return a
}

type errorResponse struct {
	Error string `json:"error"`
}

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	var reqErr *requestError
	switch {
	case errors.As(err, &reqErr):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInvalidTransition), errors.Is(err, models.ErrConcurrentModification):
		return http.StatusConflict
	case errors.Is(err, models.ErrInvalidRoute):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
