// Package api exposes the governance core over REST/JSON: candidate
// submission, decision lookup, review votes and a websocket progress
// stream.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/covenant/governor/internal/audit"
	"github.com/covenant/governor/internal/cache"
	"github.com/covenant/governor/internal/core"
	"github.com/covenant/governor/internal/identity"
	"github.com/covenant/governor/internal/middleware"
	"github.com/covenant/governor/internal/orchestrator"
	"github.com/covenant/governor/internal/policy"
)

// Processor is the orchestrator surface the API needs.
type Processor interface {
	Process(ctx context.Context, cand core.Candidate) (*orchestrator.Outcome, error)
	SubmitReviewDecision(ctx context.Context, requestID, reviewerID string, decision orchestrator.ReviewDecision, modified string) (*orchestrator.Outcome, error)
	State(candidateID string) (core.CandidateState, bool)
}

// ChainVerifier exposes the audit chain check for the health surface.
type ChainVerifier interface {
	VerifyChain() error
	Sequence() uint64
	Tail(n int) []audit.Event
}

// Server wires the HTTP surface of the platform.
type Server struct {
	processor Processor
	engine    *policy.Engine
	decisions *cache.Tiered
	auditLog  ChainVerifier
	stamper   *identity.Stamper
	limiter   *middleware.RateLimiter
	streamer  *ProgressStreamer
	logger    *log.Logger
}

// NewServer builds the API server. decisions and auditLog may be nil in
// tests; the corresponding endpoints degrade gracefully.
func NewServer(processor Processor, engine *policy.Engine, decisions *cache.Tiered, auditLog ChainVerifier, stamper *identity.Stamper, limiter *middleware.RateLimiter, streamer *ProgressStreamer) *Server {
	return &Server{
		processor: processor,
		engine:    engine,
		decisions: decisions,
		auditLog:  auditLog,
		stamper:   stamper,
		limiter:   limiter,
		streamer:  streamer,
		logger:    log.New(log.Writer(), "[API] ", log.LstdFlags),
	}
}

// Router assembles routes and middleware. Health, metrics and the
// websocket stream bypass the identity check; everything under /api
// requires the constitutional identifier header.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+middleware.IdentifierHeader+", X-Submitter")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	if s.streamer != nil {
		r.HandleFunc("/ws/progress", s.streamer.HandleWebSocket)
	}

	api := r.PathPrefix("/api").Subrouter()
	var auditor cache.Auditor
	if a, ok := s.auditLog.(cache.Auditor); ok {
		auditor = a
	}
	api.Use(func(next http.Handler) http.Handler {
		return middleware.IdentityMiddleware(s.stamper, auditor, next)
	})
	if s.limiter != nil {
		api.Use(s.limiter.Middleware)
	}

	api.HandleFunc("/candidates", s.handleSubmitCandidate).Methods("POST")
	api.HandleFunc("/candidates/{id}/progress", s.handleProgress).Methods("GET")
	api.HandleFunc("/decisions/{fingerprint}", s.handleDecisionLookup).Methods("GET")
	api.HandleFunc("/reviews/{id}/decision", s.handleReviewDecision).Methods("POST")
	api.HandleFunc("/audit/tail", s.handleAuditTail).Methods("GET")

	return r
}

// Start blocks serving HTTP on the given port.
func (s *Server) Start(port string) error {
	addr := fmt.Sprintf(":%s", port)
	s.logger.Printf("governance API listening on %s", addr)
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return srv.ListenAndServe()
}

// ============================================================================
// HANDLERS
// ============================================================================

// statusForOutcome maps terminal and suspended candidate states onto HTTP.
func statusForOutcome(out *orchestrator.Outcome) int {
	switch out.State {
	case core.StateCommitted:
		return http.StatusOK
	case core.StateInReview:
		return http.StatusAccepted
	case core.StateDenied:
		return http.StatusForbidden
	case core.StateRolledBack:
		return http.StatusInternalServerError
	}
	return http.StatusOK
}

func (s *Server) handleSubmitCandidate(w http.ResponseWriter, r *http.Request) {
	var cand core.Candidate
	if err := json.NewDecoder(r.Body).Decode(&cand); err != nil {
		writeError(w, http.StatusBadRequest, "malformed candidate: "+err.Error())
		return
	}
	if cand.Identifier == "" {
		cand.Identifier = r.Header.Get(middleware.IdentifierHeader)
	}
	if cand.Submitter == "" {
		cand.Submitter = r.Header.Get("X-Submitter")
	}

	out, err := s.processor.Process(r.Context(), cand)
	if err != nil {
		if core.IsKind(err, core.ErrConstitutionalMismatch) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		if out != nil {
			writeJSON(w, statusForOutcome(out), out)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, statusForOutcome(out), out)
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	state, ok := s.processor.State(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown candidate "+id)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"candidate_id": id,
		"state":        state,
		"terminal":     state.Terminal(),
	})
}

func (s *Server) handleDecisionLookup(w http.ResponseWriter, r *http.Request) {
	if s.decisions == nil || s.engine == nil {
		writeError(w, http.StatusServiceUnavailable, "decision cache not configured")
		return
	}
	fp := mux.Vars(r)["fingerprint"]
	key := "decision:" + s.engine.ActiveBundleID() + ":" + fp
	raw, ok := s.decisions.Get(r.Context(), key)
	if !ok {
		writeError(w, http.StatusNotFound, "no cached decision for fingerprint")
		return
	}
	var rec core.DecisionRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		writeError(w, http.StatusInternalServerError, "undecodable decision record")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleReviewDecision(w http.ResponseWriter, r *http.Request) {
	requestID := mux.Vars(r)["id"]
	var body struct {
		ReviewerID string `json:"reviewer_id"`
		Decision   string `json:"decision"`
		Modified   string `json:"modified_content,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed vote: "+err.Error())
		return
	}

	out, err := s.processor.SubmitReviewDecision(r.Context(), requestID,
		body.ReviewerID, orchestrator.ReviewDecision(body.Decision), body.Modified)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if out == nil {
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "vote recorded"})
		return
	}
	writeJSON(w, statusForOutcome(out), out)
}

func (s *Server) handleAuditTail(w http.ResponseWriter, r *http.Request) {
	if s.auditLog == nil {
		writeError(w, http.StatusServiceUnavailable, "audit log not configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sequence": s.auditLog.Sequence(),
		"events":   s.auditLog.Tail(20),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	health := map[string]interface{}{
		"status":     "ok",
		"identifier": s.stamper.Identifier(),
	}
	code := http.StatusOK
	if s.auditLog != nil {
		if err := s.auditLog.VerifyChain(); err != nil {
			health["status"] = "degraded"
			health["audit_chain"] = err.Error()
			code = http.StatusServiceUnavailable
		} else {
			health["audit_sequence"] = s.auditLog.Sequence()
		}
	}
	writeJSON(w, code, health)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
