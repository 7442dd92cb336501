// Package server exposes the scheduler and retrieval engine over HTTP.
// Authentication is an external collaborator: handlers trust the
// X-User-ID and X-User-Tier headers a fronting gateway sets.
package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/draftforge/draftforge/retrieval"
	"github.com/draftforge/draftforge/sched"
)

// Server wires the HTTP surface to the scheduling and retrieval cores.
type Server struct {
	scheduler *sched.Scheduler
	engine    *retrieval.Engine
	gen       sched.Generator
}

// NewServer builds the HTTP layer. gen serves the direct streaming
// path; queued generation goes through the scheduler.
func NewServer(scheduler *sched.Scheduler, engine *retrieval.Engine, gen sched.Generator) *Server {
	return &Server{scheduler: scheduler, engine: engine, gen: gen}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/generate", s.handleGenerate)
	mux.HandleFunc("GET /v1/requests/{id}", s.handleRequestStatus)
	mux.HandleFunc("GET /v1/stats", s.handleStats)
	mux.HandleFunc("GET /v1/retrieve", s.handleRetrieve)
	mux.HandleFunc("POST /v1/snippets", s.handleIngest)
	mux.HandleFunc("GET /v1/health", s.handleHealth)
	mux.HandleFunc("GET /v1/sections/stream", s.handleSectionStream)
	return mux
}

// identity is the trusted caller context from the fronting gateway.
type identity struct {
	UserID int64
	Tier   string
}

func callerIdentity(r *http.Request) (identity, error) {
	raw := r.Header.Get("X-User-ID")
	if raw == "" {
		return identity{}, fmt.Errorf("missing X-User-ID header")
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return identity{}, fmt.Errorf("invalid X-User-ID header: %v", err)
	}
	tier := r.Header.Get("X-User-Tier")
	if tier == "" {
		tier = "free"
	}
	return identity{UserID: id, Tier: tier}, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.Warnf("failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type generateRequest struct {
	Prompt           string `json:"prompt"`
	Model            string `json:"model"`
	System           string `json:"system"`
	Priority         string `json:"priority"`
	Template         string `json:"template"`
	EstimatedSeconds int    `json:"estimated_duration_seconds"`
}

type generateResponse struct {
	RequestID            string  `json:"request_id,omitempty"`
	Status               string  `json:"status"`
	Result               string  `json:"result,omitempty"`
	Reason               string  `json:"reason,omitempty"`
	Message              string  `json:"message,omitempty"`
	QueuePosition        *int    `json:"queue_position,omitempty"`
	EstimatedWaitSeconds float64 `json:"estimated_wait_seconds,omitempty"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	id, err := callerIdentity(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	var body generateRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(body.Prompt) == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}
	model := body.Model
	if model == "" {
		model = DefaultGenerationModel
	}

	req := sched.NewGenerationRequest(id.UserID, body.Prompt, model, sched.ParsePriority(body.Priority), body.Template, id.Tier)
	req.System = body.System
	if body.EstimatedSeconds > 0 {
		req.EstimatedDuration = time.Duration(body.EstimatedSeconds) * time.Second
	}

	res := s.scheduler.Submit(r.Context(), req)
	switch res.Status {
	case sched.StatusCached:
		writeJSON(w, http.StatusOK, generateResponse{Status: string(res.Status), Result: res.Payload})
	case sched.StatusFailed:
		// Admission rejection: user-visible, not a system fault. Global
		// overload is a capacity condition, not per-user throttling.
		status := http.StatusTooManyRequests
		if res.Payload == sched.ReasonSystemOverloaded {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, generateResponse{Status: string(res.Status), Reason: res.Payload})
	default:
		pos := res.QueuePosition
		writeJSON(w, http.StatusAccepted, generateResponse{
			RequestID:            req.ID,
			Status:               string(res.Status),
			Message:              res.Payload,
			QueuePosition:        &pos,
			EstimatedWaitSeconds: res.EstimatedWait.Seconds(),
		})
	}
}

type statusResponse struct {
	Status        string `json:"status"`
	QueuePosition *int   `json:"queue_position,omitempty"`
	Result        string `json:"result,omitempty"`
}

func (s *Server) handleRequestStatus(w http.ResponseWriter, r *http.Request) {
	reply := s.scheduler.StatusOf(r.Context(), r.PathValue("id"))
	resp := statusResponse{Status: string(reply.Status), Result: reply.Result}
	if reply.Status == sched.StatusQueued {
		pos := reply.QueuePosition
		resp.QueuePosition = &pos
	}
	status := http.StatusOK
	if reply.Status == sched.StatusFailed && reply.Result == "Request not found" {
		status = http.StatusNotFound
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.scheduler.Stats())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.scheduler.Health().Snapshot())
}

type retrieveResponse struct {
	Candidates []retrieval.Candidate `json:"candidates"`
	Excerpt    string                `json:"excerpt"`
}

func (s *Server) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	id, err := callerIdentity(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	q := r.URL.Query()
	query := q.Get("q")
	if strings.TrimSpace(query) == "" {
		writeError(w, http.StatusBadRequest, "q is required")
		return
	}
	scope := retrieval.Scope{OwnerID: id.UserID, Project: q.Get("project")}

	topK := intParam(q.Get("top_k"), 0)
	pool := intParam(q.Get("pool"), 0)
	alpha := floatParam(q.Get("alpha"), retrieval.DefaultAlpha)

	candidates, err := s.engine.Search(r.Context(), scope, query, topK, pool, alpha)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if candidates == nil {
		candidates = []retrieval.Candidate{}
	}
	writeJSON(w, http.StatusOK, retrieveResponse{Candidates: candidates, Excerpt: retrieval.Excerpt(candidates)})
}

type ingestRequest struct {
	Project string `json:"project"`
	Path    string `json:"path"`
	Text    string `json:"text"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	id, err := callerIdentity(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	var body ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(body.Text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	scope := retrieval.Scope{OwnerID: id.UserID, Project: body.Project}
	stored, err := s.engine.Ingest(r.Context(), scope, body.Path, body.Text)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int{"stored": stored})
}

func intParam(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func floatParam(raw string, fallback float64) float64 {
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback
	}
	return v
}
