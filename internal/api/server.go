package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"tanyarelay/internal/intake"
	"tanyarelay/internal/logging"
	"tanyarelay/pkg/interfaces"
	"tanyarelay/pkg/types"
)

const maxRequestBody = 64 * 1024

// Intake is the fallback submission service behind /api/tanya.
type Intake interface {
	Submit(ctx context.Context, q types.PatientQuestion) (*types.QueuedQuestion, error)
	List(ctx context.Context, filter interfaces.QuestionFilter) ([]*types.QueuedQuestion, error)
}

// Registry interface to avoid tight coupling to websocket.Registry implementation
type Registry interface {
	Stats() map[string]int
}

// HubStats exposes broadcast counters; optional.
type HubStats interface {
	Stats() map[string]int64
}

// ARCHITECTURAL DISCOVERY: HTTP API layer serves as pure interface between external clients and internal components
// Clean separation - no business logic, only HTTP handling and JSON serialization
type Server struct {
	intake   Intake
	store    interfaces.QuestionStore
	registry Registry
	hub      HubStats
	router   *http.ServeMux
	started  time.Time
	log      zerolog.Logger
}

// NewServer wires the REST routes. hub may be nil.
func NewServer(intake Intake, store interfaces.QuestionStore, registry Registry, hub HubStats) *Server {
	s := &Server{
		intake:   intake,
		store:    store,
		registry: registry,
		hub:      hub,
		router:   http.NewServeMux(),
		started:  time.Now(),
		log:      logging.For("api"),
	}

	s.setupRoutes()
	return s
}

// CORS and JSON middleware applied to all routes; the widget posts cross-origin
func (s *Server) setupRoutes() {
	s.router.Handle("/api/tanya", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.handleTanya))))
	s.router.Handle("/health", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.healthCheck))))
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleTanya(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.submitQuestion(w, r)
	case http.MethodGet:
		s.listQuestions(w, r)
	default:
		s.sendError(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// Request/Response types for JSON serialization
type AcceptedResponse struct {
	Status string `json:"status"`
}

type ListQuestionsResponse struct {
	Questions []*types.QueuedQuestion `json:"questions"`
	Count     int                     `json:"count"`
}

type HealthResponse struct {
	Status      string                 `json:"status"`
	Timestamp   time.Time              `json:"timestamp"`
	Database    string                 `json:"database"`
	Questions   int                    `json:"questions"`
	Connections map[string]int         `json:"connections"`
	Hub         map[string]int64       `json:"hub,omitempty"`
	System      map[string]interface{} `json:"system"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// FUNCTIONAL DISCOVERY: POST /api/tanya - accept a question while the live channel is down
func (s *Server) submitQuestion(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

	var req types.PatientQuestion
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, "invalid JSON", http.StatusBadRequest)
		return
	}

	record, err := s.intake.Submit(r.Context(), req)
	if err != nil {
		if errors.Is(err, intake.ErrValidation) {
			s.sendError(w, intake.ErrValidation.Error(), http.StatusBadRequest)
			return
		}
		s.log.Error().Err(err).Str("client_id", req.ClientID).Msg("fallback submission failed")
		s.sendError(w, "failed to store question", http.StatusInternalServerError)
		return
	}

	s.log.Debug().Str("question_id", record.ID).Msg("fallback submission accepted")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(AcceptedResponse{Status: "accepted"})
}

// FUNCTIONAL DISCOVERY: GET /api/tanya - queued questions for a doctor dashboard,
// optionally narrowed by clientId, status and limit
func (s *Server) listQuestions(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := interfaces.QuestionFilter{
		ClientID: query.Get("clientId"),
		Status:   types.QuestionStatus(query.Get("status")),
	}

	if filter.Status != "" && filter.Status != types.StatusPending && filter.Status != types.StatusSent {
		s.sendError(w, "status must be 'pending' or 'sent'", http.StatusBadRequest)
		return
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			s.sendError(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		filter.Limit = limit
	}

	questions, err := s.intake.List(r.Context(), filter)
	if err != nil {
		s.log.Error().Err(err).Msg("listing questions failed")
		s.sendError(w, "failed to list questions", http.StatusInternalServerError)
		return
	}
	if questions == nil {
		questions = []*types.QueuedQuestion{}
	}

	_ = json.NewEncoder(w).Encode(ListQuestionsResponse{Questions: questions, Count: len(questions)})
}

// FUNCTIONAL DISCOVERY: GET /health - System health check with component validation
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	dbStatus := "healthy"
	questions := 0

	if err := s.store.HealthCheck(ctx); err != nil {
		status = "unhealthy"
		dbStatus = fmt.Sprintf("error: %v", err)
	} else if n, err := s.store.CountQuestions(ctx); err == nil {
		questions = n
	}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	response := HealthResponse{
		Status:      status,
		Timestamp:   time.Now(),
		Database:    dbStatus,
		Questions:   questions,
		Connections: s.registry.Stats(),
		System: map[string]interface{}{
			"goroutines":  runtime.NumGoroutine(),
			"heap_alloc":  memStats.HeapAlloc,
			"uptime_secs": int64(time.Since(s.started).Seconds()),
		},
	}
	if s.hub != nil {
		response.Hub = s.hub.Stats()
	}

	// FUNCTIONAL DISCOVERY: Return 503 if any component is unhealthy
	if status == "unhealthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	_ = json.NewEncoder(w).Encode(response)
}

// FUNCTIONAL DISCOVERY: error bodies are {"error": message}, the shape the widget reads
func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: message})
}

// ARCHITECTURAL DISCOVERY: CORS middleware enables web client access
// The widget is embedded on arbitrary pages, so all origins are allowed
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.Header().Set("Access-Control-Max-Age", "86400")

		// FUNCTIONAL DISCOVERY: Handle preflight requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// FUNCTIONAL DISCOVERY: JSON middleware ensures proper content-type headers
func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
