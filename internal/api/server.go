package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"news-pipeline/internal/models"
	"news-pipeline/internal/store"
	"news-pipeline/internal/telemetry"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Reader is the read-only view of the store the status API serves.
type Reader interface {
	CountByStage(ctx context.Context) (map[models.Stage]int, error)
	Get(ctx context.Context, id string) (models.Article, error)
	ListRuns(ctx context.Context, limit int) ([]models.JobRun, error)
	ListStageEvents(ctx context.Context, articleID string, limit int) ([]models.StageEvent, error)
}

// pinger is implemented by stores with a backing connection.
type pinger interface {
	Ping(ctx context.Context) error
}

// Server wires HTTP handlers for the status API.
type Server struct {
	reader Reader
}

// New constructs the API server.
func New(r Reader) *Server {
	return &Server{reader: r}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Group(func(r chi.Router) {
		r.Use(contentTypeJSON)
		r.Get("/stats", s.handleStats)
		r.Get("/articles/{id}", s.handleGetArticle)
		r.Get("/runs", s.handleRuns)
		r.Get("/events", s.handleEvents)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if p, ok := s.reader.(pinger); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statsResponse struct {
	Total   int                  `json:"total"`
	ByStage map[models.Stage]int `json:"by_stage"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.reader.CountByStage(r.Context())
	if err != nil {
		http.Error(w, "failed to count articles", http.StatusInternalServerError)
		return
	}
	resp := statsResponse{ByStage: counts}
	for _, n := range counts {
		resp.Total += n
	}
	writeJSON(w, http.StatusOK, resp)
}

type articleResponse struct {
	Article models.Article      `json:"article"`
	Events  []models.StageEvent `json:"events"`
}

func (s *Server) handleGetArticle(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	a, err := s.reader.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "article not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "failed to load article", http.StatusInternalServerError)
		return
	}
	events, err := s.reader.ListStageEvents(r.Context(), id, defaultListLimit)
	if err != nil {
		http.Error(w, "failed to load events", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, articleResponse{Article: a, Events: nonNil(events)})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	runs, err := s.reader.ListRuns(r.Context(), limit)
	if err != nil {
		http.Error(w, "failed to list runs", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": nonNil(runs)})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	events, err := s.reader.ListStageEvents(r.Context(), r.URL.Query().Get("article_id"), limit)
	if err != nil {
		http.Error(w, "failed to list events", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": nonNil(events)})
}

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
		return 0, false
	}
	if n > maxListLimit {
		n = maxListLimit
	}
	return n, true
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func contentTypeJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
