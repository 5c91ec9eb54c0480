// internal/api/handler.go
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"gh-ingestor/internal/gh"
	"gh-ingestor/internal/jobs"
	"gh-ingestor/internal/pipeline"
)

// Store is the read surface the API needs.
type Store interface {
	TrackedUserIDByLogin(ctx context.Context, login string) (int64, bool, error)
	CountCommitDays(ctx context.Context, userID int64, from, to time.Time) (int, error)
}

// Fetcher proxies one upstream request through the gateway, cache and
// credential pool included.
type Fetcher interface {
	Fetch(ctx context.Context, path string, params url.Values) (json.RawMessage, error)
}

// Ingestor is the pipeline surface the trigger endpoints drive.
type Ingestor interface {
	AddTrackedAccounts(ctx context.Context, usernames, tags []string) (pipeline.AddResult, error)
	RequestRescrape(ctx context.Context, usernames []string) error
	Run(ctx context.Context, usernames []string) error
}

// Scheduler accepts the background jobs the trigger endpoints enqueue.
type Scheduler interface {
	Enqueue(job *jobs.Job)
}

// Handler is the container for API dependencies.
type Handler struct {
	store    Store
	gateway  Fetcher
	ingestor Ingestor
	sched    Scheduler
	apiKey   string
	logger   *slog.Logger
}

// NewRouter creates and configures a new chi router with all API routes.
func NewRouter(store Store, gateway Fetcher, ingestor Ingestor, sched Scheduler, apiKey string, logger *slog.Logger) http.Handler {
	h := &Handler{
		store:    store,
		gateway:  gateway,
		ingestor: ingestor,
		sched:    sched,
		apiKey:   apiKey,
		logger:   logger,
	}

	r := chi.NewRouter()

	// Middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", h.healthCheck)

	// Proxy surface for other internal services
	r.Route("/gh", func(r chi.Router) {
		r.Use(h.requireAPIKey)
		r.Get("/*", h.proxy)
	})

	// Pipeline trigger surface
	r.Route("/v1", func(r chi.Router) {
		r.Use(h.requireAPIKey)
		r.Post("/tracked-users", h.addTrackedUsers)
		r.Post("/rescrape", h.rescrape)
	})

	// Read-only stats
	r.Get("/api/users/{username}/commit-days", h.commitDays)

	return r
}

// healthCheck is a simple health endpoint.
func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// requireAPIKey guards the proxy and trigger surfaces with the shared
// secret, compared in constant time.
func (h *Handler) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-Proxy-API-Key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(h.apiKey)) != 1 {
			respondWithError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// proxy forwards one GET to the upstream API through the gateway. The raw
// upstream JSON is returned on success; classified failures are mirrored as
// {"error": ..., "status": ...} with the matching HTTP status.
// GET /gh/<upstream-path>?<query>
func (h *Handler) proxy(w http.ResponseWriter, r *http.Request) {
	path := chi.URLParam(r, "*")
	if path == "" {
		respondWithError(w, http.StatusBadRequest, "Missing upstream path")
		return
	}

	body, err := h.gateway.Fetch(r.Context(), path, r.URL.Query())
	if err != nil {
		status := gh.StatusFor(err)
		h.logger.Warn("proxy request failed", "path", path, "status", status, "error", err)
		respondWithJSON(w, status, map[string]any{
			"error":  err.Error(),
			"status": status,
		})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// addTrackedUsers registers usernames for crawling at high priority.
// POST /v1/tracked-users {"usernames": [...], "tags": [...]}
func (h *Handler) addTrackedUsers(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Usernames []string `json:"usernames"`
		Tags      []string `json:"tags"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if len(req.Usernames) == 0 {
		respondWithError(w, http.StatusBadRequest, "usernames must not be empty")
		return
	}

	job := &jobs.Job{
		Name:     "add-tracked-users",
		Priority: jobs.PriorityHigh,
		Run: func(ctx context.Context) error {
			res, err := h.ingestor.AddTrackedAccounts(ctx, req.Usernames, req.Tags)
			if err != nil {
				return err
			}
			h.logger.Info("add-tracked-users finished",
				"added", len(res.Added), "updated", len(res.Updated),
				"skipped_orgs", len(res.SkippedOrgs), "errors", len(res.Errors))
			return nil
		},
	}
	h.sched.Enqueue(job)

	respondWithJSON(w, http.StatusAccepted, map[string]string{"job_id": job.ID.String()})
}

// rescrape bumps the request timestamp on the named tracked accounts (all
// when empty) and enqueues an ingestion run.
// POST /v1/rescrape {"usernames": [...]}
func (h *Handler) rescrape(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Usernames []string `json:"usernames"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	if err := h.ingestor.RequestRescrape(r.Context(), req.Usernames); err != nil {
		h.logger.Error("failed to mark rescrape request", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	job := &jobs.Job{
		Name:     "ingestion-run",
		Priority: jobs.PriorityDefault,
		Run: func(ctx context.Context) error {
			return h.ingestor.Run(ctx, req.Usernames)
		},
	}
	h.sched.Enqueue(job)

	respondWithJSON(w, http.StatusAccepted, map[string]string{"job_id": job.ID.String()})
}

// commitDays counts the distinct days with commits for a tracked user in a
// date range.
// GET /api/users/{username}/commit-days?start=YYYY-MM-DD&end=YYYY-MM-DD
func (h *Handler) commitDays(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")

	start, err1 := time.Parse("2006-01-02", r.URL.Query().Get("start"))
	end, err2 := time.Parse("2006-01-02", r.URL.Query().Get("end"))
	if err1 != nil || err2 != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid date format. Use YYYY-MM-DD.")
		return
	}
	if start.After(end) {
		respondWithError(w, http.StatusBadRequest, "Start date must be before end date.")
		return
	}

	userID, found, err := h.store.TrackedUserIDByLogin(r.Context(), username)
	if err != nil {
		h.logger.Error("failed to look up tracked user", "username", username, "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if !found {
		respondWithError(w, http.StatusNotFound, "User not found")
		return
	}

	days, err := h.store.CountCommitDays(r.Context(), userID, start, end.AddDate(0, 0, 1))
	if err != nil {
		h.logger.Error("failed to count commit days", "username", username, "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]int{"days": days})
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
