// Package api exposes the indexer over HTTP: trigger endpoints, the webhook,
// read endpoints for downstream consumers and the operation stream.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"agt20-indexer/internal/indexer"
	"agt20-indexer/internal/ledger"
	"agt20-indexer/internal/observability"
	"agt20-indexer/internal/storage"
)

// Indexer is the write side driven by trigger endpoints. *indexer.Indexer
// satisfies it.
type Indexer interface {
	Run(ctx context.Context) (*indexer.Summary, error)
	Backfill(ctx context.Context) (*indexer.Summary, error)
	IndexPost(ctx context.Context, ref string) (*ledger.Result, error)
}

// Options configures Handler.
type Options struct {
	Indexer    Indexer
	Store      storage.LedgerReader
	Archive    storage.OperationArchive // optional, enables /activity
	Stream     http.Handler             // optional, mounted at /ws/operations
	CronSecret string                   // optional bearer secret for cron and backfill
	Logger     *zap.Logger
	Now        func() time.Time
}

// Handler serves the HTTP surface.
type Handler struct {
	indexer    Indexer
	store      storage.LedgerReader
	archive    storage.OperationArchive
	stream     http.Handler
	cronSecret string
	logger     *zap.Logger
	now        func() time.Time
}

// NewHandler creates a Handler.
func NewHandler(opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Handler{
		indexer:    opts.Indexer,
		store:      opts.Store,
		archive:    opts.Archive,
		stream:     opts.Stream,
		cronSecret: opts.CronSecret,
		logger:     opts.Logger,
		now:        opts.Now,
	}
}

// Router builds a chi router with every route registered.
func (h *Handler) Router() *chi.Mux {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	h.RegisterRoutes(router)
	return router
}

// RegisterRoutes registers the routes on router.
func (h *Handler) RegisterRoutes(router chi.Router) {
	router.Get("/health", h.handleHealth)
	router.Handle("/metrics", observability.Handler())
	if h.stream != nil {
		router.Handle("/ws/operations", h.stream)
	}

	router.Route("/api", func(r chi.Router) {
		// Triggers
		r.Get("/index", h.handleIndex)
		r.Post("/index", h.handleIndex)
		r.With(h.requireCronSecret).Get("/cron", h.handleIndex)
		r.With(h.requireCronSecret).Get("/backfill", h.handleBackfill)
		r.Get("/webhook", h.handleWebhook)
		r.Post("/webhook", h.handleWebhook)

		// Reads
		r.Get("/tokens", h.handleListTokens)
		r.Get("/tokens/{tick}", h.handleGetToken)
		r.Get("/tokens/{tick}/activity", h.handleActivity)
		r.Get("/agents/{name}", h.handleGetAgent)
		r.Get("/operations/recent", h.handleRecentOperations)
		r.Get("/claim", h.handleClaim)
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": h.now().UTC().Format(time.RFC3339),
	})
}

// requireCronSecret enforces "Authorization: Bearer <CronSecret>" when a
// secret is configured.
func (h *Handler) requireCronSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.cronSecret != "" {
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(h.cronSecret)) != 1 {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"success": false,
		"error":   message,
	})
}
