package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/mcoot/masquerade-go/internal/api/handler"
	"github.com/mcoot/masquerade-go/internal/api/middleware"
	"github.com/mcoot/masquerade-go/internal/api/response"
	"github.com/mcoot/masquerade-go/internal/services/broadcast"
	"github.com/mcoot/masquerade-go/internal/services/connection"
	"github.com/mcoot/masquerade-go/internal/services/session"
	"github.com/mcoot/masquerade-go/internal/storage"
	"github.com/mcoot/masquerade-go/internal/transport/ws"
)

// RouterConfig holds configuration for the API router
type RouterConfig struct {
	Logger      *slog.Logger
	Sessions    *session.Controller
	Connections *connection.Registry
	Router      *broadcast.Router
	Storage     storage.Storage
	// SyncStorage is called before snapshot reads (optional)
	SyncStorage func(ctx context.Context) error
	// Hub serves the WebSocket game hub (optional)
	Hub                http.Handler
	APIKey             string
	AllowPhaseOverride bool
}

// NewRouter creates a new API router with all routes configured
func NewRouter(cfg RouterConfig) http.Handler {
	r := mux.NewRouter()

	// Create handlers
	sessionHandler := handler.NewSessionHandler(cfg.Sessions, cfg.Storage, cfg.SyncStorage, cfg.AllowPhaseOverride)
	statsHandler := handler.NewStatsHandler(cfg.Connections, cfg.Router, cfg.Sessions)

	// Create middleware
	apiKeyMiddleware := middleware.APIKey(cfg.APIKey)
	loggingMiddleware := middleware.Logging(cfg.Logger)
	recoveryMiddleware := middleware.Recovery(cfg.Logger)

	// Game hub. Upgraded connections outlive the request log line.
	if cfg.Hub != nil {
		hub := r.Path(ws.Path).Subrouter()
		hub.Use(recoveryMiddleware)
		hub.Use(loggingMiddleware)
		hub.Methods(http.MethodGet).Handler(cfg.Hub)
	}

	// API subrouter with common middleware
	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(recoveryMiddleware)
	api.Use(loggingMiddleware)

	// Public routes
	api.HandleFunc("/health", healthHandler).Methods(http.MethodGet)
	api.HandleFunc("/stats", statsHandler.Get).Methods(http.MethodGet)
	api.HandleFunc("/sessions", sessionHandler.List).Methods(http.MethodGet)
	api.HandleFunc("/sessions", sessionHandler.Create).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}", sessionHandler.Get).Methods(http.MethodGet)

	// Collaborator routes (api key when configured)
	collaborator := api.PathPrefix("/sessions/{id}").Subrouter()
	collaborator.Use(apiKeyMiddleware)
	collaborator.HandleFunc("/drawings", sessionHandler.Drawings).Methods(http.MethodGet)
	collaborator.HandleFunc("/phase", sessionHandler.AdvancePhase).Methods(http.MethodPost)
	collaborator.HandleFunc("/comparison-complete", sessionHandler.CompleteComparison).Methods(http.MethodPost)
	collaborator.HandleFunc("/scoring-complete", sessionHandler.CompleteScoring).Methods(http.MethodPost)

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, http.StatusOK, response.Health{Status: "ok"})
}
