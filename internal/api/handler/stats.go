package handler

import (
	"net/http"

	"github.com/mcoot/masquerade-go/internal/api/response"
	"github.com/mcoot/masquerade-go/internal/services/broadcast"
	"github.com/mcoot/masquerade-go/internal/services/connection"
	"github.com/mcoot/masquerade-go/internal/services/session"
)

// StatsHandler reports server-wide counters
type StatsHandler struct {
	connections *connection.Registry
	router      *broadcast.Router
	sessions    *session.Controller
}

// NewStatsHandler creates a new stats handler
func NewStatsHandler(connections *connection.Registry, router *broadcast.Router, sessions *session.Controller) *StatsHandler {
	return &StatsHandler{
		connections: connections,
		router:      router,
		sessions:    sessions,
	}
}

// Get handles GET /api/v1/stats
func (h *StatsHandler) Get(w http.ResponseWriter, r *http.Request) {
	groups := make(map[string]int)
	for id, size := range h.router.GroupSizes() {
		groups[string(id)] = size
	}

	response.JSON(w, http.StatusOK, response.Stats{
		Connections:       h.connections.Count(),
		Subscribers:       h.router.SubscriberCount(),
		Sessions:          h.sessions.SessionCount(),
		PendingReconnects: h.sessions.PendingReconnects(),
		Groups:            groups,
	})
}
