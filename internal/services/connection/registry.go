package connection

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/mcoot/masquerade-go/internal/dependencies/clock"
	"github.com/mcoot/masquerade-go/internal/model"
)

// DisconnectListener is notified after a connection has been unregistered.
// Listeners run on the caller's goroutine with no registry lock held.
type DisconnectListener func(conn model.Connection, reason model.DisconnectReason)

// Registry maps live connection ids to player identities
type Registry struct {
	clock  clock.Clock
	logger *slog.Logger

	mu          sync.RWMutex
	connections map[model.ConnectionID]*model.Connection
	listeners   []DisconnectListener
}

// New creates an empty Registry
func New(clock clock.Clock, logger *slog.Logger) *Registry {
	return &Registry{
		clock:       clock,
		logger:      logger.With(slog.String("component", "connection_registry")),
		connections: make(map[model.ConnectionID]*model.Connection),
	}
}

// ValidatePlayerName trims the name and checks it is usable as a display name
func ValidatePlayerName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || utf8.RuneCountInString(name) > model.MaxPlayerNameLength {
		return "", model.ErrInvalidPlayerName
	}
	return name, nil
}

// OnDisconnect subscribes a listener to unregister notifications
func (r *Registry) OnDisconnect(listener DisconnectListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, listener)
}

// Register adds a connection. The player id defaults to the connection id until rebound.
func (r *Registry) Register(id model.ConnectionID, playerName string) (model.Connection, error) {
	name, err := ValidatePlayerName(playerName)
	if err != nil {
		return model.Connection{}, err
	}

	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.connections[id]; exists {
		return model.Connection{}, model.ErrDuplicateConnection
	}

	conn := &model.Connection{
		ID:          id,
		PlayerID:    model.PlayerID(id),
		PlayerName:  name,
		ConnectedAt: now,
		LastSeenAt:  now,
	}
	r.connections[id] = conn

	r.logger.Debug("connection registered",
		slog.String("connection_id", string(id)),
		slog.String("player_name", name),
	)
	return *conn, nil
}

// Unregister removes a connection and notifies disconnect listeners
func (r *Registry) Unregister(id model.ConnectionID, reason model.DisconnectReason) error {
	r.mu.Lock()
	conn, exists := r.connections[id]
	if !exists {
		r.mu.Unlock()
		return model.ErrNotConnected
	}
	delete(r.connections, id)
	removed := *conn
	listeners := make([]DisconnectListener, len(r.listeners))
	copy(listeners, r.listeners)
	r.mu.Unlock()

	r.logger.Debug("connection unregistered",
		slog.String("connection_id", string(id)),
		slog.String("reason", string(reason)),
	)

	for _, listener := range listeners {
		listener(removed, reason)
	}
	return nil
}

// Lookup returns a copy of the connection
func (r *Registry) Lookup(id model.ConnectionID) (model.Connection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, exists := r.connections[id]
	if !exists {
		return model.Connection{}, model.ErrNotConnected
	}
	return *conn, nil
}

// Touch records activity on the connection
func (r *Registry) Touch(id model.ConnectionID) error {
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	conn, exists := r.connections[id]
	if !exists {
		return model.ErrNotConnected
	}
	conn.LastSeenAt = now
	return nil
}

// BindPlayer rebinds the connection to a resumed player identity
func (r *Registry) BindPlayer(id model.ConnectionID, playerID model.PlayerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, exists := r.connections[id]
	if !exists {
		return model.ErrNotConnected
	}
	conn.PlayerID = playerID
	return nil
}

// SetSession records which session the connection belongs to
func (r *Registry) SetSession(id model.ConnectionID, sessionID model.SessionID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, exists := r.connections[id]
	if !exists {
		return model.ErrNotConnected
	}
	conn.SessionID = sessionID
	return nil
}

// ClearSession unbinds the connection, but only if it is still bound to sessionID
func (r *Registry) ClearSession(id model.ConnectionID, sessionID model.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if conn, exists := r.connections[id]; exists && conn.SessionID == sessionID {
		conn.SessionID = ""
	}
}

// Count returns the number of live connections
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}

// List returns every live connection ordered by connect time
func (r *Registry) List() []model.Connection {
	r.mu.RLock()
	out := make([]model.Connection, 0, len(r.connections))
	for _, conn := range r.connections {
		out = append(out, *conn)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}
