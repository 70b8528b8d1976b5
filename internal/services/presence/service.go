package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/mcoot/masquerade-go/internal/dependencies/clock"
	"github.com/mcoot/masquerade-go/internal/model"
	"github.com/mcoot/masquerade-go/internal/services/broadcast"
	"github.com/mcoot/masquerade-go/internal/services/connection"
	"github.com/mcoot/masquerade-go/internal/services/identity"
	"github.com/mcoot/masquerade-go/internal/services/session"
)

// Handshake is what a client presents when it opens a connection.
// PlayerID and Token are only set when resuming an earlier identity.
type Handshake struct {
	Name     string
	PlayerID model.PlayerID
	Token    string
}

// Client is an accepted connection
type Client struct {
	ConnectionID model.ConnectionID
	PlayerID     model.PlayerID
	Name         string
	Subscriber   *broadcast.Subscriber
	Resumed      bool            // the presented identity was accepted
	SessionID    model.SessionID // set when a held roster slot was reclaimed
}

// Service ties a transport connection's lifecycle to the registry, the
// router and the session controller
type Service struct {
	connections *connection.Registry
	router      *broadcast.Router
	sessions    *session.Controller
	identities  *identity.Service
	clock       clock.Clock
	logger      *slog.Logger
}

// New creates a presence Service
func New(
	connections *connection.Registry,
	router *broadcast.Router,
	sessions *session.Controller,
	identities *identity.Service,
	clock clock.Clock,
	logger *slog.Logger,
) *Service {
	return &Service{
		connections: connections,
		router:      router,
		sessions:    sessions,
		identities:  identities,
		clock:       clock,
		logger:      logger.With(slog.String("component", "presence")),
	}
}

// Connect registers a new connection, settles its identity, reclaims a held
// roster slot if there is one, and announces the connection to everyone
func (s *Service) Connect(ctx context.Context, hs Handshake) (*Client, error) {
	connID := model.ConnectionID(uuid.NewString())

	conn, err := s.connections.Register(connID, hs.Name)
	if err != nil {
		return nil, err
	}
	sub, err := s.router.Attach(connID)
	if err != nil {
		_ = s.connections.Unregister(connID, model.DisconnectClean)
		return nil, err
	}

	client := &Client{
		ConnectionID: connID,
		Name:         conn.PlayerName,
		Subscriber:   sub,
	}

	token, err := s.settleIdentity(ctx, client, hs)
	if err != nil {
		s.router.Detach(connID)
		_ = s.connections.Unregister(connID, model.DisconnectClean)
		return nil, fmt.Errorf("settle identity: %w", err)
	}

	if client.Resumed {
		s.resume(ctx, client)
	}

	now := s.clock.Now()
	_ = s.router.SendToOne(connID, model.NewEvent(client.SessionID, now, model.WelcomePayload{
		ConnectionID: connID,
		PlayerID:     client.PlayerID,
		Token:        token,
		Resumed:      client.Resumed,
		SessionID:    client.SessionID,
	}))
	s.router.SendToAll(model.NewEvent("", now, model.UserJoinedPayload{
		ConnectionID: connID,
		Name:         client.Name,
	}))

	s.logger.Info("client connected",
		slog.String("connection_id", string(connID)),
		slog.String("player_id", string(client.PlayerID)),
		slog.Bool("resumed", client.Resumed),
	)
	return client, nil
}

// resume reclaims the player's roster slot for the new connection, then
// closes any older connection of the same player so one identity is only
// ever live once
func (s *Service) resume(ctx context.Context, client *Client) {
	sessionID, err := s.sessions.Reconnect(ctx, client.ConnectionID)
	switch {
	case err == nil:
		client.SessionID = sessionID
	case !errors.Is(err, model.ErrReconnectUnavailable):
		s.logger.Warn("reconnect failed",
			slog.String("connection_id", string(client.ConnectionID)),
			slog.String("player_id", string(client.PlayerID)),
			slog.Any("error", err),
		)
	}

	for _, other := range s.connections.List() {
		if other.PlayerID == client.PlayerID && other.ID != client.ConnectionID {
			s.evict(other)
		}
	}
}

// evict closes a connection that was replaced by a newer one
func (s *Service) evict(conn model.Connection) {
	s.router.Detach(conn.ID)
	if err := s.connections.Unregister(conn.ID, model.DisconnectReplaced); err != nil {
		return
	}

	s.router.SendToAll(model.NewEvent("", s.clock.Now(), model.UserLeftPayload{
		ConnectionID: conn.ID,
		Name:         conn.PlayerName,
	}))

	s.logger.Info("connection replaced",
		slog.String("connection_id", string(conn.ID)),
		slog.String("player_id", string(conn.PlayerID)),
	)
}

// settleIdentity binds the connection to a player id. A valid presented
// identity is reused; anything else gets a fresh one, whose token is returned.
func (s *Service) settleIdentity(ctx context.Context, client *Client, hs Handshake) (string, error) {
	if hs.PlayerID != "" && hs.Token != "" {
		err := s.identities.Verify(ctx, hs.PlayerID, hs.Token)
		if err == nil {
			client.PlayerID = hs.PlayerID
			client.Resumed = true
			return "", s.connections.BindPlayer(client.ConnectionID, hs.PlayerID)
		}
		s.logger.Info("identity rejected, issuing a new one",
			slog.String("player_id", string(hs.PlayerID)),
			slog.Any("error", err),
		)
	}

	playerID := s.identities.NewPlayerID()
	issued, err := s.identities.Issue(ctx, playerID)
	if err != nil {
		return "", err
	}
	client.PlayerID = playerID
	return issued.Token, s.connections.BindPlayer(client.ConnectionID, playerID)
}

// Disconnect tears a connection down. A lost connection keeps its roster slot
// for the grace period; a clean one leaves at once.
func (s *Service) Disconnect(ctx context.Context, connID model.ConnectionID, reason model.DisconnectReason) error {
	conn, err := s.connections.Lookup(connID)
	if err != nil {
		return err
	}

	s.router.Detach(connID)
	if err := s.connections.Unregister(connID, reason); err != nil {
		return err
	}

	s.router.SendToAll(model.NewEvent("", s.clock.Now(), model.UserLeftPayload{
		ConnectionID: connID,
		Name:         conn.PlayerName,
	}))

	s.logger.Info("client disconnected",
		slog.String("connection_id", string(connID)),
		slog.String("reason", string(reason)),
	)
	return nil
}

// Touch records activity on a connection
func (s *Service) Touch(connID model.ConnectionID) error {
	return s.connections.Touch(connID)
}
