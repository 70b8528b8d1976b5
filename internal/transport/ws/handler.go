package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mcoot/masquerade-go/internal/api/apierr"
	"github.com/mcoot/masquerade-go/internal/dependencies/clock"
	"github.com/mcoot/masquerade-go/internal/model"
	"github.com/mcoot/masquerade-go/internal/services/broadcast"
	"github.com/mcoot/masquerade-go/internal/services/connection"
	"github.com/mcoot/masquerade-go/internal/services/presence"
	"github.com/mcoot/masquerade-go/internal/services/session"
	"github.com/mcoot/masquerade-go/internal/transport/protocol"
)

// Path is where the game hub is mounted
const Path = "/hubs/game"

// Config holds the transport's tunables
type Config struct {
	AllowPhaseOverride bool
	MaxFrameBytes      int64
	PingInterval       time.Duration
	PongWait           time.Duration
	WriteWait          time.Duration
}

// DefaultConfig returns the default transport configuration
func DefaultConfig() Config {
	return Config{
		AllowPhaseOverride: true,
		MaxFrameBytes:      2<<20 + 64<<10,
		PingInterval:       30 * time.Second,
		PongWait:           60 * time.Second,
		WriteWait:          10 * time.Second,
	}
}

// Handler upgrades requests to WebSocket connections and serves the game hub
type Handler struct {
	presence *presence.Service
	sessions *session.Controller
	router   *broadcast.Router
	clock    clock.Clock
	cfg      Config
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewHandler creates a hub Handler
func NewHandler(
	presence *presence.Service,
	sessions *session.Controller,
	router *broadcast.Router,
	clock clock.Clock,
	cfg Config,
	logger *slog.Logger,
) *Handler {
	defaults := DefaultConfig()
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = defaults.MaxFrameBytes
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaults.PingInterval
	}
	if cfg.PongWait <= cfg.PingInterval {
		cfg.PongWait = 2 * cfg.PingInterval
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = defaults.WriteWait
	}

	return &Handler{
		presence: presence,
		sessions: sessions,
		router:   router,
		clock:    clock,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "ws")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin policy belongs to the deployment's proxy
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// ServeHTTP handles GET /hubs/game?username=<name>[&playerId=<id>&token=<token>]
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	name, err := connection.ValidatePlayerName(query.Get("username"))
	if err != nil {
		apierr.WriteError(w, apierr.NewInvalidRequestError("username query parameter must be 1-32 characters"))
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already replied
		h.logger.Warn("upgrade failed", slog.Any("error", err))
		return
	}

	// The request context ends with the handler; connection work outlives no request
	ctx := context.WithoutCancel(r.Context())

	client, err := h.presence.Connect(ctx, presence.Handshake{
		Name:     name,
		PlayerID: model.PlayerID(query.Get("playerId")),
		Token:    query.Get("token"),
	})
	if err != nil {
		h.logger.Error("connect failed", slog.Any("error", err))
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, apierr.Classify(err).Code),
			time.Now().Add(h.cfg.WriteWait))
		_ = conn.Close()
		return
	}

	c := &wsConn{
		handler: h,
		conn:    conn,
		client:  client,
		logger:  h.logger.With(slog.String("connection_id", string(client.ConnectionID))),
	}

	go c.writePump()
	reason := c.readPump(ctx)

	if err := h.presence.Disconnect(ctx, client.ConnectionID, reason); err != nil && !errors.Is(err, model.ErrNotConnected) {
		c.logger.Error("disconnect failed", slog.Any("error", err))
	}
}

// wsConn is one live socket. Only writePump writes to conn.
type wsConn struct {
	handler *Handler
	conn    *websocket.Conn
	client  *presence.Client
	logger  *slog.Logger
}

// readPump reads frames until the socket fails and reports how it ended
func (c *wsConn) readPump(ctx context.Context) model.DisconnectReason {
	defer func() { _ = c.conn.Close() }()

	cfg := c.handler.cfg
	c.conn.SetReadLimit(cfg.MaxFrameBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.handler.presence.Touch(c.client.ConnectionID)
		return c.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return model.DisconnectClean
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info("connection lost", slog.Any("error", err))
			}
			return model.DisconnectLost
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))

		if messageType != websocket.TextMessage {
			c.complete("", nil, protocol.ErrBadFrame)
			continue
		}
		c.handler.dispatch(ctx, c, data)
	}
}

// writePump drains the subscriber queue onto the socket. A closed queue means
// the connection was detached or evicted; the socket is closed so the read
// side ends too.
func (c *wsConn) writePump() {
	cfg := c.handler.cfg
	ticker := time.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	events := c.client.Subscriber.Events()
	for {
		select {
		case e, ok := <-events:
			_ = c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "event queue closed"))
				return
			}

			data, err := protocol.EncodeEvent(e)
			if err != nil {
				c.logger.Error("encode event", slog.String("event", string(e.Name)), slog.Any("error", err))
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// complete queues the call's completion behind any events the call produced
func (c *wsConn) complete(id string, result any, err error) {
	var payload protocol.CompletionPayload
	switch {
	case err == nil:
		var encodeErr error
		payload, encodeErr = protocol.Success(id, result)
		if encodeErr != nil {
			c.logger.Error("encode result", slog.Any("error", encodeErr))
			payload = protocol.Failure(id, apierr.CodeInternalError, "Internal server error")
		}
	case errors.Is(err, protocol.ErrBadFrame):
		payload = protocol.Failure(id, apierr.CodeBadFrame, err.Error())
	case errors.Is(err, errUnknownCall):
		payload = protocol.Failure(id, apierr.CodeUnknownCall, err.Error())
	default:
		apiErr := apierr.Classify(err)
		if apiErr.Code == apierr.CodeInternalError {
			c.logger.Error("call failed", slog.String("id", id), slog.Any("error", err))
		}
		payload = protocol.Failure(id, apiErr.Code, apiErr.Message)
	}

	h := c.handler
	_ = h.router.SendToOne(c.client.ConnectionID, model.NewEvent("", h.clock.Now(), payload))
}
