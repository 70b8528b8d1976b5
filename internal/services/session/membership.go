package session

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mcoot/masquerade-go/internal/model"
	"github.com/mcoot/masquerade-go/internal/services/connection"
)

const joinAttempts = 3

// JoinSession adds the connection to a session's roster and group. A
// connection already in another session leaves it first. An empty name keeps
// the name given at handshake.
func (c *Controller) JoinSession(ctx context.Context, id model.SessionID, connID model.ConnectionID, playerName string) (*model.Player, error) {
	conn, err := c.connections.Lookup(connID)
	if err != nil {
		return nil, err
	}

	name := conn.PlayerName
	if playerName != "" {
		if name, err = connection.ValidatePlayerName(playerName); err != nil {
			return nil, err
		}
	}

	if conn.SessionID == id {
		return nil, model.ErrAlreadyJoined
	}
	if conn.InSession() {
		if err := c.leave(connID, conn.SessionID, model.LeaveReasonSwitched); err != nil {
			return nil, err
		}
	}

	for attempt := 0; attempt < joinAttempts; attempt++ {
		e, err := c.entryForJoin(id)
		if err != nil {
			return nil, err
		}

		var joined model.Player
		reclaimed := false
		err = c.mutate(e, func(tx *txn) error {
			s := tx.session
			if s.PlayerByConnection(connID) != nil {
				return model.ErrAlreadyJoined
			}
			// The player's slot is still here under an older connection
			if held := s.Player(conn.PlayerID); held != nil {
				if err := c.reclaim(tx, held, connID); err != nil {
					return err
				}
				joined = *held
				reclaimed = true
				return nil
			}
			if s.Phase.IsTerminal() {
				return model.ErrInvalidPhase
			}
			if len(s.Roster) >= c.cfg.Capacity {
				return model.ErrSessionFull
			}
			// Bind inside the critical section: a concurrent unregister then
			// either fails this join or sees the binding and leaves.
			if err := c.connections.SetSession(connID, s.ID); err != nil {
				return err
			}

			joined = model.Player{
				ID:           conn.PlayerID,
				ConnectionID: connID,
				Name:         name,
				Role:         model.RoleMaskMaker,
				Connected:    true,
				JoinedAt:     tx.now,
			}
			s.Roster = append(s.Roster, joined)

			tx.effect(func() {
				c.router.AddToGroup(s.ID, connID)
			})
			c.toGroup(tx, model.UserJoinedGameGroupPayload{ConnectionID: connID, Name: name, SessionID: s.ID})
			c.toGroup(tx, model.PlayerJoinedPayload{Player: playerView(s, &joined)})
			c.rosterUpdated(tx)
			c.toOne(tx, connID, model.SessionSnapshotPayload{Session: s.View()})
			return nil
		})
		if errors.Is(err, errEntryClosed) {
			continue
		}
		if err != nil {
			return nil, err
		}

		c.logger.Debug("player joined",
			slog.String("session_id", string(id)),
			slog.String("connection_id", string(connID)),
			slog.String("player_id", string(joined.ID)),
			slog.Bool("reclaimed", reclaimed),
		)
		return &joined, nil
	}
	return nil, model.ErrSessionNotFound
}

// LeaveSession removes the connection from whatever session it is in.
// Not being in a session is not an error.
func (c *Controller) LeaveSession(ctx context.Context, connID model.ConnectionID) error {
	conn, err := c.connections.Lookup(connID)
	if err != nil {
		return err
	}
	if !conn.InSession() {
		return nil
	}
	return c.leave(connID, conn.SessionID, model.LeaveReasonLeft)
}

func (c *Controller) leave(connID model.ConnectionID, id model.SessionID, reason model.LeaveReason) error {
	e, ok := c.lookupEntry(id)
	if !ok {
		c.connections.ClearSession(connID, id)
		return nil
	}

	err := c.mutate(e, func(tx *txn) error {
		player := tx.session.PlayerByConnection(connID)
		if player == nil {
			tx.unchanged = true
			return nil
		}
		c.removePlayer(tx, *player, reason)
		return nil
	})
	if errors.Is(err, errEntryClosed) {
		return nil
	}
	return err
}

// removePlayer drops a player from the roster within a transaction. The
// leaver still receives UserLeftGameGroup; everything after goes to the rest.
func (c *Controller) removePlayer(tx *txn, player model.Player, reason model.LeaveReason) {
	s := tx.session

	c.toGroup(tx, model.UserLeftGameGroupPayload{ConnectionID: player.ConnectionID, Name: player.Name, SessionID: s.ID})
	s.RemovePlayer(player.ID)
	tx.shrank = true

	tx.effect(func() {
		c.router.RemoveFromGroup(s.ID, player.ConnectionID)
		c.connections.ClearSession(player.ConnectionID, s.ID)
		c.cancelPending(player.ID, s.ID)
	})
	c.toGroup(tx, model.PlayerLeftPayload{PlayerID: player.ID, Name: player.Name, Reason: reason})
	c.rosterUpdated(tx)

	c.logger.Debug("player left",
		slog.String("session_id", string(s.ID)),
		slog.String("player_id", string(player.ID)),
		slog.String("reason", string(reason)),
	)
}

// HandleDisconnect is the connection registry's disconnect listener. A clean
// disconnect leaves immediately; a lost connection holds the player's slot
// for the grace period.
func (c *Controller) HandleDisconnect(conn model.Connection, reason model.DisconnectReason) {
	if !conn.InSession() {
		return
	}

	if reason == model.DisconnectClean || c.cfg.GracePeriod <= 0 {
		if err := c.leave(conn.ID, conn.SessionID, model.LeaveReasonDisconnected); err != nil {
			c.logger.Error("leave on disconnect failed",
				slog.String("connection_id", string(conn.ID)),
				slog.Any("error", err),
			)
		}
		return
	}

	e, ok := c.lookupEntry(conn.SessionID)
	if !ok {
		return
	}

	err := c.mutate(e, func(tx *txn) error {
		player := tx.session.PlayerByConnection(conn.ID)
		if player == nil || !player.Connected {
			tx.unchanged = true
			return nil
		}

		at := tx.now
		player.Connected = false
		player.DisconnectedAt = &at

		sessionID := tx.session.ID
		playerID := player.ID
		tx.effect(func() {
			c.router.RemoveFromGroup(sessionID, conn.ID)
		})
		c.toGroup(tx, model.PlayerDisconnectedPayload{
			PlayerID:    playerID,
			Name:        player.Name,
			ReconnectBy: at.Add(c.cfg.GracePeriod),
		})
		c.rosterUpdated(tx)
		tx.effect(func() {
			c.schedulePending(playerID, sessionID)
		})
		return nil
	})
	if err != nil && !errors.Is(err, errEntryClosed) {
		c.logger.Error("disconnect handling failed",
			slog.String("connection_id", string(conn.ID)),
			slog.Any("error", err),
		)
	}
}

// Reconnect hands a player's roster slot to a new connection carrying the
// player's id (see Registry.BindPlayer). The slot is either held by the grace
// period or still bound to an older connection of the same player that the
// server has not yet noticed is gone.
func (c *Controller) Reconnect(ctx context.Context, connID model.ConnectionID) (model.SessionID, error) {
	conn, err := c.connections.Lookup(connID)
	if err != nil {
		return "", err
	}

	if p := c.takePending(conn.PlayerID); p != nil {
		return c.reclaimHeld(conn, p)
	}

	for _, other := range c.connections.List() {
		if other.ID == connID || other.PlayerID != conn.PlayerID || !other.InSession() {
			continue
		}
		sessionID, err := c.takeOver(conn, other)
		if errors.Is(err, model.ErrReconnectUnavailable) {
			continue
		}
		return sessionID, err
	}
	return "", model.ErrReconnectUnavailable
}

func (c *Controller) reclaimHeld(conn model.Connection, p *pendingRemoval) (model.SessionID, error) {
	e, ok := c.lookupEntry(p.sessionID)
	if !ok {
		return "", model.ErrReconnectUnavailable
	}

	err := c.mutate(e, func(tx *txn) error {
		player := tx.session.Player(conn.PlayerID)
		if player == nil || player.Connected {
			return model.ErrReconnectUnavailable
		}
		return c.reclaim(tx, player, conn.ID)
	})
	switch {
	case errors.Is(err, errEntryClosed):
		return "", model.ErrReconnectUnavailable
	case errors.Is(err, model.ErrReconnectUnavailable):
		return "", err
	case err != nil:
		// The slot is still held; give the player a fresh window
		c.schedulePending(p.playerID, p.sessionID)
		return "", err
	}

	c.logger.Info("player reconnected",
		slog.String("session_id", string(p.sessionID)),
		slog.String("player_id", string(p.playerID)),
		slog.String("connection_id", string(conn.ID)),
	)
	return p.sessionID, nil
}

// takeOver moves the slot stale still occupies to conn
func (c *Controller) takeOver(conn, stale model.Connection) (model.SessionID, error) {
	e, ok := c.lookupEntry(stale.SessionID)
	if !ok {
		return "", model.ErrReconnectUnavailable
	}

	err := c.mutate(e, func(tx *txn) error {
		player := tx.session.PlayerByConnection(stale.ID)
		if player == nil || player.ID != conn.PlayerID {
			return model.ErrReconnectUnavailable
		}
		return c.reclaim(tx, player, conn.ID)
	})
	if errors.Is(err, errEntryClosed) {
		return "", model.ErrReconnectUnavailable
	}
	if err != nil {
		return "", err
	}

	c.logger.Info("player took over slot",
		slog.String("session_id", string(stale.SessionID)),
		slog.String("player_id", string(conn.PlayerID)),
		slog.String("connection_id", string(conn.ID)),
		slog.String("stale_connection_id", string(stale.ID)),
	)
	return stale.SessionID, nil
}

// reclaim rebinds an existing roster slot to connID within a transaction.
// Ready flag and drawing stay with the player; the previous connection loses
// its group membership and session binding.
func (c *Controller) reclaim(tx *txn, player *model.Player, connID model.ConnectionID) error {
	s := tx.session
	if err := c.connections.SetSession(connID, s.ID); err != nil {
		return err
	}

	previous := player.ConnectionID
	player.ConnectionID = connID
	player.Connected = true
	player.DisconnectedAt = nil

	playerID := player.ID
	tx.effect(func() {
		c.router.RemoveFromGroup(s.ID, previous)
		c.connections.ClearSession(previous, s.ID)
		c.cancelPending(playerID, s.ID)
		c.router.AddToGroup(s.ID, connID)
	})
	c.toGroup(tx, model.PlayerReconnectedPayload{PlayerID: player.ID, Name: player.Name})
	c.rosterUpdated(tx)
	c.toOne(tx, connID, model.SessionSnapshotPayload{Session: s.View()})
	return nil
}

// SessionFor returns the session the connection is in
func (c *Controller) SessionFor(connID model.ConnectionID) (model.SessionID, error) {
	conn, err := c.connections.Lookup(connID)
	if err != nil {
		return "", err
	}
	if !conn.InSession() {
		return "", model.ErrNotInSession
	}
	return conn.SessionID, nil
}

// PendingReconnects returns how many players are inside their grace period
func (c *Controller) PendingReconnects() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return len(c.pending)
}

func (c *Controller) schedulePending(playerID model.PlayerID, sessionID model.SessionID) {
	key := pendingKey{playerID: playerID, sessionID: sessionID}

	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	if old, ok := c.pending[key]; ok {
		old.timer.Stop()
	}
	c.pendingSeq++
	p := &pendingRemoval{pendingKey: key, seq: c.pendingSeq}
	c.pending[key] = p
	p.timer = c.clock.AfterFunc(c.cfg.GracePeriod, func() {
		c.expire(p)
	})
}

// takePending claims the player's most recent hold
func (c *Controller) takePending(playerID model.PlayerID) *pendingRemoval {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	var latest *pendingRemoval
	for key, p := range c.pending {
		if key.playerID == playerID && (latest == nil || p.seq > latest.seq) {
			latest = p
		}
	}
	if latest == nil {
		return nil
	}
	delete(c.pending, latest.pendingKey)
	latest.timer.Stop()
	return latest
}

func (c *Controller) cancelPending(playerID model.PlayerID, sessionID model.SessionID) {
	key := pendingKey{playerID: playerID, sessionID: sessionID}

	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	if p, ok := c.pending[key]; ok {
		p.timer.Stop()
		delete(c.pending, key)
	}
}

// expire removes a player whose grace period ran out. A reconnect that won
// the race has already taken p out of the pending map.
func (c *Controller) expire(p *pendingRemoval) {
	c.pendingMu.Lock()
	if c.pending[p.pendingKey] != p {
		c.pendingMu.Unlock()
		return
	}
	delete(c.pending, p.pendingKey)
	c.pendingMu.Unlock()

	e, ok := c.lookupEntry(p.sessionID)
	if !ok {
		return
	}

	err := c.mutate(e, func(tx *txn) error {
		player := tx.session.Player(p.playerID)
		if player == nil || player.Connected {
			tx.unchanged = true
			return nil
		}
		c.removePlayer(tx, *player, model.LeaveReasonTimeout)
		return nil
	})
	if err != nil && !errors.Is(err, errEntryClosed) {
		c.logger.Error("grace period expiry failed",
			slog.String("session_id", string(p.sessionID)),
			slog.String("player_id", string(p.playerID)),
			slog.Any("error", err),
		)
	}
}
