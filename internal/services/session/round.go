package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/mcoot/masquerade-go/internal/model"
	"github.com/mcoot/masquerade-go/internal/services/scoring"
)

// MaxMessageLength bounds chat messages, in runes
const MaxMessageLength = 500

// evaluateGuards fires every automatic transition the session now satisfies.
// It runs at the end of each mutation, so a leave can complete a phase too.
func (c *Controller) evaluateGuards(tx *txn) {
	s := tx.session
	for !s.IsEmpty() {
		switch {
		case s.Phase == model.PhaseLobby && s.AllPlayersReady():
			c.transition(tx, model.PhaseMaskDraw, nil)
		case s.Phase == model.PhaseMaskDraw && s.AllDrawingsSubmitted():
			c.transition(tx, model.PhaseMaskComparison, nil)
		default:
			return
		}
	}
}

// transition moves the session to its successor phase. Callers have already
// checked the move is legal.
func (c *Controller) transition(tx *txn, to model.Phase, results json.RawMessage) {
	s := tx.session
	payload := model.PhaseChangedPayload{Phase: to, Previous: s.Phase}

	switch to {
	case model.PhaseMaskDraw:
		s.Drawings = make(map[model.PlayerID]model.DrawingSubmission)
		s.ComparisonResults = nil
		s.ScoringResults = nil
	case model.PhaseMaskComparison:
		payload.Drawings = s.DrawingViews()
		req := scoring.Request{
			SessionID: s.ID,
			Players:   s.PlayerViews(),
			Drawings:  s.DrawingViews(),
		}
		tx.effect(func() {
			c.hook.ComparisonRequested(req)
		})
	case model.PhaseScoring:
		s.ComparisonResults = results
		payload.Results = results
	case model.PhaseCompleted:
		s.ScoringResults = results
		payload.Results = results
	}

	previous := s.Phase
	s.Phase = to
	c.toGroup(tx, payload)
	tx.effect(func() {
		c.logger.Info("phase changed",
			slog.String("session_id", string(s.ID)),
			slog.String("from", string(previous)),
			slog.String("to", string(to)),
			slog.Int("players", len(s.Roster)),
		)
	})
}

// SetReady toggles the caller's ready flag. Only valid in the lobby; setting
// the current value again changes nothing and emits nothing.
func (c *Controller) SetReady(ctx context.Context, connID model.ConnectionID, ready bool) error {
	return c.mutateAsPlayer(connID, func(tx *txn, player *model.Player) error {
		if tx.session.Phase != model.PhaseLobby {
			return model.ErrInvalidPhase
		}
		if player.Ready == ready {
			tx.unchanged = true
			return nil
		}

		player.Ready = ready
		s := tx.session
		c.toGroup(tx, model.PlayerReadyChangedPayload{
			PlayerID:   player.ID,
			Name:       player.Name,
			Ready:      ready,
			ReadyCount: s.ReadyCount(),
			Total:      len(s.Roster),
		})
		c.rosterUpdated(tx)
		return nil
	})
}

// SubmitDrawing stores the caller's drawing for this round, replacing any earlier one
func (c *Controller) SubmitDrawing(ctx context.Context, connID model.ConnectionID, payload []byte) error {
	if len(payload) == 0 {
		return model.ErrEmptyDrawing
	}
	if len(payload) > c.cfg.MaxDrawingBytes {
		return model.ErrDrawingTooLarge
	}

	return c.mutateAsPlayer(connID, func(tx *txn, player *model.Player) error {
		s := tx.session
		if s.Phase != model.PhaseMaskDraw {
			return model.ErrInvalidPhase
		}

		_, replaced := s.Drawings[player.ID]
		s.Drawings[player.ID] = model.DrawingSubmission{
			OwnerID:     player.ID,
			Payload:     append([]byte(nil), payload...),
			SubmittedAt: tx.now,
		}

		c.toGroup(tx, model.DrawingSubmittedPayload{
			PlayerID:       player.ID,
			Name:           player.Name,
			Replaced:       replaced,
			SubmittedCount: s.SubmittedCount(),
			Total:          len(s.Roster),
		})
		c.rosterUpdated(tx)
		return nil
	})
}

// AdvancePhase is the manual override. The target must be the successor of
// the current phase, and a session without players never moves.
func (c *Controller) AdvancePhase(ctx context.Context, id model.SessionID, target model.Phase) error {
	if !target.IsValid() {
		return model.ErrUnknownPhase
	}
	return c.mutateSession(id, func(tx *txn) error {
		s := tx.session
		if !s.Phase.CanTransitionTo(target) || s.IsEmpty() {
			return model.ErrInvalidTransition
		}
		c.transition(tx, target, nil)
		return nil
	})
}

// CompleteComparison is the comparison component's signal: MaskComparison to Scoring
func (c *Controller) CompleteComparison(ctx context.Context, id model.SessionID, results json.RawMessage) error {
	return c.complete(id, model.PhaseMaskComparison, results)
}

// CompleteScoring is the scoring component's signal: Scoring to Completed
func (c *Controller) CompleteScoring(ctx context.Context, id model.SessionID, results json.RawMessage) error {
	return c.complete(id, model.PhaseScoring, results)
}

var _ scoring.Completer = (*Controller)(nil)

func (c *Controller) complete(id model.SessionID, from model.Phase, results json.RawMessage) error {
	if len(results) > 0 && !json.Valid(results) {
		return model.ErrInvalidResults
	}
	results = append(json.RawMessage(nil), results...)

	return c.mutateSession(id, func(tx *txn) error {
		s := tx.session
		if s.Phase != from {
			return model.ErrInvalidPhase
		}
		if s.IsEmpty() {
			return model.ErrInvalidTransition
		}
		next, _ := from.Next()
		c.transition(tx, next, results)
		return nil
	})
}

// SendChat relays a message to the caller's session, or to everyone when the
// caller has not joined one
func (c *Controller) SendChat(ctx context.Context, connID model.ConnectionID, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return model.ErrEmptyMessage
	}
	if utf8.RuneCountInString(text) > MaxMessageLength {
		return model.ErrMessageTooLong
	}

	conn, err := c.connections.Lookup(connID)
	if err != nil {
		return err
	}

	if !conn.InSession() {
		c.router.SendToAll(model.NewEvent("", c.clock.Now(), model.ReceiveMessagePayload{
			ConnectionID: connID,
			Name:         conn.PlayerName,
			Text:         text,
		}))
		return nil
	}

	return c.mutateAsPlayer(connID, func(tx *txn, player *model.Player) error {
		// Chat keeps the session from idling out
		c.toGroup(tx, model.ReceiveMessagePayload{
			ConnectionID: connID,
			Name:         player.Name,
			Text:         text,
		})
		return nil
	})
}
