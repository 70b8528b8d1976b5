package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mcoot/masquerade-go/internal/model"
	"github.com/mcoot/masquerade-go/internal/transport/protocol"
)

var errUnknownCall = errors.New("unknown call")

// dispatch runs one inbound frame and answers it with a completion
func (h *Handler) dispatch(ctx context.Context, c *wsConn, data []byte) {
	frame, err := protocol.DecodeCall(data)
	if err != nil {
		c.complete(frame.ID, nil, err)
		return
	}

	connID := c.client.ConnectionID
	_ = h.presence.Touch(connID)

	result, err := h.invoke(ctx, connID, frame)
	if err != nil && !errors.Is(err, protocol.ErrBadFrame) && !errors.Is(err, errUnknownCall) {
		c.logger.Debug("call rejected",
			slog.String("call", string(frame.Call)),
			slog.Any("error", err),
		)
	}
	c.complete(frame.ID, result, err)
}

func (h *Handler) invoke(ctx context.Context, connID model.ConnectionID, frame protocol.CallFrame) (any, error) {
	switch frame.Call {
	case protocol.CallJoinGame:
		var args protocol.JoinGameArgs
		if err := protocol.DecodeArgs(frame, &args); err != nil {
			return nil, err
		}
		if args.SessionID == "" {
			return nil, model.ErrInvalidSessionID
		}
		player, err := h.sessions.JoinSession(ctx, args.SessionID, connID, args.Name)
		if err != nil {
			return nil, err
		}
		return protocol.JoinGameResult{
			SessionID: args.SessionID,
			Player: model.PlayerView{
				ID:        player.ID,
				Name:      player.Name,
				Ready:     player.Ready,
				Role:      player.Role,
				Connected: player.Connected,
			},
		}, nil

	case protocol.CallLeaveGame:
		return nil, h.sessions.LeaveSession(ctx, connID)

	case protocol.CallSetReady:
		var args protocol.SetReadyArgs
		if err := protocol.DecodeArgs(frame, &args); err != nil {
			return nil, err
		}
		return nil, h.sessions.SetReady(ctx, connID, args.Ready)

	case protocol.CallDrawingReady:
		var args protocol.DrawingReadyArgs
		if err := protocol.DecodeArgs(frame, &args); err != nil {
			return nil, err
		}
		return nil, h.sessions.SubmitDrawing(ctx, connID, []byte(args.EncodedDrawing))

	case protocol.CallSendMessage:
		var args protocol.SendMessageArgs
		if err := protocol.DecodeArgs(frame, &args); err != nil {
			return nil, err
		}
		return nil, h.sessions.SendChat(ctx, connID, args.Text)

	case protocol.CallGetAllGameIds:
		ids := h.sessions.ListSessionIDs(ctx)
		_ = h.router.SendToOne(connID, model.NewEvent("", h.clock.Now(), model.ReceiveAllGameIdsPayload{IDs: ids}))
		return protocol.GetAllGameIdsResult{IDs: ids}, nil

	case protocol.CallPhaseChanged:
		if !h.cfg.AllowPhaseOverride {
			return nil, model.ErrOverrideDisabled
		}
		var args protocol.PhaseChangedArgs
		if err := protocol.DecodeArgs(frame, &args); err != nil {
			return nil, err
		}
		target, err := model.ParsePhase(args.Phase)
		if err != nil {
			return nil, err
		}
		sessionID, err := h.sessions.SessionFor(connID)
		if err != nil {
			return nil, err
		}
		return nil, h.sessions.AdvancePhase(ctx, sessionID, target)

	case protocol.CallCreateGame:
		sess, err := h.sessions.CreateSession(ctx)
		if err != nil {
			return nil, err
		}
		return protocol.CreateGameResult{SessionID: sess.ID}, nil

	case protocol.CallPing:
		return protocol.PingResult{At: h.clock.Now()}, nil

	default:
		return nil, fmt.Errorf("%w: %q", errUnknownCall, frame.Call)
	}
}
