package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/mcoot/masquerade-go/internal/model"
	"github.com/mcoot/masquerade-go/internal/transport/protocol"
)

// printFrame prints one hub event. JSON output passes the frame through as
// a JSON line; text output summarises it.
func printFrame(frame protocol.EventFrame, raw []byte) {
	if cfg.Output == "json" {
		fmt.Println(string(raw))
		return
	}

	timestamp := frame.At.Local().Format("15:04:05")
	prefix := ""
	if frame.Session != "" {
		prefix = "[" + string(frame.Session) + "] "
	}
	fmt.Printf("[%s] %s%s: %s\n", timestamp, prefix, frame.Event, describeEvent(frame))
}

// describeEvent renders an event payload as a single line
func describeEvent(frame protocol.EventFrame) string {
	switch frame.Event {
	case model.EventWelcome:
		var p model.WelcomePayload
		if decode(frame, &p) {
			if p.Resumed {
				return fmt.Sprintf("resumed as %s", p.PlayerID)
			}
			return fmt.Sprintf("connected as %s", p.PlayerID)
		}
	case model.EventUserJoined:
		var p model.UserJoinedPayload
		if decode(frame, &p) {
			return p.Name + " connected"
		}
	case model.EventUserLeft:
		var p model.UserLeftPayload
		if decode(frame, &p) {
			return p.Name + " disconnected"
		}
	case model.EventUserJoinedGameGroup:
		var p model.UserJoinedGameGroupPayload
		if decode(frame, &p) {
			return fmt.Sprintf("%s subscribed to %s", p.Name, p.SessionID)
		}
	case model.EventUserLeftGameGroup:
		var p model.UserLeftGameGroupPayload
		if decode(frame, &p) {
			return fmt.Sprintf("%s unsubscribed from %s", p.Name, p.SessionID)
		}
	case model.EventPlayerJoined:
		var p model.PlayerJoinedPayload
		if decode(frame, &p) {
			return fmt.Sprintf("%s joined as %s", p.Player.Name, p.Player.Role)
		}
	case model.EventPlayerLeft:
		var p model.PlayerLeftPayload
		if decode(frame, &p) {
			return fmt.Sprintf("%s left (%s)", p.Name, p.Reason)
		}
	case model.EventRosterUpdated:
		var p model.RosterUpdatedPayload
		if decode(frame, &p) {
			return fmt.Sprintf("%d/%d ready: %s", p.ReadyCount, p.Total, strings.Join(p.Names, ", "))
		}
	case model.EventPlayerReadyChanged:
		var p model.PlayerReadyChangedPayload
		if decode(frame, &p) {
			state := "not ready"
			if p.Ready {
				state = "ready"
			}
			return fmt.Sprintf("%s is %s (%d/%d)", p.Name, state, p.ReadyCount, p.Total)
		}
	case model.EventPlayerDisconnected:
		var p model.PlayerDisconnectedPayload
		if decode(frame, &p) {
			return fmt.Sprintf("%s lost connection, seat held until %s", p.Name, humanize.Time(p.ReconnectBy))
		}
	case model.EventPlayerReconnected:
		var p model.PlayerReconnectedPayload
		if decode(frame, &p) {
			return p.Name + " is back"
		}
	case model.EventDrawingSubmitted:
		var p model.DrawingSubmittedPayload
		if decode(frame, &p) {
			verb := "submitted"
			if p.Replaced {
				verb = "replaced"
			}
			return fmt.Sprintf("%s %s a drawing (%d/%d)", p.Name, verb, p.SubmittedCount, p.Total)
		}
	case model.EventPhaseChanged:
		var p model.PhaseChangedPayload
		if decode(frame, &p) {
			return describePhaseChange(p)
		}
	case model.EventSessionSnapshot:
		var p model.SessionSnapshotPayload
		if decode(frame, &p) {
			return fmt.Sprintf("%s with %d players, %d ready (version %d)",
				p.Session.Phase, len(p.Session.Players), p.Session.ReadyCount, p.Session.Version)
		}
	case model.EventSessionClosed:
		var p model.SessionClosedPayload
		if decode(frame, &p) {
			return fmt.Sprintf("session closed (%s)", p.Reason)
		}
	case model.EventReceiveAllGameIds:
		var p model.ReceiveAllGameIdsPayload
		if decode(frame, &p) {
			if len(p.IDs) == 0 {
				return "no live sessions"
			}
			ids := make([]string, 0, len(p.IDs))
			for _, id := range p.IDs {
				ids = append(ids, string(id))
			}
			return strings.Join(ids, ", ")
		}
	case model.EventReceiveMessage:
		var p model.ReceiveMessagePayload
		if decode(frame, &p) {
			return fmt.Sprintf("<%s> %s", p.Name, p.Text)
		}
	case model.EventCompletion:
		var p protocol.CompletionPayload
		if decode(frame, &p) {
			if p.OK {
				return fmt.Sprintf("call %s ok", p.ID)
			}
			if p.Error != nil {
				return fmt.Sprintf("call %s failed: %s (%s)", p.ID, p.Error.Message, p.Error.Code)
			}
		}
	}

	return truncate(string(frame.Data), 100)
}

func describePhaseChange(p model.PhaseChangedPayload) string {
	desc := fmt.Sprintf("%s -> %s", p.Previous, p.Phase)
	if len(p.Drawings) > 0 {
		var total int
		for _, d := range p.Drawings {
			total += len(d.Payload)
		}
		desc += fmt.Sprintf(", %d drawings (%s)", len(p.Drawings), humanize.Bytes(uint64(total)))
	}
	if len(p.Results) > 0 {
		desc += ", results: " + truncate(string(p.Results), 80)
	}
	return desc
}

func decode(frame protocol.EventFrame, v any) bool {
	return json.Unmarshal(frame.Data, v) == nil
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
