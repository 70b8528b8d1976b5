package model

import (
	"encoding/json"
	"time"
)

// EventSchemaVersion is stamped on every outbound event
const EventSchemaVersion = 1

// EventName identifies the type of event on the wire
type EventName string

const (
	// Connection-level events, sent to everyone
	EventUserJoined EventName = "UserJoined"
	EventUserLeft   EventName = "UserLeft"

	// Group membership events
	EventUserJoinedGameGroup EventName = "UserJoinedGameGroup"
	EventUserLeftGameGroup   EventName = "UserLeftGameGroup"

	// Roster events
	EventPlayerJoined       EventName = "PlayerJoined"
	EventPlayerLeft         EventName = "PlayerLeft"
	EventRosterUpdated      EventName = "RosterUpdated"
	EventPlayerReadyChanged EventName = "PlayerReadyChanged"
	EventPlayerDisconnected EventName = "PlayerDisconnected"
	EventPlayerReconnected  EventName = "PlayerReconnected"

	// Round events
	EventDrawingSubmitted EventName = "DrawingSubmitted"
	EventPhaseChanged     EventName = "PhaseChanged"
	EventSessionSnapshot  EventName = "SessionSnapshot"
	EventSessionClosed    EventName = "SessionClosed"

	// Direct replies and chat
	EventReceiveAllGameIds EventName = "ReceiveAllGameIds"
	EventReceiveMessage    EventName = "ReceiveMessage"
	EventWelcome           EventName = "Welcome"
	EventCompletion        EventName = "Completion"
)

// Payload is implemented by every event body. Each body has a fixed schema per name.
type Payload interface {
	EventName() EventName
}

// Event is a single outbound notification
type Event struct {
	Name      EventName
	Version   int
	SessionID SessionID // empty for connection-level events
	Timestamp time.Time
	Payload   Payload
}

// NewEvent wraps a payload with its name and schema version
func NewEvent(sessionID SessionID, at time.Time, payload Payload) Event {
	return Event{
		Name:      payload.EventName(),
		Version:   EventSchemaVersion,
		SessionID: sessionID,
		Timestamp: at,
		Payload:   payload,
	}
}

// LeaveReason explains why a player left a roster
type LeaveReason string

const (
	LeaveReasonLeft         LeaveReason = "left"
	LeaveReasonDisconnected LeaveReason = "disconnected"
	LeaveReasonTimeout      LeaveReason = "timeout"
	LeaveReasonSwitched     LeaveReason = "switched"
)

// CloseReason explains why a session was torn down while it still had players
type CloseReason string

const (
	CloseReasonIdle     CloseReason = "idle"
	CloseReasonInternal CloseReason = "internal_error"
	CloseReasonShutdown CloseReason = "shutdown"
)

type UserJoinedPayload struct {
	ConnectionID ConnectionID `json:"connectionId"`
	Name         string       `json:"name"`
}

func (UserJoinedPayload) EventName() EventName { return EventUserJoined }

type UserLeftPayload struct {
	ConnectionID ConnectionID `json:"connectionId"`
	Name         string       `json:"name"`
}

func (UserLeftPayload) EventName() EventName { return EventUserLeft }

type UserJoinedGameGroupPayload struct {
	ConnectionID ConnectionID `json:"connectionId"`
	Name         string       `json:"name"`
	SessionID    SessionID    `json:"sessionId"`
}

func (UserJoinedGameGroupPayload) EventName() EventName { return EventUserJoinedGameGroup }

type UserLeftGameGroupPayload struct {
	ConnectionID ConnectionID `json:"connectionId"`
	Name         string       `json:"name"`
	SessionID    SessionID    `json:"sessionId"`
}

func (UserLeftGameGroupPayload) EventName() EventName { return EventUserLeftGameGroup }

type PlayerJoinedPayload struct {
	Player PlayerView `json:"player"`
}

func (PlayerJoinedPayload) EventName() EventName { return EventPlayerJoined }

type PlayerLeftPayload struct {
	PlayerID PlayerID    `json:"playerId"`
	Name     string      `json:"name"`
	Reason   LeaveReason `json:"reason"`
}

func (PlayerLeftPayload) EventName() EventName { return EventPlayerLeft }

// RosterUpdatedPayload carries the whole roster. Names is the join-ordered name list.
type RosterUpdatedPayload struct {
	Names      []string     `json:"names"`
	Players    []PlayerView `json:"players"`
	ReadyCount int          `json:"readyCount"`
	Total      int          `json:"total"`
}

func (RosterUpdatedPayload) EventName() EventName { return EventRosterUpdated }

type PlayerReadyChangedPayload struct {
	PlayerID   PlayerID `json:"playerId"`
	Name       string   `json:"name"`
	Ready      bool     `json:"ready"`
	ReadyCount int      `json:"readyCount"`
	Total      int      `json:"total"`
}

func (PlayerReadyChangedPayload) EventName() EventName { return EventPlayerReadyChanged }

type PlayerDisconnectedPayload struct {
	PlayerID    PlayerID  `json:"playerId"`
	Name        string    `json:"name"`
	ReconnectBy time.Time `json:"reconnectBy"`
}

func (PlayerDisconnectedPayload) EventName() EventName { return EventPlayerDisconnected }

type PlayerReconnectedPayload struct {
	PlayerID PlayerID `json:"playerId"`
	Name     string   `json:"name"`
}

func (PlayerReconnectedPayload) EventName() EventName { return EventPlayerReconnected }

type DrawingSubmittedPayload struct {
	PlayerID       PlayerID `json:"playerId"`
	Name           string   `json:"name"`
	Replaced       bool     `json:"replaced"`
	SubmittedCount int      `json:"submittedCount"`
	Total          int      `json:"total"`
}

func (DrawingSubmittedPayload) EventName() EventName { return EventDrawingSubmitted }

// PhaseChangedPayload announces a transition. Drawings are attached when entering the
// comparison phase; results are attached when the external collaborator supplied them.
type PhaseChangedPayload struct {
	Phase    Phase           `json:"phase"`
	Previous Phase           `json:"previous"`
	Drawings []DrawingView   `json:"drawings,omitempty"`
	Results  json.RawMessage `json:"results,omitempty"`
}

func (PhaseChangedPayload) EventName() EventName { return EventPhaseChanged }

type SessionSnapshotPayload struct {
	Session SessionView `json:"session"`
}

func (SessionSnapshotPayload) EventName() EventName { return EventSessionSnapshot }

type SessionClosedPayload struct {
	Reason CloseReason `json:"reason"`
}

func (SessionClosedPayload) EventName() EventName { return EventSessionClosed }

type ReceiveAllGameIdsPayload struct {
	IDs []SessionID `json:"ids"`
}

func (ReceiveAllGameIdsPayload) EventName() EventName { return EventReceiveAllGameIds }

type ReceiveMessagePayload struct {
	ConnectionID ConnectionID `json:"connectionId"`
	Name         string       `json:"name"`
	Text         string       `json:"text"`
}

func (ReceiveMessagePayload) EventName() EventName { return EventReceiveMessage }

// WelcomePayload is sent once per connection. Token is only present when a new identity was issued.
type WelcomePayload struct {
	ConnectionID ConnectionID `json:"connectionId"`
	PlayerID     PlayerID     `json:"playerId"`
	Token        string       `json:"token,omitempty"`
	Resumed      bool         `json:"resumed"`
	SessionID    SessionID    `json:"sessionId,omitempty"`
}

func (WelcomePayload) EventName() EventName { return EventWelcome }
