package model

import "time"

// ConnectionID identifies one live client attachment. It is not a game identity.
type ConnectionID string

// DisconnectReason distinguishes deliberate departures from network loss
type DisconnectReason string

const (
	DisconnectClean DisconnectReason = "clean" // client closed the channel on purpose
	DisconnectLost  DisconnectReason = "lost"  // network loss, eligible for the grace period

	// DisconnectReplaced closes an older connection of a player who connected
	// again. Any slot it still occupies is held like a lost one.
	DisconnectReplaced DisconnectReason = "replaced"
)

// Connection is the registry's view of a client attachment
type Connection struct {
	ID          ConnectionID
	PlayerID    PlayerID
	PlayerName  string
	SessionID   SessionID // empty when not in a session
	ConnectedAt time.Time
	LastSeenAt  time.Time
}

// InSession reports whether the connection is bound to a session
func (c Connection) InSession() bool {
	return c.SessionID != ""
}
