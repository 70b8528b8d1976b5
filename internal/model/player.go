package model

import "time"

// PlayerID identifies a player across reconnects. Connection ids are ephemeral; this is not.
type PlayerID string

// PlayerRole is the part a player has in a round
type PlayerRole string

const (
	RoleMaskMaker PlayerRole = "mask_maker"
)

// MaxPlayerNameLength is the longest accepted display name, in runes
const MaxPlayerNameLength = 32

// Player is a connection's membership inside a session
type Player struct {
	ID             PlayerID
	ConnectionID   ConnectionID
	Name           string
	Ready          bool
	Role           PlayerRole
	Connected      bool       // false while inside the grace period
	JoinedAt       time.Time
	DisconnectedAt *time.Time // set while Connected is false
}

// PlayerView is the roster entry broadcast to clients
type PlayerView struct {
	ID         PlayerID   `json:"id"`
	Name       string     `json:"name"`
	Ready      bool       `json:"ready"`
	Role       PlayerRole `json:"role"`
	Connected  bool       `json:"connected"`
	HasDrawing bool       `json:"hasDrawing"`
}
