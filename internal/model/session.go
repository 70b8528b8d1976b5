package model

import (
	"encoding/json"
	"slices"
	"time"
)

// SessionID is the opaque token identifying a session (a game room)
type SessionID string

// DrawingSubmission is a player's mask for the current round. The payload is never interpreted.
type DrawingSubmission struct {
	OwnerID     PlayerID
	Payload     []byte
	SubmittedAt time.Time
}

// Session is one in-progress match: a roster, a phase, and the phase's working data.
// It is only ever mutated by the session controller.
type Session struct {
	ID                SessionID
	Phase             Phase
	Roster            []Player // join order
	Drawings          map[PlayerID]DrawingSubmission
	ComparisonResults json.RawMessage `json:",omitempty"`
	ScoringResults    json.RawMessage `json:",omitempty"`
	Version           int64
	CreatedAt         time.Time
	LastActivityAt    time.Time
}

// NewSession creates an empty session in the lobby phase
func NewSession(id SessionID, now time.Time) *Session {
	return &Session{
		ID:             id,
		Phase:          PhaseLobby,
		Roster:         []Player{},
		Drawings:       make(map[PlayerID]DrawingSubmission),
		CreatedAt:      now,
		LastActivityAt: now,
	}
}

// Player returns the roster entry for the given player, or nil
func (s *Session) Player(id PlayerID) *Player {
	for i := range s.Roster {
		if s.Roster[i].ID == id {
			return &s.Roster[i]
		}
	}
	return nil
}

// PlayerByConnection returns the roster entry bound to the given connection, or nil
func (s *Session) PlayerByConnection(id ConnectionID) *Player {
	for i := range s.Roster {
		if s.Roster[i].ConnectionID == id {
			return &s.Roster[i]
		}
	}
	return nil
}

// RemovePlayer drops a player and their drawing. Returns false if they were not present.
func (s *Session) RemovePlayer(id PlayerID) bool {
	for i := range s.Roster {
		if s.Roster[i].ID == id {
			s.Roster = slices.Delete(s.Roster, i, i+1)
			delete(s.Drawings, id)
			return true
		}
	}
	return false
}

// IsEmpty reports whether nobody is on the roster
func (s *Session) IsEmpty() bool {
	return len(s.Roster) == 0
}

// AllPlayersReady is the lobby guard. Always false for an empty roster.
func (s *Session) AllPlayersReady() bool {
	if len(s.Roster) == 0 {
		return false
	}
	for _, p := range s.Roster {
		if !p.Ready {
			return false
		}
	}
	return true
}

// AllDrawingsSubmitted is the mask-draw guard. Always false for an empty roster.
func (s *Session) AllDrawingsSubmitted() bool {
	if len(s.Roster) == 0 {
		return false
	}
	for _, p := range s.Roster {
		if _, ok := s.Drawings[p.ID]; !ok {
			return false
		}
	}
	return true
}

// ReadyCount returns how many roster members are ready
func (s *Session) ReadyCount() int {
	n := 0
	for _, p := range s.Roster {
		if p.Ready {
			n++
		}
	}
	return n
}

// SubmittedCount returns how many roster members have a drawing
func (s *Session) SubmittedCount() int {
	n := 0
	for _, p := range s.Roster {
		if _, ok := s.Drawings[p.ID]; ok {
			n++
		}
	}
	return n
}

// Names returns the roster's display names in join order
func (s *Session) Names() []string {
	names := make([]string, len(s.Roster))
	for i, p := range s.Roster {
		names[i] = p.Name
	}
	return names
}

// Clone returns a deep copy
func (s *Session) Clone() *Session {
	c := *s
	c.Roster = make([]Player, len(s.Roster))
	for i, p := range s.Roster {
		if p.DisconnectedAt != nil {
			t := *p.DisconnectedAt
			p.DisconnectedAt = &t
		}
		c.Roster[i] = p
	}
	c.Drawings = make(map[PlayerID]DrawingSubmission, len(s.Drawings))
	for id, d := range s.Drawings {
		d.Payload = slices.Clone(d.Payload)
		c.Drawings[id] = d
	}
	c.ComparisonResults = slices.Clone(s.ComparisonResults)
	c.ScoringResults = slices.Clone(s.ScoringResults)
	return &c
}

// PlayerViews returns the roster as broadcast to clients
func (s *Session) PlayerViews() []PlayerView {
	views := make([]PlayerView, len(s.Roster))
	for i, p := range s.Roster {
		_, hasDrawing := s.Drawings[p.ID]
		views[i] = PlayerView{
			ID:         p.ID,
			Name:       p.Name,
			Ready:      p.Ready,
			Role:       p.Role,
			Connected:  p.Connected,
			HasDrawing: hasDrawing,
		}
	}
	return views
}

// DrawingViews returns submitted drawings in roster order
func (s *Session) DrawingViews() []DrawingView {
	views := make([]DrawingView, 0, len(s.Drawings))
	for _, p := range s.Roster {
		d, ok := s.Drawings[p.ID]
		if !ok {
			continue
		}
		views = append(views, DrawingView{
			PlayerID:    p.ID,
			Name:        p.Name,
			Payload:     slices.Clone(d.Payload),
			SubmittedAt: d.SubmittedAt,
		})
	}
	return views
}

// View returns the client-facing snapshot of the session
func (s *Session) View() SessionView {
	return SessionView{
		ID:             s.ID,
		Phase:          s.Phase,
		Players:        s.PlayerViews(),
		ReadyCount:     s.ReadyCount(),
		SubmittedCount: s.SubmittedCount(),
		Version:        s.Version,
		CreatedAt:      s.CreatedAt,
	}
}

// SessionView is the client-facing snapshot of a session
type SessionView struct {
	ID             SessionID    `json:"id"`
	Phase          Phase        `json:"phase"`
	Players        []PlayerView `json:"players"`
	ReadyCount     int          `json:"readyCount"`
	SubmittedCount int          `json:"submittedCount"`
	Version        int64        `json:"version"`
	CreatedAt      time.Time    `json:"createdAt"`
}

// DrawingView is a submitted drawing as handed to the comparison step
type DrawingView struct {
	PlayerID    PlayerID  `json:"playerId"`
	Name        string    `json:"name"`
	Payload     []byte    `json:"payload"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// SessionSummary is a lightweight listing entry
type SessionSummary struct {
	ID             SessionID `json:"id"`
	Phase          Phase     `json:"phase"`
	PlayerCount    int       `json:"playerCount"`
	CreatedAt      time.Time `json:"createdAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
}

// Summary returns the listing entry for the session
func (s *Session) Summary() SessionSummary {
	return SessionSummary{
		ID:             s.ID,
		Phase:          s.Phase,
		PlayerCount:    len(s.Roster),
		CreatedAt:      s.CreatedAt,
		LastActivityAt: s.LastActivityAt,
	}
}
