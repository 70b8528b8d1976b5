package response

import (
	"encoding/json"
	"time"

	"github.com/mcoot/masquerade-go/internal/model"
)

// Health is the response for the liveness endpoint
type Health struct {
	Status string `json:"status"`
}

// Player represents a roster entry in API responses
type Player struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Role       string `json:"role"`
	Ready      bool   `json:"ready"`
	Connected  bool   `json:"connected"`
	HasDrawing bool   `json:"has_drawing"`
}

// PlayerFromView converts a model.PlayerView
func PlayerFromView(p model.PlayerView) Player {
	return Player{
		ID:         string(p.ID),
		Name:       p.Name,
		Role:       string(p.Role),
		Ready:      p.Ready,
		Connected:  p.Connected,
		HasDrawing: p.HasDrawing,
	}
}

// SessionSummary is one entry of the session listing
type SessionSummary struct {
	ID             string    `json:"id"`
	Phase          string    `json:"phase"`
	PlayerCount    int       `json:"player_count"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// SessionSummaryFromModel converts model.SessionSummary
func SessionSummaryFromModel(s model.SessionSummary) SessionSummary {
	return SessionSummary{
		ID:             string(s.ID),
		Phase:          string(s.Phase),
		PlayerCount:    s.PlayerCount,
		CreatedAt:      s.CreatedAt,
		LastActivityAt: s.LastActivityAt,
	}
}

// SessionList is the response for listing sessions
type SessionList struct {
	Sessions []SessionSummary `json:"sessions"`
}

// SessionListFromModel converts a slice of summaries
func SessionListFromModel(summaries []model.SessionSummary) SessionList {
	list := SessionList{Sessions: make([]SessionSummary, 0, len(summaries))}
	for _, s := range summaries {
		list.Sessions = append(list.Sessions, SessionSummaryFromModel(s))
	}
	return list
}

// Session is a full session snapshot
type Session struct {
	ID                string          `json:"id"`
	Phase             string          `json:"phase"`
	Version           int64           `json:"version"`
	Players           []Player        `json:"players"`
	ReadyCount        int             `json:"ready_count"`
	SubmittedCount    int             `json:"submitted_count"`
	ComparisonResults json.RawMessage `json:"comparison_results,omitempty"`
	ScoringResults    json.RawMessage `json:"scoring_results,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	LastActivityAt    time.Time       `json:"last_activity_at"`
}

// SessionFromModel converts a model.Session
func SessionFromModel(s *model.Session) Session {
	views := s.PlayerViews()
	players := make([]Player, 0, len(views))
	for _, p := range views {
		players = append(players, PlayerFromView(p))
	}

	return Session{
		ID:                string(s.ID),
		Phase:             string(s.Phase),
		Version:           s.Version,
		Players:           players,
		ReadyCount:        s.ReadyCount(),
		SubmittedCount:    s.SubmittedCount(),
		ComparisonResults: s.ComparisonResults,
		ScoringResults:    s.ScoringResults,
		CreatedAt:         s.CreatedAt,
		LastActivityAt:    s.LastActivityAt,
	}
}

// Drawing is one submitted drawing. Payload is base64 encoded on the wire.
type Drawing struct {
	PlayerID    string    `json:"player_id"`
	Name        string    `json:"name"`
	Payload     []byte    `json:"payload"`
	Size        int       `json:"size"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// DrawingList is the response for a session's drawings
type DrawingList struct {
	SessionID string    `json:"session_id"`
	Phase     string    `json:"phase"`
	Drawings  []Drawing `json:"drawings"`
}

// DrawingListFromModel converts a session's drawings in roster order
func DrawingListFromModel(s *model.Session) DrawingList {
	views := s.DrawingViews()
	list := DrawingList{
		SessionID: string(s.ID),
		Phase:     string(s.Phase),
		Drawings:  make([]Drawing, 0, len(views)),
	}
	for _, d := range views {
		list.Drawings = append(list.Drawings, Drawing{
			PlayerID:    string(d.PlayerID),
			Name:        d.Name,
			Payload:     d.Payload,
			Size:        len(d.Payload),
			SubmittedAt: d.SubmittedAt,
		})
	}
	return list
}

// Stats is the response for the server statistics endpoint
type Stats struct {
	Connections       int            `json:"connections"`
	Subscribers       int            `json:"subscribers"`
	Sessions          int            `json:"sessions"`
	PendingReconnects int            `json:"pending_reconnects"`
	Groups            map[string]int `json:"groups"`
}
