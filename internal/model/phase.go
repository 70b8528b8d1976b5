package model

import "strings"

// Phase is a stage of a session's state machine
type Phase string

const (
	PhaseLobby          Phase = "Lobby"
	PhaseMaskDraw       Phase = "MaskDraw"
	PhaseMaskComparison Phase = "MaskComparison"
	PhaseScoring        Phase = "Scoring"
	PhaseCompleted      Phase = "Completed"
)

// phaseOrder is the only order phases may be visited in
var phaseOrder = []Phase{
	PhaseLobby,
	PhaseMaskDraw,
	PhaseMaskComparison,
	PhaseScoring,
	PhaseCompleted,
}

// Phases returns every phase in state machine order
func Phases() []Phase {
	out := make([]Phase, len(phaseOrder))
	copy(out, phaseOrder)
	return out
}

// ParsePhase resolves a phase name, ignoring case
func ParsePhase(s string) (Phase, error) {
	for _, p := range phaseOrder {
		if strings.EqualFold(string(p), strings.TrimSpace(s)) {
			return p, nil
		}
	}
	return "", ErrUnknownPhase
}

// Index returns the position of the phase in the state machine, or -1
func (p Phase) Index() int {
	for i, candidate := range phaseOrder {
		if candidate == p {
			return i
		}
	}
	return -1
}

// IsValid reports whether p is a known phase
func (p Phase) IsValid() bool {
	return p.Index() >= 0
}

// IsTerminal reports whether no further transitions are possible
func (p Phase) IsTerminal() bool {
	return p == PhaseCompleted
}

// Next returns the successor phase. The second value is false for terminal or unknown phases.
func (p Phase) Next() (Phase, bool) {
	i := p.Index()
	if i < 0 || i+1 >= len(phaseOrder) {
		return "", false
	}
	return phaseOrder[i+1], true
}

// CanTransitionTo reports whether target is the immediate successor of p
func (p Phase) CanTransitionTo(target Phase) bool {
	next, ok := p.Next()
	return ok && next == target
}
