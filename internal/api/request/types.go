package request

import "encoding/json"

// AdvancePhaseRequest is the request body for forcing a phase transition
type AdvancePhaseRequest struct {
	Phase string `json:"phase"`
}

// CompleteRequest is the request body for the comparison and scoring completion
// signals. Results are stored and broadcast verbatim.
type CompleteRequest struct {
	Results json.RawMessage `json:"results,omitempty"`
}
