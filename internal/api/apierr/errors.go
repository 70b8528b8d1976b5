package apierr

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mcoot/masquerade-go/internal/model"
)

// APIError represents an API error response
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorResponse wraps an APIError
type ErrorResponse struct {
	Error APIError `json:"error"`
}

// Common error codes. The WebSocket transport reports the same codes in its completions.
const (
	CodeInvalidRequest      = "INVALID_REQUEST"
	CodeUnauthorized        = "UNAUTHORIZED"
	CodeNotConnected        = "NOT_CONNECTED"
	CodeDuplicateConnection = "DUPLICATE_CONNECTION"
	CodeInvalidPlayerName   = "INVALID_PLAYER_NAME"
	CodeInvalidToken        = "INVALID_TOKEN"
	CodeSessionNotFound     = "SESSION_NOT_FOUND"
	CodeInvalidSessionID    = "INVALID_SESSION_ID"
	CodeSessionFull         = "SESSION_FULL"
	CodeAlreadyJoined       = "ALREADY_JOINED"
	CodeNotInSession        = "NOT_IN_SESSION"
	CodeInvalidPhase        = "INVALID_PHASE"
	CodeInvalidTransition   = "INVALID_TRANSITION"
	CodeUnknownPhase        = "UNKNOWN_PHASE"
	CodeOverrideDisabled    = "OVERRIDE_DISABLED"
	CodeInvalidResults      = "INVALID_RESULTS"
	CodeEmptyDrawing        = "EMPTY_DRAWING"
	CodeDrawingTooLarge     = "DRAWING_TOO_LARGE"
	CodeEmptyMessage        = "EMPTY_MESSAGE"
	CodeMessageTooLong      = "MESSAGE_TOO_LONG"
	CodeUnknownCall         = "UNKNOWN_CALL"
	CodeBadFrame            = "BAD_FRAME"
	CodeInternalError       = "INTERNAL_ERROR"
)

// httpError combines an HTTP status code with an APIError
type httpError struct {
	status   int
	apiError APIError
}

// Error implements error interface
func (e *httpError) Error() string {
	return e.apiError.Message
}

// WriteError writes an error response to the response writer
func WriteError(w http.ResponseWriter, err error) {
	he := toHTTPError(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(he.status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: he.apiError})
}

// Classify returns the stable code and message for an error
func Classify(err error) APIError {
	return toHTTPError(err).apiError
}

// Status returns the HTTP status an error maps to
func Status(err error) int {
	return toHTTPError(err).status
}

// toHTTPError converts an error to an httpError
func toHTTPError(err error) *httpError {
	// Check for specific error types
	var he *httpError
	if errors.As(err, &he) {
		return he
	}

	// Map model errors
	switch {
	case errors.Is(err, model.ErrNotConnected):
		return &httpError{http.StatusConflict, APIError{CodeNotConnected, "Connection is not registered"}}
	case errors.Is(err, model.ErrDuplicateConnection):
		return &httpError{http.StatusConflict, APIError{CodeDuplicateConnection, "Connection is already registered"}}
	case errors.Is(err, model.ErrInvalidPlayerName):
		return &httpError{http.StatusBadRequest, APIError{CodeInvalidPlayerName, "Player name must be 1-32 characters"}}
	case errors.Is(err, model.ErrInvalidToken):
		return &httpError{http.StatusUnauthorized, APIError{CodeInvalidToken, "Invalid or expired identity token"}}
	case errors.Is(err, model.ErrSessionNotFound):
		return &httpError{http.StatusNotFound, APIError{CodeSessionNotFound, "Session not found"}}
	case errors.Is(err, model.ErrInvalidSessionID):
		return &httpError{http.StatusBadRequest, APIError{CodeInvalidSessionID, "Session id must be 1-32 letters, digits, '-' or '_'"}}
	case errors.Is(err, model.ErrSessionFull):
		return &httpError{http.StatusConflict, APIError{CodeSessionFull, "Session is full"}}
	case errors.Is(err, model.ErrAlreadyJoined):
		return &httpError{http.StatusConflict, APIError{CodeAlreadyJoined, "Already in this session"}}
	case errors.Is(err, model.ErrNotInSession):
		return &httpError{http.StatusConflict, APIError{CodeNotInSession, "Not in a session"}}
	case errors.Is(err, model.ErrInvalidPhase):
		return &httpError{http.StatusConflict, APIError{CodeInvalidPhase, "Not allowed in the current phase"}}
	case errors.Is(err, model.ErrInvalidTransition):
		return &httpError{http.StatusConflict, APIError{CodeInvalidTransition, "Phase transition is not allowed"}}
	case errors.Is(err, model.ErrUnknownPhase):
		return &httpError{http.StatusBadRequest, APIError{CodeUnknownPhase, "Unknown phase"}}
	case errors.Is(err, model.ErrOverrideDisabled):
		return &httpError{http.StatusForbidden, APIError{CodeOverrideDisabled, "Manual phase changes are disabled"}}
	case errors.Is(err, model.ErrInvalidResults):
		return &httpError{http.StatusBadRequest, APIError{CodeInvalidResults, "Results must be valid JSON"}}
	case errors.Is(err, model.ErrEmptyDrawing):
		return &httpError{http.StatusBadRequest, APIError{CodeEmptyDrawing, "Drawing is empty"}}
	case errors.Is(err, model.ErrDrawingTooLarge):
		return &httpError{http.StatusRequestEntityTooLarge, APIError{CodeDrawingTooLarge, "Drawing is too large"}}
	case errors.Is(err, model.ErrEmptyMessage):
		return &httpError{http.StatusBadRequest, APIError{CodeEmptyMessage, "Message is empty"}}
	case errors.Is(err, model.ErrMessageTooLong):
		return &httpError{http.StatusBadRequest, APIError{CodeMessageTooLong, "Message is too long"}}

	default:
		return &httpError{http.StatusInternalServerError, APIError{CodeInternalError, "Internal server error"}}
	}
}

// New creates an error with an explicit status and code
func New(status int, code, message string) error {
	return &httpError{status, APIError{code, message}}
}

// NewInvalidRequestError creates an invalid request error
func NewInvalidRequestError(message string) error {
	return &httpError{http.StatusBadRequest, APIError{CodeInvalidRequest, message}}
}

// NewUnauthorizedError creates an unauthorized error
func NewUnauthorizedError() error {
	return &httpError{http.StatusUnauthorized, APIError{CodeUnauthorized, "Authentication required"}}
}

// NewInternalError creates an internal server error
func NewInternalError() error {
	return &httpError{http.StatusInternalServerError, APIError{CodeInternalError, "Internal server error"}}
}
