package model

import "errors"

// Common errors used across the application
var (
	// Connection errors
	ErrNotConnected         = errors.New("connection is not registered")
	ErrDuplicateConnection  = errors.New("connection is already registered")
	ErrInvalidPlayerName    = errors.New("invalid player name")
	ErrReconnectUnavailable = errors.New("no pending session to reconnect to")
	ErrInvalidToken         = errors.New("invalid or expired identity token")

	// Session errors
	ErrSessionNotFound   = errors.New("session not found")
	ErrInvalidSessionID  = errors.New("invalid session id")
	ErrSessionFull       = errors.New("session is full")
	ErrAlreadyJoined     = errors.New("connection has already joined this session")
	ErrNotInSession      = errors.New("connection is not in a session")
	ErrInvalidPhase      = errors.New("operation is not valid in the current phase")
	ErrInvalidTransition = errors.New("phase transition is not allowed")
	ErrUnknownPhase      = errors.New("unknown phase")
	ErrOverrideDisabled  = errors.New("manual phase changes are disabled")
	ErrInvalidResults    = errors.New("results must be valid JSON")

	// Submission errors
	ErrEmptyDrawing    = errors.New("drawing is empty")
	ErrDrawingTooLarge = errors.New("drawing exceeds the maximum size")
	ErrEmptyMessage    = errors.New("message is empty")
	ErrMessageTooLong  = errors.New("message is too long")

	// ErrInternal is returned when a mutation failed unexpectedly and the session was torn down
	ErrInternal = errors.New("internal error")
)
