// Package protocol defines the JSON frames exchanged over the game hub.
//
// Clients send calls:
//
//	{"id": "1", "call": "SetReady", "args": {"ready": true}}
//
// The server sends events, and answers every call with exactly one
// Completion event addressed to the caller:
//
//	{"event": "Completion", "v": 1, "at": "...", "data": {"id": "1", "ok": true}}
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mcoot/masquerade-go/internal/model"
)

// ErrBadFrame is returned for frames that are not valid call frames
var ErrBadFrame = errors.New("malformed frame")

// Call names a client invocation
type Call string

const (
	CallJoinGame      Call = "JoinGame"
	CallLeaveGame     Call = "LeaveGame"
	CallSetReady      Call = "SetReady"
	CallDrawingReady  Call = "DrawingReady"
	CallSendMessage   Call = "SendMessage"
	CallGetAllGameIds Call = "GetAllGameIds"
	CallPhaseChanged  Call = "PhaseChanged"
	CallCreateGame    Call = "CreateGame"
	CallPing          Call = "Ping"
)

// CallFrame is an inbound invocation
type CallFrame struct {
	ID   string          `json:"id"`
	Call Call            `json:"call"`
	Args json.RawMessage `json:"args,omitempty"`
}

// EventFrame is an outbound event as it appears on the wire
type EventFrame struct {
	Event   model.EventName `json:"event"`
	Version int             `json:"v"`
	Session model.SessionID `json:"session,omitempty"`
	At      time.Time       `json:"at"`
	Data    json.RawMessage `json:"data"`
}

// Call arguments

type JoinGameArgs struct {
	SessionID model.SessionID `json:"sessionId"`
	Name      string          `json:"name,omitempty"`
}

type SetReadyArgs struct {
	Ready bool `json:"ready"`
}

// DrawingReadyArgs carries the encoded drawing. It is stored as sent.
type DrawingReadyArgs struct {
	EncodedDrawing string `json:"encodedDrawing"`
}

type SendMessageArgs struct {
	Text string `json:"text"`
}

type PhaseChangedArgs struct {
	Phase string `json:"phase"`
}

// Call results

type JoinGameResult struct {
	SessionID model.SessionID  `json:"sessionId"`
	Player    model.PlayerView `json:"player"`
}

type CreateGameResult struct {
	SessionID model.SessionID `json:"sessionId"`
}

type GetAllGameIdsResult struct {
	IDs []model.SessionID `json:"ids"`
}

type PingResult struct {
	At time.Time `json:"at"`
}

// ErrorBody is the error of a failed call
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// CompletionPayload answers a call. Result is only set on success, Error only on failure.
type CompletionPayload struct {
	ID     string          `json:"id"`
	OK     bool            `json:"ok"`
	Error  *ErrorBody      `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

func (CompletionPayload) EventName() model.EventName { return model.EventCompletion }

// Success builds a successful completion. A nil result is omitted.
func Success(id string, result any) (CompletionPayload, error) {
	c := CompletionPayload{ID: id, OK: true}
	if result == nil {
		return c, nil
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return CompletionPayload{}, fmt.Errorf("encode result: %w", err)
	}
	c.Result = raw
	return c, nil
}

// Failure builds a failed completion
func Failure(id, code, message string) CompletionPayload {
	return CompletionPayload{ID: id, Error: &ErrorBody{Code: code, Message: message}}
}

// DecodeCall parses an inbound frame. The id is returned when it could be
// read, so even a bad frame can be answered.
func DecodeCall(data []byte) (CallFrame, error) {
	var frame CallFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return CallFrame{}, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}
	if frame.ID == "" || frame.Call == "" {
		return frame, fmt.Errorf("%w: id and call are required", ErrBadFrame)
	}
	return frame, nil
}

// DecodeArgs unmarshals call arguments. Missing args decode as the zero value.
func DecodeArgs(frame CallFrame, v any) error {
	if len(frame.Args) == 0 || string(frame.Args) == "null" {
		return nil
	}
	if err := json.Unmarshal(frame.Args, v); err != nil {
		return fmt.Errorf("%w: args for %s: %v", ErrBadFrame, frame.Call, err)
	}
	return nil
}

// EncodeCall builds an outbound call frame. Used by clients.
func EncodeCall(id string, call Call, args any) ([]byte, error) {
	frame := CallFrame{ID: id, Call: call}
	if args != nil {
		raw, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("encode args: %w", err)
		}
		frame.Args = raw
	}
	return json.Marshal(frame)
}

// EncodeEvent renders an event as a wire frame
func EncodeEvent(e model.Event) ([]byte, error) {
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", e.Name, err)
	}
	return json.Marshal(EventFrame{
		Event:   e.Name,
		Version: e.Version,
		Session: e.SessionID,
		At:      e.Timestamp,
		Data:    data,
	})
}

// DecodeEvent parses an outbound frame. Used by clients.
func DecodeEvent(data []byte) (EventFrame, error) {
	var frame EventFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return EventFrame{}, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}
	if frame.Event == "" {
		return EventFrame{}, fmt.Errorf("%w: event is required", ErrBadFrame)
	}
	return frame, nil
}
