package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeParticipantJoined MessageType = "participant_joined"
	TypeSessionActivated  MessageType = "session_activated"
	TypeSessionClosed     MessageType = "session_closed"
	TypeErrorEvent        MessageType = "error_event"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// ParticipantJoined reports the fill state after a seat was taken.
type ParticipantJoined struct {
	Type          MessageType `json:"type"`
	SessionID     string      `json:"session_id"`
	ParticipantID string      `json:"participant_id"`
	Seat          int         `json:"seat_number"`
	Capacity      int         `json:"capacity"`
	TSMs          int64       `json:"ts_ms"`
}

// SessionActivated is emitted once, when a session reaches capacity.
type SessionActivated struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Capacity  int         `json:"capacity"`
	TSMs      int64       `json:"ts_ms"`
}

type SessionClosed struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Reason    string      `json:"reason,omitempty"`
	TSMs      int64       `json:"ts_ms"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail"`
	TSMs      int64       `json:"ts_ms"`
}

func NewParticipantJoined(sessionID, participantID string, seat, capacity int, at time.Time) ParticipantJoined {
	return ParticipantJoined{
		Type:          TypeParticipantJoined,
		SessionID:     sessionID,
		ParticipantID: participantID,
		Seat:          seat,
		Capacity:      capacity,
		TSMs:          at.UnixMilli(),
	}
}

func NewErrorEvent(sessionID, code, detail string, at time.Time) ErrorEvent {
	return ErrorEvent{
		Type:      TypeErrorEvent,
		SessionID: sessionID,
		Code:      code,
		Detail:    detail,
		TSMs:      at.UnixMilli(),
	}
}

func NewSessionActivated(sessionID string, capacity int, at time.Time) SessionActivated {
	return SessionActivated{
		Type:      TypeSessionActivated,
		SessionID: sessionID,
		Capacity:  capacity,
		TSMs:      at.UnixMilli(),
	}
}

func NewSessionClosed(sessionID, reason string, at time.Time) SessionClosed {
	return SessionClosed{
		Type:      TypeSessionClosed,
		SessionID: sessionID,
		Reason:    reason,
		TSMs:      at.UnixMilli(),
	}
}

// SessionIDOf returns the session an event belongs to.
func SessionIDOf(v any) (string, bool) {
	switch m := v.(type) {
	case ParticipantJoined:
		return m.SessionID, true
	case SessionActivated:
		return m.SessionID, true
	case SessionClosed:
		return m.SessionID, true
	case ErrorEvent:
		return m.SessionID, true
	default:
		return "", false
	}
}

func TypeOf(v any) (MessageType, bool) {
	switch m := v.(type) {
	case ParticipantJoined:
		return m.Type, true
	case SessionActivated:
		return m.Type, true
	case SessionClosed:
		return m.Type, true
	case ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}

// ParseEvent decodes a server event, mainly for clients and tests.
func ParseEvent(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeParticipantJoined:
		var msg ParticipantJoined
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.Seat <= 0 {
			return nil, errors.New("invalid participant_joined")
		}
		return msg, nil
	case TypeSessionActivated:
		var msg SessionActivated
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" {
			return nil, errors.New("invalid session_activated")
		}
		return msg, nil
	case TypeSessionClosed:
		var msg SessionClosed
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" {
			return nil, errors.New("invalid session_closed")
		}
		return msg, nil
	case TypeErrorEvent:
		var msg ErrorEvent
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
