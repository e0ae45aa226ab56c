package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/zhouzirui/clawstream/backend/internal/model/stream"
)

// Message type tags.
const (
	TypeRegister   = "register"
	TypePing       = "ping"
	TypePong       = "pong"
	TypeFrame      = "frame"
	TypeChat       = "chat"
	TypeState      = "state"
	TypeTranscript = "transcript"
)

// Envelope is the outbound wire shape: {type, payload, timestamp}.
type Envelope struct {
	Type      string `json:"type"`
	Payload   any    `json:"payload,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

func FrameMessage(f *stream.Frame, now int64) Envelope {
	return Envelope{Type: TypeFrame, Payload: f, Timestamp: now}
}

func ChatMessage(c stream.ChatEvent, now int64) Envelope {
	return Envelope{Type: TypeChat, Payload: c, Timestamp: now}
}

func StateMessage(s stream.StreamState, now int64) Envelope {
	return Envelope{Type: TypeState, Payload: s, Timestamp: now}
}

func TranscriptMessage(t stream.TranscriptEvent, now int64) Envelope {
	return Envelope{Type: TypeTranscript, Payload: t, Timestamp: now}
}

func PongMessage(now int64) Envelope {
	return Envelope{Type: TypePong, Timestamp: now}
}

// Encode marshals an envelope once so it can be fanned out to many connections.
func Encode(env Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode %s message: %w", env.Type, err)
	}
	return data, nil
}

// Event is a decoded outbound message as seen by a subscriber. Exactly one of
// the payload pointers is set, except for pong which carries none.
type Event struct {
	Type       string
	Timestamp  int64
	Frame      *stream.Frame
	Chat       *stream.ChatEvent
	State      *stream.StreamState
	Transcript *stream.TranscriptEvent
}

type rawEnvelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
}

// DecodeOutbound parses a hub message on the subscriber side.
func DecodeOutbound(data []byte) (Event, error) {
	var env rawEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	ev := Event{Type: env.Type, Timestamp: env.Timestamp}
	var target any
	switch env.Type {
	case TypeFrame:
		ev.Frame = &stream.Frame{}
		target = ev.Frame
	case TypeChat:
		ev.Chat = &stream.ChatEvent{}
		target = ev.Chat
	case TypeState:
		ev.State = &stream.StreamState{}
		target = ev.State
	case TypeTranscript:
		ev.Transcript = &stream.TranscriptEvent{}
		target = ev.Transcript
	case TypePong:
		return ev, nil
	default:
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownMessage, env.Type)
	}

	if len(env.Payload) == 0 {
		return Event{}, fmt.Errorf("%w: %s without payload", ErrMalformed, env.Type)
	}
	if err := json.Unmarshal(env.Payload, target); err != nil {
		return Event{}, fmt.Errorf("%w: %s payload: %v", ErrMalformed, env.Type, err)
	}
	return ev, nil
}
