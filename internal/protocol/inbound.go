package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/zhouzirui/clawstream/backend/internal/model/stream"
)

var (
	// ErrUnknownMessage 表示未知的消息类型。
	ErrUnknownMessage = errors.New("unknown message type")
	// ErrMalformed 表示消息缺少必要字段或无法解析。
	ErrMalformed = errors.New("malformed message")
)

// Inbound is the closed set of messages a claw may send.
// Implementations: Register, ClawEvent, Ping.
type Inbound interface {
	inbound()
}

// Register binds a connection to a claw identity.
type Register struct {
	ClawID    string
	ClawName  string
	SessionID string
}

// ClawEvent carries a chat line, reaction or observation from a claw.
type ClawEvent struct {
	Kind     stream.ClawMessageKind
	Content  string
	ClawID   string
	ClawName string
}

// Ping is a keepalive; the hub answers with a pong.
type Ping struct{}

func (Register) inbound()  {}
func (ClawEvent) inbound() {}
func (Ping) inbound()      {}

type inboundEnvelope struct {
	Type      string `json:"type"`
	ClawID    string `json:"clawId,omitempty"`
	ClawName  string `json:"clawName,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Content   string `json:"content,omitempty"`
}

// DecodeInbound parses one text frame into its variant.
func DecodeInbound(data []byte) (Inbound, error) {
	var env inboundEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch strings.TrimSpace(env.Type) {
	case TypeRegister:
		id := strings.TrimSpace(env.ClawID)
		if id == "" {
			return nil, fmt.Errorf("%w: register without clawId", ErrMalformed)
		}
		name := strings.TrimSpace(env.ClawName)
		if name == "" {
			name = id
		}
		return Register{ClawID: id, ClawName: name, SessionID: strings.TrimSpace(env.SessionID)}, nil

	case string(stream.KindChat), string(stream.KindReaction), string(stream.KindObservation):
		// 原文转发，只在判空时去掉空白
		if strings.TrimSpace(env.Content) == "" {
			return nil, fmt.Errorf("%w: %s without content", ErrMalformed, env.Type)
		}
		return ClawEvent{
			Kind:     stream.ClawMessageKind(env.Type),
			Content:  env.Content,
			ClawID:   strings.TrimSpace(env.ClawID),
			ClawName: strings.TrimSpace(env.ClawName),
		}, nil

	case TypePing:
		return Ping{}, nil

	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, env.Type)
	}
}

// EncodeInbound serialises a client-side message for the wire.
func EncodeInbound(msg Inbound) ([]byte, error) {
	var env inboundEnvelope
	switch m := msg.(type) {
	case Register:
		env = inboundEnvelope{Type: TypeRegister, ClawID: m.ClawID, ClawName: m.ClawName, SessionID: m.SessionID}
	case ClawEvent:
		env = inboundEnvelope{Type: string(m.Kind), ClawID: m.ClawID, ClawName: m.ClawName, Content: m.Content}
	case Ping:
		env = inboundEnvelope{Type: TypePing}
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownMessage, msg)
	}
	return json.Marshal(env)
}
