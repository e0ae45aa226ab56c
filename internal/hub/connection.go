package hub

import (
	"context"
	"net"
	"strings"

	"github.com/zhouzirui/clawstream/backend/internal/model/stream"
)

// Connection is one subscriber transport. Send must not block: a full or
// closed queue is reported as an error and the hub drops the connection.
type Connection interface {
	ID() string
	RemoteAddr() string
	Send(data []byte) error
	IsOpen() bool
	Close() error
}

// Summarizer produces a caption for a frame. It returns "" when it has nothing.
type Summarizer interface {
	Summarize(ctx context.Context, frame *stream.Frame) string
}

// Consumer receives every chat, reaction and observation sent by a claw.
type Consumer interface {
	Consume(ctx context.Context, msg stream.ClawMessage)
}

// ConsumerFunc adapts a function to Consumer.
type ConsumerFunc func(ctx context.Context, msg stream.ClawMessage)

func (f ConsumerFunc) Consume(ctx context.Context, msg stream.ClawMessage) { f(ctx, msg) }

// splitAddress returns the host part of a remote address and whether it is
// loopback, private (RFC 1918 / ULA) or link-local.
func splitAddress(remote string) (string, bool) {
	host := strings.TrimSpace(remote)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")

	ip := net.ParseIP(host)
	if ip == nil {
		return host, false
	}
	return host, ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast()
}
