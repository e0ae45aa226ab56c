package ws

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zhouzirui/clawstream/backend/internal/logging"
)

var (
	// ErrClosed is returned by Send after the connection was closed.
	ErrClosed = errors.New("connection closed")
	// ErrQueueFull is returned by Send when the subscriber is not draining its queue.
	ErrQueueFull = errors.New("send queue full")
)

// Conn adapts a gorilla websocket to hub.Connection. Writes go through a
// bounded queue drained by writePump, so Send never blocks.
type Conn struct {
	id         string
	remoteAddr string
	ws         *websocket.Conn
	send       chan []byte
	done       chan struct{}
	closeOnce  sync.Once
	closed     atomic.Bool

	pongWait  time.Duration
	writeWait time.Duration
	logger    *zap.Logger
}

func newConn(id, remoteAddr string, ws *websocket.Conn, opts Options, logger *zap.Logger) *Conn {
	return &Conn{
		id:         id,
		remoteAddr: remoteAddr,
		ws:         ws,
		send:       make(chan []byte, opts.SendQueueSize),
		done:       make(chan struct{}),
		pongWait:   opts.PongWait,
		writeWait:  opts.WriteWait,
		logger:     logger.With(zap.String(logging.KeyConnID, id)),
	}
}

func (c *Conn) ID() string         { return c.id }
func (c *Conn) RemoteAddr() string { return c.remoteAddr }
func (c *Conn) IsOpen() bool       { return !c.closed.Load() }

func (c *Conn) Send(data []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		return ErrQueueFull
	}
}

// Close stops the write pump, which sends a close frame and closes the socket.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
	})
	return nil
}

// readPump delivers each text frame to handle until the socket fails.
func (c *Conn) readPump(maxMessageSize int64, handle func([]byte)) {
	defer c.Close()

	if maxMessageSize > 0 {
		c.ws.SetReadLimit(maxMessageSize)
	}
	_ = c.ws.SetReadDeadline(time.Now().Add(c.pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.pongWait))
	})

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("read error", zap.Error(err))
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.pongWait))

		if msgType != websocket.TextMessage {
			c.logger.Debug("ignoring non-text frame", zap.Int("type", msgType))
			continue
		}
		handle(data)
	}
}

func (c *Conn) writePump(pingPeriod time.Duration) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closed.Store(true)
		_ = c.ws.Close()
	}()

	for {
		select {
		case message := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug("write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.writeWait))
			return
		}
	}
}
