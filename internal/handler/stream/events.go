package stream

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zhouzirui/clawstream/backend/internal/logging"
	"github.com/zhouzirui/clawstream/backend/pkg/utils"
)

const keepAliveInterval = 15 * time.Second

var errFeedClosed = errors.New("event feed closed")

// feedConn is a read-only hub subscriber backed by an SSE response. It never
// registers, so it shows up in metrics but not in the roster.
type feedConn struct {
	id         string
	remoteAddr string
	send       chan []byte
	done       chan struct{}
	once       sync.Once
}

func newFeedConn(remoteAddr string, size int) *feedConn {
	return &feedConn{
		id:         "sse-" + uuid.NewString(),
		remoteAddr: remoteAddr,
		send:       make(chan []byte, size),
		done:       make(chan struct{}),
	}
}

func (c *feedConn) ID() string         { return c.id }
func (c *feedConn) RemoteAddr() string { return c.remoteAddr }

func (c *feedConn) IsOpen() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

func (c *feedConn) Send(data []byte) error {
	select {
	case <-c.done:
		return errFeedClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		return errors.New("event queue full")
	}
}

func (c *feedConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

// handleEvents streams every hub message as an SSE event named after the
// message type.
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	conn := newFeedConn(r.RemoteAddr, h.opts.EventQueueSize)
	log := h.logger.With(zap.String(logging.KeyConnID, conn.id))
	h.hub.Connect(conn)
	defer func() {
		h.hub.Disconnect(conn)
		_ = conn.Close()
	}()

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-conn.done:
			log.Debug("event feed dropped by hub")
			return
		case data := <-conn.send:
			if err := utils.SendSSEEvent(w, flusher, eventName(data), data); err != nil {
				log.Debug("event write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := utils.SendSSEComment(w, flusher, "keepalive"); err != nil {
				return
			}
		}
	}
}

func eventName(data []byte) string {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return ""
	}
	return head.Type
}
