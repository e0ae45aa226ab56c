package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zhouzirui/clawstream/backend/internal/hub"
	"github.com/zhouzirui/clawstream/backend/internal/logging"
)

// Hub is the part of the broadcast hub the socket handler drives.
type Hub interface {
	Connect(conn hub.Connection)
	Disconnect(conn hub.Connection)
	HandleInbound(ctx context.Context, conn hub.Connection, data []byte)
}

// Options tune per-connection buffering and keepalive.
type Options struct {
	SendQueueSize  int
	MaxMessageSize int64
	PongWait       time.Duration
	WriteWait      time.Duration
}

func (o Options) withDefaults() Options {
	if o.SendQueueSize <= 0 {
		o.SendQueueSize = 256
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	return o
}

// Handler WebSocket 订阅入口
type Handler struct {
	hub      Hub
	opts     Options
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// New 创建WebSocket处理器
func New(h Hub, opts Options, logger *zap.Logger) *Handler {
	return &Handler{
		hub:  h,
		opts: opts.withDefaults(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		logger: logging.OrNop(logger).Named("ws"),
	}
}

// RegisterRoutes 注册WebSocket路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/ws", h.handleWebSocket)
}

func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	socket, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", zap.Error(err))
		return
	}

	conn := newConn(uuid.NewString(), r.RemoteAddr, socket, h.opts, h.logger)
	ctx := context.WithoutCancel(r.Context())

	go conn.writePump(h.opts.PongWait * 9 / 10)
	h.hub.Connect(conn)

	conn.readPump(h.opts.MaxMessageSize, func(data []byte) {
		h.hub.HandleInbound(ctx, conn, data)
	})
	h.hub.Disconnect(conn)
}
