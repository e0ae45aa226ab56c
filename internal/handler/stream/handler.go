package stream

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zhouzirui/clawstream/backend/internal/hub"
	"github.com/zhouzirui/clawstream/backend/internal/logging"
	streammodel "github.com/zhouzirui/clawstream/backend/internal/model/stream"
	"github.com/zhouzirui/clawstream/backend/pkg/utils"
)

const (
	defaultChatLimit = 50
	maxChatLimit     = 1000
)

// Hub is the read side of the broadcast hub plus Connect/Disconnect for the
// event feed.
type Hub interface {
	Connect(conn hub.Connection)
	Disconnect(conn hub.Connection)
	Snapshot() streammodel.StreamState
	CurrentFrame() *streammodel.Frame
	RecentChat(n int) []streammodel.ChatEvent
	ConnectionCount() int
	IsLive() bool
	Metrics() streammodel.ConnectionMetrics
}

// StatsFunc returns a JSON-encodable section for /api/metrics.
type StatsFunc func() any

// Options wires optional metrics sections. Nil funcs are omitted.
type Options struct {
	CaptureStats    StatsFunc
	SummarizerStats StatsFunc
	RelayStats      StatsFunc
	// EventQueueSize bounds each SSE subscriber's queue.
	EventQueueSize int
}

// Handler serves stream state over REST and an SSE event feed.
type Handler struct {
	hub    Hub
	opts   Options
	logger *zap.Logger
}

func New(h Hub, opts Options, logger *zap.Logger) *Handler {
	if opts.EventQueueSize <= 0 {
		opts.EventQueueSize = 64
	}
	return &Handler{
		hub:    h,
		opts:   opts,
		logger: logging.OrNop(logger).Named("http"),
	}
}

// RegisterHealth mounts /health at the router root.
func (h *Handler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.handleHealth)
}

// RegisterRoutes mounts the /api routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/state", h.handleState)
	r.Get("/frame", h.handleFrame)
	r.Get("/chat", h.handleChat)
	r.Get("/metrics", h.handleMetrics)
	r.Get("/events", h.handleEvents)
}

type healthResponse struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
	Live        bool   `json:"live"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, healthResponse{
		Status:      "ok",
		Connections: h.hub.ConnectionCount(),
		Live:        h.hub.IsLive(),
	})
}

func (h *Handler) handleState(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, h.hub.Snapshot())
}

func (h *Handler) handleFrame(w http.ResponseWriter, r *http.Request) {
	frame := h.hub.CurrentFrame()
	if frame == nil {
		utils.RespondError(w, http.StatusNotFound, "no frame captured yet")
		return
	}
	utils.RespondJSON(w, http.StatusOK, frame)
}

func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	limit := defaultChatLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			utils.RespondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxChatLimit)
	}
	utils.RespondJSON(w, http.StatusOK, h.hub.RecentChat(limit))
}

type metricsResponse struct {
	streammodel.ConnectionMetrics
	Capture    any `json:"capture,omitempty"`
	Summarizer any `json:"summarizer,omitempty"`
	Relay      any `json:"relay,omitempty"`
}

func (h *Handler) handleMetrics(w http.ResponseWriter, r *http.Request) {
	resp := metricsResponse{ConnectionMetrics: h.hub.Metrics()}
	if h.opts.CaptureStats != nil {
		resp.Capture = h.opts.CaptureStats()
	}
	if h.opts.SummarizerStats != nil {
		resp.Summarizer = h.opts.SummarizerStats()
	}
	if h.opts.RelayStats != nil {
		resp.Relay = h.opts.RelayStats()
	}
	utils.RespondJSON(w, http.StatusOK, resp)
}
