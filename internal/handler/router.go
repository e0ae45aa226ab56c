package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/zhouzirui/clawstream/backend/internal/handler/persona"
	"github.com/zhouzirui/clawstream/backend/internal/handler/stream"
	"github.com/zhouzirui/clawstream/backend/internal/handler/ws"
	"github.com/zhouzirui/clawstream/backend/internal/hub"
	"github.com/zhouzirui/clawstream/backend/internal/logging"
	middlewarePkg "github.com/zhouzirui/clawstream/backend/internal/middleware"
	personaModel "github.com/zhouzirui/clawstream/backend/internal/model/persona"
)

// Dependencies are the services the HTTP surface is built on.
type Dependencies struct {
	Hub           *hub.Hub
	Personas      personaModel.Store
	ActivePersona string
	WebSocket     ws.Options
	Stream        stream.Options
	Logger        *zap.Logger
}

// NewRouter wires HTTP routes to core services.
func NewRouter(deps Dependencies) http.Handler {
	logger := logging.OrNop(deps.Logger)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middlewarePkg.Logger(logger.Named("http")))
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	streamHandler := stream.New(deps.Hub, deps.Stream, logger)
	streamHandler.RegisterHealth(r)

	ws.New(deps.Hub, deps.WebSocket, logger).RegisterRoutes(r)

	r.Route("/api", func(api chi.Router) {
		streamHandler.RegisterRoutes(api)
		if deps.Personas != nil {
			persona.New(deps.Personas, deps.ActivePersona).RegisterRoutes(api)
		}
	})

	return r
}
