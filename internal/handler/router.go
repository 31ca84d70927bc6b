package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/zhouzirui/podchat/internal/handler/chat"
	"github.com/zhouzirui/podchat/internal/handler/persona"
	"github.com/zhouzirui/podchat/internal/handler/stream"
	"github.com/zhouzirui/podchat/internal/handler/ws"
	middlewarePkg "github.com/zhouzirui/podchat/internal/middleware"
	personaModel "github.com/zhouzirui/podchat/internal/model/persona"
	aiService "github.com/zhouzirui/podchat/internal/service/ai"
	chatService "github.com/zhouzirui/podchat/internal/service/chat"
	"github.com/zhouzirui/podchat/pkg/utils"
)

// Options carries transport limits for the router.
type Options struct {
	MaxUploadBytes int64
	Logger         *zap.Logger
}

// NewRouter wires HTTP routes to core services.
func NewRouter(personas personaModel.Store, chatSvc *chatService.Service, aiSvc *aiService.Service, opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	maxUpload := opts.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = 20 << 20
	}
	// websocket frames carry attachments base64-encoded
	wsLimit := maxUpload/3*4 + 64<<10

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middlewarePkg.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_ = utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	personaHandler := persona.New(personas)
	chatHandler := chat.New(chatSvc, aiSvc, personas, logger)
	streamHandler := stream.New(aiSvc, chatSvc, maxUpload, logger)
	wsHandler := ws.New(aiSvc, chatSvc, personas, wsLimit, logger)

	r.Route("/api", func(api chi.Router) {
		personaHandler.RegisterRoutes(api)
		chatHandler.RegisterRoutes(api)
		streamHandler.RegisterRoutes(api)
		wsHandler.RegisterRoutes(api)
	})

	return r
}
