package handlers

import (
	"net/http"
	"time"

	"tradechat/internal/chat"
	"tradechat/internal/engine"
	"tradechat/internal/middleware"
	"tradechat/internal/utils"
	"tradechat/internal/websocket"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// Server holds all server dependencies
type Server struct {
	Service        *chat.Service
	Engine         *engine.Engine
	Hub            *websocket.Hub
	Tokens         *middleware.TokenManager
	Metrics        *utils.MetricsCollector
	Logger         zerolog.Logger
	StoreType      string
	AllowedOrigins []string
	CORSMaxAge     time.Duration
	RequestTimeout time.Duration
	MetricsEnabled bool
}

// NewServer creates a new Server instance with the given components
func NewServer(
	service *chat.Service,
	eng *engine.Engine,
	hub *websocket.Hub,
	tokens *middleware.TokenManager,
	metrics *utils.MetricsCollector,
	logger zerolog.Logger,
) *Server {
	return &Server{
		Service:        service,
		Engine:         eng,
		Hub:            hub,
		Tokens:         tokens,
		Metrics:        metrics,
		Logger:         logger.With().Str("component", "http").Logger(),
		AllowedOrigins: []string{"*"},
		CORSMaxAge:     10 * time.Minute,
		RequestTimeout: 5 * time.Second, // Default timeout for API requests
		MetricsEnabled: true,
	}
}

// Routes builds the HTTP router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(s.Logger, s.Metrics))
	r.Use(chimw.Recoverer)
	r.Use(middleware.CORS(s.AllowedOrigins, s.CORSMaxAge))

	r.Get("/health", s.HandleHealth())
	if s.MetricsEnabled {
		r.Method(http.MethodGet, "/metrics", s.Metrics.Handler())
	}
	r.Get("/ws", s.HandleWebSocket())

	r.Group(func(r chi.Router) {
		r.Use(s.Tokens.Authenticate)
		r.Use(chimw.Timeout(s.RequestTimeout))

		r.Get("/conversations", s.HandleListConversations())
		r.Get("/conversations/job/{jobID}", s.HandleOpenConversation())
		r.Get("/conversations/{conversationID}/messages", s.HandleGetMessages())
		r.Post("/conversations/{conversationID}/messages", s.HandleSendMessage())
		r.Post("/conversations/{conversationID}/read", s.HandleMarkRead())
		r.Post("/conversations/{conversationID}/messages/{messageID}/delivered", s.HandleMarkDelivered())
	})

	return r
}
