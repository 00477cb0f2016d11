package delivery

import (
	"log/slog"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"

	"livechat-ws/internal/chat"
	"livechat-ws/internal/config"
)

type Server struct {
	config    *config.Config
	chat      *chat.Service
	wsManager *WSManager
	auth      *Authenticator
	log       *slog.Logger
	app       *fiber.App
}

func NewServer(cfg *config.Config, svc *chat.Service, wsManager *WSManager, log *slog.Logger) *Server {
	s := &Server{
		config:    cfg,
		chat:      svc,
		wsManager: wsManager,
		auth:      NewAuthenticator(cfg.JWTSecret, !cfg.IsProduction()),
		log:       log,
	}
	s.app = s.routes()
	return s
}

// App exposes the configured Fiber app, mainly for app.Test.
func (s *Server) App() *fiber.App { return s.app }

func (s *Server) routes() *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "LiveChat WebSocket & REST Server",
		DisableStartupMessage: true,
	})

	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${method} ${path} ${latency}\n",
	}))

	corsConfig := cors.Config{
		AllowMethods:     "GET,POST,HEAD,PUT,DELETE,PATCH,OPTIONS",
		AllowHeaders:     "Origin,Content-Type,Accept,Authorization,X-Requested-With,X-Operator-ID",
		ExposeHeaders:    "Content-Length,Content-Type,Retry-After",
		AllowCredentials: s.config.AllowCredentials,
		MaxAge:           86400,
	}
	if s.config.IsProduction() {
		corsConfig.AllowOrigins = s.config.GetCORSOrigins()
		s.log.Info("CORS configured for production", "origins", corsConfig.AllowOrigins)
	} else {
		corsConfig.AllowOrigins = "*"
		// credentials are never allowed with a wildcard origin
		corsConfig.AllowCredentials = false
	}
	app.Use(cors.New(corsConfig))

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":       "ok",
			"message":      "LiveChat server is running",
			"port":         s.config.Port,
			"environment":  s.config.Environment,
			"instance":     s.config.InstanceID,
			"cors_origins": s.config.GetCORSOrigins(),
		})
	})

	api := app.Group("/api")

	visitor := api.Group("/chat/session")
	visitor.Post("/", s.handleCreateSession)
	visitor.Get("/:id", s.handleGetSession)
	visitor.Get("/:id/messages", s.handleListMessages)
	visitor.Get("/:id/connection-status", s.handleConnectionStatus)
	visitor.Post("/:id/message", s.handleSendUserMessage)
	visitor.Post("/:id/request-operator", s.handleRequestOperator)
	visitor.Post("/:id/cancel-operator-request", s.handleCancelOperatorRequest)
	visitor.Post("/:id/reopen", s.handleReopen)
	visitor.Post("/:id/end", s.handleEndConversation)
	visitor.Post("/:id/rating", s.handleRating)

	operator := api.Group("/chat/sessions", s.requireOperator)
	operator.Get("/", s.handleListSessions)
	operator.Get("/:id", s.handleGetSession)
	operator.Delete("/:id", s.handleDeleteSession)
	operator.Get("/:id/messages", s.handleListMessages)
	operator.Post("/:id/accept-operator", s.handleAccept)
	operator.Post("/:id/operator-intervene", s.handleIntervene)
	operator.Post("/:id/operator-message", s.handleOperatorMessage)
	operator.Post("/:id/close", s.handleClose)
	operator.Post("/:id/mark-read", s.handleMarkRead)
	operator.Post("/:id/transfer", s.handleTransfer)
	operator.Put("/:id/priority", s.handlePriority)
	operator.Put("/:id/tags", s.handleTags)
	operator.Get("/:id/notes", s.handleListNotes)
	operator.Post("/:id/notes", s.handleAddNote)
	operator.Put("/:id/notes/:note_id", s.handleUpdateNote)
	operator.Delete("/:id/notes/:note_id", s.handleDeleteNote)
	operator.Post("/:id/archive", s.handleArchive)
	operator.Post("/:id/unarchive", s.handleUnarchive)
	operator.Post("/:id/flag", s.handleFlag)
	operator.Post("/:id/unflag", s.handleUnflag)

	api.Get("/chat/users/:user_id/history", s.requireOperator, s.handleUserHistory)
	api.Get("/chat/ratings/analytics", s.requireOperator, s.handleRatingsAnalytics)

	api.Put("/operators/me/availability", s.requireOperator, s.handleAvailability)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/session/:session_id", s.visitorSocket, websocket.New(s.wsManager.HandleVisitor))
	app.Get("/ws/operator/:operator_id", s.operatorSocket, websocket.New(s.wsManager.HandleOperator))

	return app
}

func (s *Server) Start() error {
	s.log.Info("LiveChat server (WebSocket + REST) starting", "port", s.config.Port)
	return s.app.Listen(":" + s.config.Port)
}

func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}
