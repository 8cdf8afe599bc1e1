package api

import (
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/wispchat/backend/internal/auth"
	"github.com/wispchat/backend/internal/middleware"
	"go.uber.org/zap"
)

// Router holds all handlers and creates the chi router
type Router struct {
	snapHandler   *SnapHandler
	convHandler   *ConversationHandler
	healthHandler *HealthHandler
	jwtManager    *auth.JWTManager
	corsOrigins   []string
	logger        *zap.Logger
}

// NewRouter creates a new router
func NewRouter(
	snapHandler *SnapHandler,
	convHandler *ConversationHandler,
	healthHandler *HealthHandler,
	jwtManager *auth.JWTManager,
	corsOrigins []string,
	logger *zap.Logger,
) *Router {
	return &Router{
		snapHandler:   snapHandler,
		convHandler:   convHandler,
		healthHandler: healthHandler,
		jwtManager:    jwtManager,
		corsOrigins:   corsOrigins,
		logger:        logger,
	}
}

// Setup configures and returns the chi router
func (rt *Router) Setup() *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RecoveryMiddleware(rt.logger))
	r.Use(middleware.LoggingMiddleware(rt.logger))
	r.Use(middleware.CORSMiddleware(rt.corsOrigins))
	r.Use(chimiddleware.Compress(5))

	// Health endpoints (no auth required)
	r.Route("/health", func(r chi.Router) {
		r.Get("/", rt.healthHandler.Health)
		r.Get("/ready", rt.healthHandler.Ready)
		r.Get("/live", rt.healthHandler.Live)
	})

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(middleware.AuthMiddleware(rt.jwtManager))

			r.Route("/snaps", func(r chi.Router) {
				r.Post("/", rt.snapHandler.CreateSnap)
				r.Get("/", rt.snapHandler.GetInbox)
				r.Post("/{id}/view", rt.snapHandler.ViewSnap)
				r.Delete("/{id}", rt.snapHandler.DeleteSnap)
				r.Post("/{id}/recipients", rt.snapHandler.AddRecipient)
				r.Delete("/{id}/recipients", rt.snapHandler.RemoveRecipient)
			})

			r.Get("/stories", rt.snapHandler.GetStoryFeed)

			r.Route("/conversations", func(r chi.Router) {
				r.Post("/", rt.convHandler.CreateConversation)
				r.Get("/", rt.convHandler.ListConversations)
				r.Get("/{id}", rt.convHandler.GetConversation)
				r.Get("/{id}/messages", rt.convHandler.GetMessages)
				r.Post("/{id}/messages", rt.convHandler.SendMessage)
				r.Get("/{id}/unread", rt.convHandler.GetUnread)
				r.Post("/{id}/read", rt.convHandler.MarkAllRead)
			})

			r.Route("/messages", func(r chi.Router) {
				r.Post("/{id}/view", rt.convHandler.ViewMessage)
				r.Post("/{id}/delivered", rt.convHandler.MarkDelivered)
			})

			r.Post("/devices", rt.convHandler.RegisterDeviceToken)
			r.Get("/ws", rt.convHandler.HandleWebSocket)
		})
	})

	return r
}
