package server

import (
	"time"

	"github.com/gin-gonic/gin"
	"whatsapp-bridge/internal/auth"
	"whatsapp-bridge/internal/handler"
	"whatsapp-bridge/internal/metrics"
	"whatsapp-bridge/internal/middleware"
	"whatsapp-bridge/internal/notify"
	"whatsapp-bridge/internal/session"
	"whatsapp-bridge/internal/socketio"
	"whatsapp-bridge/internal/store"
)

type Deps struct {
	Authorizer *auth.Authorizer
	Registry   *session.Registry
	Sessions   store.SessionStore
	SocketIO   *socketio.Server
	// Notifier receives link failures; defaults to SocketIO.
	Notifier notify.Notifier
	Metrics  *metrics.Metrics
	// LinkLimiter throttles link requests per client ip; nil allows 10 a minute.
	LinkLimiter *middleware.RateLimiter
}

func NewRouter(deps Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.Logger())

	health := &handler.HealthHandler{Registry: deps.Registry}
	r.GET("/health", health.Health)
	r.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))

	notifier := deps.Notifier
	if notifier == nil && deps.SocketIO != nil {
		notifier = deps.SocketIO
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	linkLimiter := deps.LinkLimiter
	if linkLimiter == nil {
		linkLimiter = middleware.NewRateLimiter(10, time.Minute)
	}

	wa := &handler.WhatsAppHandler{
		Registry:   deps.Registry,
		Sessions:   deps.Sessions,
		Authorizer: deps.Authorizer,
		Notifier:   notifier,
	}
	// Link authenticates inside the handler so a bad token still reaches the socket.
	r.POST("/api/v1/whatsapp/sessions", middleware.RateLimitMiddleware(linkLimiter), wa.Link)

	protected := r.Group("/api/v1/whatsapp")
	protected.Use(middleware.RequireAuth(deps.Authorizer))
	protected.GET("/sessions", wa.List)
	protected.DELETE("/sessions/:sessionId", wa.Unlink)

	if deps.SocketIO != nil {
		r.GET("/socket.io/", gin.WrapH(deps.SocketIO))
	}

	return r
}
