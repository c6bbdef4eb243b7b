// Package router wires the handlers and middleware into a gin engine.
package router

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/mkravets/authgate/internal/api/http/handler"
	"github.com/mkravets/authgate/internal/api/http/middleware"
	"github.com/mkravets/authgate/internal/logger"
	"github.com/mkravets/authgate/internal/model"
	"github.com/mkravets/authgate/internal/service"
)

// Router builds the HTTP routing table for the auth API.
type Router struct {
	authService    *service.Auth
	tokenService   *service.TokenService
	contextManager model.ContextManager
	logger         *logger.Logger
}

// New creates a new Router instance.
func New(
	authService *service.Auth,
	tokenService *service.TokenService,
	contextManager model.ContextManager,
	logger *logger.Logger,
) *Router {
	return &Router{
		authService:    authService,
		tokenService:   tokenService,
		contextManager: contextManager,
		logger:         logger,
	}
}

// Engine assembles the gin engine with middleware and routes. Login,
// refresh and logout are anonymous; revoke-all requires a bearer token.
func (r *Router) Engine() *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(middleware.NewLogging(r.logger).Handle)
	engine.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:    []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:          12 * time.Hour,
	}))

	authHandler := handler.NewAuth(r.authService, r.contextManager)
	authenticate := middleware.NewAuthenticate(r.tokenService, r.contextManager, r.logger)

	api := engine.Group("/api/auth")
	{
		api.POST("/register", authHandler.Register)
		api.POST("/login", authHandler.Login)
		api.POST("/refresh", authHandler.Refresh)
		api.POST("/logout", authHandler.Logout)
		api.POST("/revoke-all", authenticate.Handle, authHandler.RevokeAll)
	}

	engine.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	return engine
}
