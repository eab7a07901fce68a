package main

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"call-signaling/internal/httpapi"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, authMW gin.HandlerFunc, h httpapi.Handlers, health func(context.Context) error) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		if err := health(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": "database unreachable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "connections": h.Hub.Connections()})
	})

	// Token issuance for local/dev only; the handler 404s otherwise.
	r.POST("/auth/token", h.Login)

	// protected API group
	api := r.Group("/")
	api.Use(authMW)
	httpapi.RegisterCallRoutes(api, h)
}
