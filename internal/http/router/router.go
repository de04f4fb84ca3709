// Package router wires the ambient HTTP control surface (SPEC_FULL.md §6.5):
// manual-observe, route-override, and a liveness check. Grounded on the
// teacher's internal/http/router/router.go SetupRoutes shape.
package router

import (
	"github.com/gin-gonic/gin"

	"mindops.dev/sidecar/internal/http/handler"
	"mindops.dev/sidecar/internal/queue"
	"mindops.dev/sidecar/internal/store"
)

type Config struct {
	AdminAPIKey string
}

func SetupRoutes(engine *gin.Engine, q *queue.SessionObserverQueue, s store.Store, cfg Config) {
	engine.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	v1 := engine.Group("/v1")

	sessionHandler := handler.NewSessionHandler(q)
	v1.POST("/sessions/:session_id/manual-observe", sessionHandler.ManualObserve)

	artifactHandler := handler.NewArtifactHandler(s, cfg.AdminAPIKey)
	v1.PUT("/artifacts/:artifact_id/route-override", artifactHandler.RequireAdminAPIKey(), artifactHandler.RouteOverride)
}
