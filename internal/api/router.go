// Package api exposes the bridge's local read-only status surface.
package api

import (
	"github.com/gin-gonic/gin"

	"spool-sync-bridge/internal/sync"
)

// StatsProvider yields the current engine counters.
type StatsProvider interface {
	Stats() sync.Stats
}

// NewRouter creates and configures the status router.
func NewRouter(stats StatsProvider) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", GetHealth())
	r.GET("/api/status", GetStatus(stats))

	return r
}
