package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// GetHealth handles GET /healthz.
func GetHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

// statusResponse flattens the engine stats for the status endpoint.
type statusResponse struct {
	UptimeSeconds   int64     `json:"uptime_seconds"`
	LastSyncAt      time.Time `json:"last_sync_at"`
	LastSyncError   string    `json:"last_sync_error,omitempty"`
	SyncPasses      uint64    `json:"sync_passes"`
	SpoolsCreated   uint64    `json:"spools_created"`
	UsagePushes     uint64    `json:"usage_pushes"`
	RefillsDetected uint64    `json:"refills_detected"`
	EventsHandled   uint64    `json:"events_handled"`
	EventsConnected bool      `json:"events_connected"`
	Mappings        int       `json:"mappings"`
}

// GetStatus handles GET /api/status.
func GetStatus(provider StatsProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		stats := provider.Stats()
		c.JSON(http.StatusOK, statusResponse{
			UptimeSeconds:   int64(time.Since(stats.StartedAt).Seconds()),
			LastSyncAt:      stats.LastSyncAt,
			LastSyncError:   stats.LastSyncError,
			SyncPasses:      stats.SyncPasses,
			SpoolsCreated:   stats.SpoolsCreated,
			UsagePushes:     stats.UsagePushes,
			RefillsDetected: stats.RefillsDetected,
			EventsHandled:   stats.EventsHandled,
			EventsConnected: stats.EventsConnected,
			Mappings:        stats.Mappings,
		})
	}
}
