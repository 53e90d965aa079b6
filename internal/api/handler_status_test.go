package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spool-sync-bridge/internal/sync"
)

// mockStats is a mock implementation of the StatsProvider interface.
type mockStats struct {
	stats sync.Stats
}

func (m *mockStats) Stats() sync.Stats {
	return m.stats
}

func TestGetHealth(t *testing.T) {
	router := NewRouter(&mockStats{})

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/healthz", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestGetStatus(t *testing.T) {
	now := time.Now().UTC()
	router := NewRouter(&mockStats{stats: sync.Stats{
		StartedAt:       now.Add(-90 * time.Second),
		LastSyncAt:      now,
		SyncPasses:      12,
		SpoolsCreated:   2,
		UsagePushes:     7,
		EventsConnected: true,
		Mappings:        5,
	}})

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/api/status", nil)
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var resp statusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, uint64(12), resp.SyncPasses)
	assert.Equal(t, uint64(7), resp.UsagePushes)
	assert.Equal(t, 5, resp.Mappings)
	assert.True(t, resp.EventsConnected)
	assert.GreaterOrEqual(t, resp.UptimeSeconds, int64(90))
}
