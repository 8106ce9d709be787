// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package routing

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/scrawl/canvasapi/rooms"
	"github.com/element-hq/scrawl/canvasapi/sync"
	"github.com/element-hq/scrawl/setup/config"
	"github.com/element-hq/scrawl/setup/process"
)

func newTestRouter(t *testing.T) (*mux.Router, *process.ProcessContext) {
	t.Helper()
	var cfg config.Scrawl
	cfg.Defaults()
	processCtx := process.NewProcessContext()
	t.Cleanup(processCtx.ShutdownScrawl)
	manager := rooms.NewManager(processCtx, &cfg.Rooms)
	dispatcher := sync.NewDispatcher(&cfg.Sync, manager, false)
	router := mux.NewRouter()
	Setup(router, processCtx, manager, dispatcher)
	return router, processCtx
}

func get(t *testing.T, router *mux.Router, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := get(t, router, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body struct {
		Status string `json:"status"`
		Stats  struct {
			Rooms    int `json:"rooms"`
			Sessions int `json:"sessions"`
		} `json:"stats"`
		Timestamp int64 `json:"timestamp"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 0, body.Stats.Rooms)
	assert.Equal(t, 0, body.Stats.Sessions)
	assert.NotZero(t, body.Timestamp)
}

func TestHealthReportsDegraded(t *testing.T) {
	router, processCtx := newTestRouter(t)
	processCtx.Degraded(errors.New("ticker wedged"), "reaper")

	rec := get(t, router, "/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body.Status)
}

func TestStatsEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := get(t, router, "/stats")
	require.Equal(t, http.StatusOK, rec.Code)

	var stats rooms.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 0, stats.Rooms)
	assert.Equal(t, int64(0), stats.TotalJoins)
}

func TestMetricsEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := get(t, router, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "scrawl_"))
}

func TestWebsocketRouteRejectsPlainGET(t *testing.T) {
	router, _ := newTestRouter(t)

	// Without an Upgrade handshake the websocket endpoints should fail
	// rather than hang.
	rec := get(t, router, "/ws")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = get(t, router, "/ws/room-1")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUnknownRoute(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := get(t, router, "/nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
