// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package routing

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/element-hq/scrawl/canvasapi/rooms"
	"github.com/element-hq/scrawl/canvasapi/sync"
	"github.com/element-hq/scrawl/setup/process"
)

// Setup registers the canvas API routes on the router: the websocket
// entry points plus the operational side channels.
func Setup(
	router *mux.Router,
	processCtx *process.ProcessContext,
	manager *rooms.Manager,
	dispatcher *sync.Dispatcher,
) {
	router.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		dispatcher.ServeWS(w, r, "")
	}).Methods(http.MethodGet)

	router.HandleFunc("/ws/{roomID}", func(w http.ResponseWriter, r *http.Request) {
		dispatcher.ServeWS(w, r, mux.Vars(r)["roomID"])
	}).Methods(http.MethodGet)

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		status := "ok"
		if degraded, components := processCtx.IsDegraded(); degraded {
			status = "degraded"
			log.WithField("components", components).Debug("Health check while degraded")
		}
		stats := manager.Stats()
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status": status,
			"stats": map[string]interface{}{
				"rooms":    stats.Rooms,
				"sessions": stats.Sessions,
			},
			"timestamp": time.Now().UnixMilli(),
		})
	}).Methods(http.MethodGet)

	router.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, manager.Stats())
	}).Methods(http.MethodGet)

	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Error("Failed to write JSON response")
	}
}
