// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package canvasapi wires the collaboration core together: the room
// manager, the websocket dispatcher and the HTTP routes.
package canvasapi

import (
	"github.com/gorilla/mux"

	"github.com/element-hq/scrawl/canvasapi/rooms"
	"github.com/element-hq/scrawl/canvasapi/routing"
	"github.com/element-hq/scrawl/canvasapi/sync"
	"github.com/element-hq/scrawl/setup/config"
	"github.com/element-hq/scrawl/setup/process"
)

// AddPublicRoutes builds the collaboration core and mounts it on the
// router. The returned manager is started (its reaper runs until the
// process context is cancelled).
func AddPublicRoutes(
	router *mux.Router,
	processCtx *process.ProcessContext,
	cfg *config.Scrawl,
	sentryEnabled bool,
) *rooms.Manager {
	manager := rooms.NewManager(processCtx, &cfg.Rooms)
	manager.Start()
	dispatcher := sync.NewDispatcher(&cfg.Sync, manager, sentryEnabled)
	routing.Setup(router, processCtx, manager, dispatcher)
	return manager
}
