// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package rooms

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	activeRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "scrawl",
		Subsystem: "rooms",
		Name:      "active",
		Help:      "Number of rooms currently held in memory",
	})
	activeSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "scrawl",
		Subsystem: "rooms",
		Name:      "sessions_active",
		Help:      "Number of sessions currently joined to a room",
	})
	joinsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "scrawl",
		Subsystem: "rooms",
		Name:      "joins_total",
		Help:      "Total number of successful room admissions",
	})
	joinRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scrawl",
		Subsystem: "rooms",
		Name:      "join_rejections_total",
		Help:      "Total number of rejected room admissions",
	}, []string{"reason"})
	roomsDeleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scrawl",
		Subsystem: "rooms",
		Name:      "deleted_total",
		Help:      "Total number of rooms deleted, by cause",
	}, []string{"reason"})
	archiveRestores = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "scrawl",
		Subsystem: "rooms",
		Name:      "archive_restores_total",
		Help:      "Total number of rooms revived from the snapshot archive",
	})
	sendFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scrawl",
		Subsystem: "rooms",
		Name:      "send_failures_total",
		Help:      "Broadcast deliveries refused by a closed or overloaded connection",
	}, []string{"event"})
)

var registerMetricsOnce sync.Once

func init() {
	registerMetricsOnce.Do(func() {
		prometheus.MustRegister(
			activeRooms, activeSessions, joinsTotal, joinRejections,
			roomsDeleted, archiveRestores, sendFailures,
		)
	})
}
