// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sync

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	openConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "scrawl",
		Subsystem: "sync",
		Name:      "connections_open",
		Help:      "Number of websocket connections currently open",
	})
	messagesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scrawl",
		Subsystem: "sync",
		Name:      "messages_received_total",
		Help:      "Inbound messages by event kind",
	}, []string{"event"})
	droppedMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scrawl",
		Subsystem: "sync",
		Name:      "messages_dropped_total",
		Help:      "Best-effort outbound messages shed under backpressure",
	}, []string{"event"})
	operationsAppended = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scrawl",
		Subsystem: "sync",
		Name:      "operations_appended_total",
		Help:      "Operations appended to room logs, by type",
	}, []string{"type"})
	dispatcherPanics = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "scrawl",
		Subsystem: "sync",
		Name:      "dispatcher_panics_total",
		Help:      "Recovered panics in per-connection dispatchers",
	})
)

var registerMetricsOnce sync.Once

func init() {
	registerMetricsOnce.Do(func() {
		prometheus.MustRegister(
			openConnections, messagesReceived, droppedMessages,
			operationsAppended, dispatcherPanics,
		)
	})
}
