// SPDX-FileCopyrightText: © 2026 The warelay authors
// SPDX-License-Identifier: AGPL-3.0-only

package registry

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "warelay_active_sessions",
			Help: "Number of registered tenant sessions",
		},
	)
	relayedMessages = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warelay_relayed_messages_total",
			Help: "Number of messages handed to the wire",
		},
	)
	sessionDisconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warelay_session_disconnects_total",
			Help: "Number of session closes by reason",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(activeSessions)
	prometheus.MustRegister(relayedMessages)
	prometheus.MustRegister(sessionDisconnects)
}
