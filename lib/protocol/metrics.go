// Copyright (C) 2023 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package protocol

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricPeerSentBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clusterd",
		Subsystem: "protocol",
		Name:      "sent_bytes_total",
		Help:      "Total amount of data sent",
	}, []string{"peer"})
	metricPeerSentMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clusterd",
		Subsystem: "protocol",
		Name:      "sent_messages_total",
		Help:      "Total number of messages sent",
	}, []string{"peer"})

	metricPeerRecvBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clusterd",
		Subsystem: "protocol",
		Name:      "recv_bytes_total",
		Help:      "Total amount of data received",
	}, []string{"peer"})
	metricPeerRecvMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clusterd",
		Subsystem: "protocol",
		Name:      "recv_messages_total",
		Help:      "Total number of messages received",
	}, []string{"peer"})

	metricRequestTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clusterd",
		Subsystem: "protocol",
		Name:      "request_timeouts_total",
		Help:      "Total number of requests that got no response in time",
	}, []string{"peer"})
)

func registerPeerMetrics(peer string) {
	// Register metrics for this peer, so that counters are present even
	// when zero.
	metricPeerSentBytes.WithLabelValues(peer)
	metricPeerSentMessages.WithLabelValues(peer)
	metricPeerRecvBytes.WithLabelValues(peer)
	metricPeerRecvMessages.WithLabelValues(peer)
	metricRequestTimeouts.WithLabelValues(peer)
}
