// Copyright (C) 2023 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package master

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricConnectedWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "clusterd",
		Subsystem: "master",
		Name:      "connected_workers",
		Help:      "Number of workers that completed the hello handshake",
	})
	metricZipLimit = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "clusterd",
		Subsystem: "master",
		Name:      "integrity_zip_limit_bytes",
		Help:      "Current size limit of the integrity bundle sent to a worker",
	}, []string{"worker"})
	metricSyncSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "clusterd",
		Subsystem: "master",
		Name:      "sync_duration_seconds",
		Help:      "Duration of synchronization tasks",
		Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
	}, []string{"task"})
	metricLocalFiles = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "clusterd",
		Subsystem: "master",
		Name:      "local_integrity_files",
		Help:      "Number of files in the last local integrity snapshot",
	})
	metricPendingRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "clusterd",
		Subsystem: "master",
		Name:      "pending_api_requests",
		Help:      "Number of forwarded API requests waiting for a response",
	})
)
