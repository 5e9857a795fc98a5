// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

package task

import "github.com/prometheus/client_golang/prometheus"

const (
	MetricPoolWorkers    = "pool_workers"
	MetricPoolQueueDepth = "pool_queue_depth"
)

var GaugePoolWorkers = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "search",
		Subsystem: "task",
		Name:      MetricPoolWorkers,
		Help:      "Current number of live worker goroutines in the query pool.",
	},
)

var GaugePoolQueueDepth = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "search",
		Subsystem: "task",
		Name:      MetricPoolQueueDepth,
		Help:      "Current number of jobs waiting in the query pool queue.",
	},
)

func init() {
	prometheus.MustRegister(GaugePoolWorkers)
	prometheus.MustRegister(GaugePoolQueueDepth)
}

// PrometheusStats is a PoolStats that publishes to the package's gauges.
type PrometheusStats struct{}

func (PrometheusStats) PoolSize(n int) {
	GaugePoolWorkers.Set(float64(n))
}

func (PrometheusStats) QueueDepth(n int) {
	GaugePoolQueueDepth.Set(float64(n))
}
