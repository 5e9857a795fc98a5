// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

package concurrent

import "github.com/prometheus/client_golang/prometheus"

const (
	MetricYields      = "query_yields_total"
	MetricKeyReopens  = "key_reopens_total"
	MetricKeysMissing = "keys_missing_total"
)

var CounterYields = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "search",
		Subsystem: "concurrent",
		Name:      MetricYields,
		Help:      "Times a query released and reacquired the host lock.",
	},
)

var CounterKeyReopens = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "search",
		Subsystem: "concurrent",
		Name:      MetricKeyReopens,
		Help:      "Registered keys reopened by name after a yield.",
	},
)

var CounterKeysMissing = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "search",
		Subsystem: "concurrent",
		Name:      MetricKeysMissing,
		Help:      "Revalidations that found the underlying resource gone.",
	},
)

func init() {
	prometheus.MustRegister(CounterYields)
	prometheus.MustRegister(CounterKeyReopens)
	prometheus.MustRegister(CounterKeysMissing)
}
