package management

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	failedRequestsDesc = prometheus.NewDesc(
		"standby_failed_requests",
		"Consecutive failed sync attempts.",
		[]string{"name"}, nil,
	)
	secondsSinceLastSuccessDesc = prometheus.NewDesc(
		"standby_seconds_since_last_success",
		"Seconds since the last successful sync or -1 if there was none.",
		[]string{"name"}, nil,
	)
	runningDesc = prometheus.NewDesc(
		"standby_running",
		"1 if the standby is started.",
		[]string{"name"}, nil,
	)
	syncStartDesc = prometheus.NewDesc(
		"standby_sync_start_timestamp_ms",
		"Start of the most recent sync attempt in milliseconds since the epoch.",
		[]string{"name"}, nil,
	)
	syncEndDesc = prometheus.NewDesc(
		"standby_sync_end_timestamp_ms",
		"End of the most recent successful sync in milliseconds since the epoch.",
		[]string{"name"}, nil,
	)
)

var _ prometheus.Collector = (*MemoryRegistry)(nil)

// Describe implements prometheus.Collector
func (registry *MemoryRegistry) Describe(descs chan<- *prometheus.Desc) {
	descs <- failedRequestsDesc
	descs <- secondsSinceLastSuccessDesc
	descs <- runningDesc
	descs <- syncStartDesc
	descs <- syncEndDesc
}

// Collect implements prometheus.Collector
func (registry *MemoryRegistry) Collect(metrics chan<- prometheus.Metric) {
	for _, entry := range registry.entries() {
		view := Snapshot(entry.name, entry.bean)
		running := 0.0

		if view.Running {
			running = 1
		}

		metrics <- prometheus.MustNewConstMetric(failedRequestsDesc, prometheus.GaugeValue, float64(view.FailedRequests), entry.name)
		metrics <- prometheus.MustNewConstMetric(secondsSinceLastSuccessDesc, prometheus.GaugeValue, float64(view.SecondsSinceLastSuccess), entry.name)
		metrics <- prometheus.MustNewConstMetric(runningDesc, prometheus.GaugeValue, running, entry.name)
		metrics <- prometheus.MustNewConstMetric(syncStartDesc, prometheus.GaugeValue, float64(view.SyncStartTimestamp), entry.name)
		metrics <- prometheus.MustNewConstMetric(syncEndDesc, prometheus.GaugeValue, float64(view.SyncEndTimestamp), entry.name)
	}
}
