package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// BridgeStats provides the metrics collector access to live bridge state.
type BridgeStats interface {
	ZoneCount() int
	BusSubscriberCount() int
	PendingReportCount() int
}

// Collector implements prometheus.Collector to read live gauges at scrape time.
type Collector struct {
	stats BridgeStats

	// Descriptors for scrape-time gauges.
	zonesActive     *prometheus.Desc
	busSubscribers  *prometheus.Desc
	reporterPending *prometheus.Desc
}

// NewCollector creates a collector that reads live state at scrape time.
// stats may be nil (metrics will report 0).
func NewCollector(stats BridgeStats) *Collector {
	return &Collector{
		stats: stats,
		zonesActive: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "zones_active"),
			"Current number of aggregated zones.",
			nil, nil,
		),
		busSubscribers: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "bus_subscribers_active"),
			"Current number of bus subscriptions.",
			nil, nil,
		),
		reporterPending: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "reporter_pending_events"),
			"Events waiting in the reporter's next ingest batch.",
			nil, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.zonesActive
	ch <- c.busSubscribers
	ch <- c.reporterPending
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.stats == nil {
		ch <- prometheus.MustNewConstMetric(c.zonesActive, prometheus.GaugeValue, 0)
		ch <- prometheus.MustNewConstMetric(c.busSubscribers, prometheus.GaugeValue, 0)
		ch <- prometheus.MustNewConstMetric(c.reporterPending, prometheus.GaugeValue, 0)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.zonesActive, prometheus.GaugeValue, float64(c.stats.ZoneCount()))
	ch <- prometheus.MustNewConstMetric(c.busSubscribers, prometheus.GaugeValue, float64(c.stats.BusSubscriberCount()))
	ch <- prometheus.MustNewConstMetric(c.reporterPending, prometheus.GaugeValue, float64(c.stats.PendingReportCount()))
}
