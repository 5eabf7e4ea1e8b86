package stats

import (
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector exposes an Aggregator's snapshot as Prometheus metrics.
type Collector struct {
	aggregator *Aggregator

	requests    *prometheus.Desc
	durationAvg *prometheus.Desc
	durationMax *prometheus.Desc
	statusCodes *prometheus.Desc
	totalErrors *prometheus.Desc
	errorRate   *prometheus.Desc
	uptime      *prometheus.Desc
}

// NewCollector creates a collector under the given metric namespace.
func NewCollector(aggregator *Aggregator, namespace string) *Collector {
	if strings.TrimSpace(namespace) == "" {
		namespace = "petaltodo"
	}
	return &Collector{
		aggregator: aggregator,
		requests: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "http", "requests_total"),
			"Number of requests per endpoint.",
			[]string{"method", "path"}, nil,
		),
		durationAvg: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "http", "duration_avg_milliseconds"),
			"Average request duration per endpoint in milliseconds.",
			[]string{"method", "path"}, nil,
		),
		durationMax: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "http", "duration_max_milliseconds"),
			"Maximum request duration per endpoint in milliseconds.",
			[]string{"method", "path"}, nil,
		),
		statusCodes: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "http", "responses_total"),
			"Number of responses per status code.",
			[]string{"code"}, nil,
		),
		totalErrors: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "http", "errors_total"),
			"Number of failed requests.",
			nil, nil,
		),
		errorRate: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "http", "error_rate"),
			"Failed requests divided by total requests.",
			nil, nil,
		),
		uptime: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "uptime_seconds"),
			"Seconds since the process started recording.",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.requests
	ch <- c.durationAvg
	ch <- c.durationMax
	ch <- c.statusCodes
	ch <- c.totalErrors
	ch <- c.errorRate
	ch <- c.uptime
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.aggregator.Snapshot().Metrics

	for _, key := range snap.Endpoints() {
		method, path := splitEndpointKey(key)
		ch <- prometheus.MustNewConstMetric(c.requests, prometheus.CounterValue, float64(snap.EndpointStats[key]), method, path)
		timing := snap.ResponseTimes[key]
		ch <- prometheus.MustNewConstMetric(c.durationAvg, prometheus.GaugeValue, timing.AvgMS, method, path)
		ch <- prometheus.MustNewConstMetric(c.durationMax, prometheus.GaugeValue, timing.MaxMS, method, path)
	}
	for code, count := range snap.StatusCodes {
		ch <- prometheus.MustNewConstMetric(c.statusCodes, prometheus.CounterValue, float64(count), strconv.Itoa(code))
	}
	ch <- prometheus.MustNewConstMetric(c.totalErrors, prometheus.CounterValue, float64(snap.TotalErrors))
	ch <- prometheus.MustNewConstMetric(c.errorRate, prometheus.GaugeValue, snap.ErrorRate)
	ch <- prometheus.MustNewConstMetric(c.uptime, prometheus.GaugeValue, snap.UptimeSeconds)
}

func splitEndpointKey(key string) (string, string) {
	method, path, ok := strings.Cut(key, " ")
	if !ok {
		return "", key
	}
	return method, path
}
