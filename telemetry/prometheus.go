package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsSource is anything that can snapshot client metrics, typically a
// consumer Control.
type MetricsSource interface {
	Metrics(ctx context.Context) (map[string]int64, error)
}

var _ prometheus.Collector = (*ClientCollector)(nil)

// ClientCollector exposes a MetricsSource snapshot as prometheus gauges.
// Metric names are prefixed and dashes replaced, e.g. "broker-count"
// becomes kafka_client_broker_count.
type ClientCollector struct {
	source  MetricsSource
	timeout time.Duration
}

func NewClientCollector(source MetricsSource) *ClientCollector {
	return &ClientCollector{source: source, timeout: 5 * time.Second}
}

func (c *ClientCollector) Describe(ch chan<- *prometheus.Desc) {
	// metrics are dynamic, described on collect
}

func (c *ClientCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	snapshot, err := c.source.Metrics(ctx)
	if err != nil {
		return
	}

	for name, value := range snapshot {
		desc := prometheus.NewDesc(
			"kafka_client_"+strings.ReplaceAll(name, "-", "_"),
			"Broker client metric "+name,
			nil, nil,
		)
		ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, float64(value))
	}
}

// Expose registers the collector and serves /metrics on the given port.
func Expose(port int, sources ...MetricsSource) {
	registry := prometheus.NewRegistry()
	for _, source := range sources {
		registry.MustRegister(NewClientCollector(source))
	}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		_ = http.ListenAndServe(fmt.Sprintf(":%d", port), mux)
	}()
}
