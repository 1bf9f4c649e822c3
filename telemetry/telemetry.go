// Package telemetry holds the metric keys and labels shared by the discovery
// and RPC layers, and the Prometheus wiring used by the service binary.
package telemetry

import (
	"net/http"

	"github.com/hashicorp/go-metrics"
	promsink "github.com/hashicorp/go-metrics/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	MetricResolverCacheHit       = []string{"resolver", "cache", "hit", "count"}
	MetricResolverCacheMiss      = []string{"resolver", "cache", "miss", "count"}
	MetricResolverLookupError    = []string{"resolver", "lookup", "error", "count"}
	MetricPoolConnectCount       = []string{"pool", "connect", "count"}
	MetricPoolConnectErrorCount  = []string{"pool", "connect", "error", "count"}
	MetricPoolInvalidateCount    = []string{"pool", "invalidate", "count"}
	MetricClientCallAttemptCount = []string{"client", "call", "attempt", "count"}
	MetricClientCallErrorCount   = []string{"client", "call", "error", "count"}
	MetricClientCallTimeoutCount = []string{"client", "call", "timeout", "count"}
	MetricClientEmitCount        = []string{"client", "emit", "count"}
	MetricServerRequestCount     = []string{"server", "request", "count"}
	MetricServerRequestLatency   = []string{"server", "request", "latency"}
)

type Label string

const (
	LabelService Label = "service"
	LabelPattern Label = "pattern"
	LabelError   Label = "error"
)

// M builds a metrics.Label for val.
func (lab Label) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

// SinkOrDefault returns sink, or the global go-metrics sink when sink is nil.
func SinkOrDefault(sink metrics.MetricSink) metrics.MetricSink {
	if sink == nil {
		return metrics.Default()
	}
	return sink
}

// Setup installs a Prometheus-backed global sink under serviceName and
// returns it together with the handler that exposes it.
func Setup(serviceName string) (metrics.MetricSink, http.Handler, error) {
	sink, err := promsink.NewPrometheusSink()
	if err != nil {
		return nil, nil, err
	}
	cfg := metrics.DefaultConfig(serviceName)
	cfg.EnableHostname = false
	cfg.EnableRuntimeMetrics = false
	if _, err := metrics.NewGlobal(cfg, sink); err != nil {
		return nil, nil, err
	}
	return metrics.Default(), promhttp.Handler(), nil
}
