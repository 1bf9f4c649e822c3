package middleware

import (
	"context"
	"time"

	"github.com/FLCN-16/nest-microservices/message"
	"github.com/FLCN-16/nest-microservices/telemetry"
	"github.com/hashicorp/go-metrics"
)

// MetricsMiddleware counts requests per pattern and samples their latency in
// milliseconds.
func MetricsMiddleware(sink metrics.MetricSink) Middleware {
	sink = telemetry.SinkOrDefault(sink)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			start := time.Now()
			resp := next(ctx, req)

			outcome := "ok"
			if resp.Failed() {
				outcome = "error"
			}
			labels := []metrics.Label{telemetry.LabelPattern.M(req.Pattern), telemetry.LabelError.M(outcome)}
			sink.IncrCounterWithLabels(telemetry.MetricServerRequestCount, 1, labels)
			sink.AddSampleWithLabels(telemetry.MetricServerRequestLatency,
				float32(time.Since(start).Seconds()*1e3), labels[:1])
			return resp
		}
	}
}
