package connectivity

import (
	"context"
	"log/slog"
	"time"

	"github.com/hazyhaar/intelsync/observability"
)

// WithObservability records call duration and failures into mm, labelled
// with the service and the strategy reported by router at call time.
func WithObservability(mm *observability.MetricsManager, router *Router, service string) HandlerMiddleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			start := time.Now()
			resp, err := next(ctx, payload)

			labels := map[string]string{
				"service":  service,
				"strategy": router.Strategy(service),
			}
			mm.Record(&observability.Metric{
				Name:      observability.MetricRemoteCallMs,
				Timestamp: start,
				Value:     float64(time.Since(start).Milliseconds()),
				Labels:    labels,
				Unit:      "milliseconds",
			})
			if err != nil {
				mm.Record(&observability.Metric{
					Name:      observability.MetricRemoteCallError,
					Timestamp: start,
					Value:     1,
					Labels:    labels,
					Unit:      "count",
				})
			}
			return resp, err
		}
	}
}

// WithCallLogging logs every call with its duration and sizes.
func WithCallLogging(logger *slog.Logger, service string) HandlerMiddleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			start := time.Now()
			resp, err := next(ctx, payload)
			dur := time.Since(start)

			if err != nil {
				logger.WarnContext(ctx, "connectivity: call failed",
					"service", service,
					"duration_ms", dur.Milliseconds(),
					"payload_bytes", len(payload),
					"error", err)
			} else {
				logger.DebugContext(ctx, "connectivity: call ok",
					"service", service,
					"duration_ms", dur.Milliseconds(),
					"payload_bytes", len(payload),
					"response_bytes", len(resp))
			}
			return resp, err
		}
	}
}
