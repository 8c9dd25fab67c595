package webhook

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type dispatcherMetrics struct {
	delivered       metric.Int64Counter
	failed          metric.Int64Counter
	exhausted       metric.Int64Counter
	dispatchLatency metric.Float64Histogram
	queueDepth      metric.Int64Gauge
}

func newDispatcherMetrics(provider metric.MeterProvider) (dispatcherMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter("vaultledger.webhook.dispatcher")

	var (
		metrics dispatcherMetrics
		err     error
	)

	metrics.delivered, err = meter.Int64Counter(
		"webhook.deliveries.delivered",
		metric.WithDescription("Number of webhook deliveries successfully sent"),
		metric.WithUnit("{delivery}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create webhook.deliveries.delivered counter: %w", err)
	}

	metrics.failed, err = meter.Int64Counter(
		"webhook.deliveries.failed",
		metric.WithDescription("Number of webhook delivery attempts that failed"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create webhook.deliveries.failed counter: %w", err)
	}

	metrics.exhausted, err = meter.Int64Counter(
		"webhook.deliveries.exhausted",
		metric.WithDescription("Number of webhook deliveries that exhausted their retry budget"),
		metric.WithUnit("{delivery}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create webhook.deliveries.exhausted counter: %w", err)
	}

	metrics.dispatchLatency, err = meter.Float64Histogram(
		"webhook.dispatch.latency",
		metric.WithDescription("Time taken per dispatch cycle"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create webhook.dispatch.latency histogram: %w", err)
	}

	metrics.queueDepth, err = meter.Int64Gauge(
		"webhook.queue.depth",
		metric.WithDescription("Number of due deliveries selected in a dispatch cycle"),
		metric.WithUnit("{delivery}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create webhook.queue.depth gauge: %w", err)
	}

	return metrics, nil
}
