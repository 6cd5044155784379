package llm

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const costMeterName = "github.com/elkinlatorre/FINA/internal/llm"

var (
	costRequestHistogram  metric.Float64Histogram
	costMetricsOnce       sync.Once
	costMetricsRegistered bool
)

func initCostMetrics() {
	meter := otel.Meter(costMeterName)
	var err error
	costRequestHistogram, err = meter.Float64Histogram(
		"fina.cost.request",
		metric.WithDescription("Estimated cost in USD per LLM request"),
		metric.WithUnit("usd"),
	)
	if err != nil {
		return
	}
	costMetricsRegistered = true
}

// RecordCostMetrics records the estimated cost of an LLM call, labeled by
// the workflow node that issued it and the model that served it.
func RecordCostMetrics(ctx context.Context, costUSD float64, node, model string) {
	costMetricsOnce.Do(initCostMetrics)
	if !costMetricsRegistered {
		return
	}
	costRequestHistogram.Record(ctx, costUSD, metric.WithAttributes(
		attribute.String("node", node),
		attribute.String("model", model),
	))
}
