package dispatch

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/mivertowski/ilgpu-rt/pkg/dispatch"

var (
	meter          = otel.Meter(instrumentationName)
	selectionsCtr  metric.Int64Counter
	hybridSplitObs metric.Float64Histogram
)

func init() {
	selectionsCtr, _ = meter.Int64Counter("ilgpu_rt.dispatch.selections",
		metric.WithDescription("Select calls, tagged by chosen strategy"))
	hybridSplitObs, _ = meter.Float64Histogram("ilgpu_rt.dispatch.hybrid_split_ratio",
		metric.WithDescription("CPU share of elements actually routed by Hybrid"))
}

func recordSelection(strategy Strategy) {
	selectionsCtr.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("strategy", strategy.String())))
}

func recordHybridSplit(ctx context.Context, cpuShare, n int) {
	if n == 0 {
		return
	}
	hybridSplitObs.Record(ctx, float64(cpuShare)/float64(n))
}
