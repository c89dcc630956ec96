package accelerator

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/mivertowski/ilgpu-rt/pkg/accelerator"

var (
	tracer = otel.Tracer(instrumentationName)
	meter  = otel.Meter(instrumentationName)

	kernelLaunches metric.Int64Counter
	compileMisses  metric.Int64Counter
)

func init() {
	kernelLaunches, _ = meter.Int64Counter("ilgpu_rt.kernel.compiles",
		metric.WithDescription("kernel compile invocations resolved through LoadKernelCached"))
	compileMisses, _ = meter.Int64Counter("ilgpu_rt.kernel.compile_misses",
		metric.WithDescription("kernel cache misses that triggered a compile"))
}

// traceCompile wraps a cache lookup/compile in a span named after the
// kernel, tagging it with the device the compile ran on.
func (a *Accelerator) traceCompile(ctx context.Context, kernelName string, hit bool) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, "accelerator.LoadKernelCached",
		trace.WithAttributes(
			attribute.String("kernel.name", kernelName),
			attribute.String("device.id", a.descriptor.ID.String()),
			attribute.Bool("cache.hit", hit),
		))
	kernelLaunches.Add(ctx, 1)
	if !hit {
		compileMisses.Add(ctx, 1)
	}
	return ctx, span
}
