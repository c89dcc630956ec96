package cache

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/mivertowski/ilgpu-rt/pkg/cache"

var (
	meter     = otel.Meter(instrumentationName)
	hitsCtr   metric.Int64Counter
	missesCtr metric.Int64Counter
)

func init() {
	hitsCtr, _ = meter.Int64Counter("ilgpu_rt.cache.hits", metric.WithDescription("kernel cache hits"))
	missesCtr, _ = meter.Int64Counter("ilgpu_rt.cache.misses", metric.WithDescription("kernel cache misses"))
}

func recordHit(ctx context.Context)  { hitsCtr.Add(ctx, 1) }
func recordMiss(ctx context.Context) { missesCtr.Add(ctx, 1) }
