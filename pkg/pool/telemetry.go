package pool

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/mivertowski/ilgpu-rt/pkg/pool"

var (
	meter    = otel.Meter(instrumentationName)
	rentsCtr metric.Int64Counter
	hitsCtr  metric.Int64Counter
)

func init() {
	rentsCtr, _ = meter.Int64Counter("ilgpu_rt.pool.rents", metric.WithDescription("buffer pool Rent calls"))
	hitsCtr, _ = meter.Int64Counter("ilgpu_rt.pool.hits", metric.WithDescription("buffer pool Rent calls satisfied from the free list"))
}

func recordRent(ctx context.Context, hit bool) {
	rentsCtr.Add(ctx, 1)
	if hit {
		hitsCtr.Add(ctx, 1)
	}
}
