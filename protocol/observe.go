package protocol

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/BaSui01/agenthive/protocol"

// instruments measures outbound dispatch through the global meter
// provider. Until an SDK provider is installed the instruments are
// no-ops, so the client records unconditionally.
type instruments struct {
	dispatches metric.Int64Counter
	duration   metric.Float64Histogram
	inflight   metric.Int64UpDownCounter
}

func newInstruments() (*instruments, error) {
	meter := otel.Meter(instrumentationName)

	ins := &instruments{}
	var err error

	ins.dispatches, err = meter.Int64Counter("protocol.dispatch.total",
		metric.WithDescription("Outbound dispatches by scheme and outcome"),
		metric.WithUnit("{dispatch}"))
	if err != nil {
		return nil, err
	}

	ins.duration, err = meter.Float64Histogram("protocol.dispatch.duration",
		metric.WithDescription("Outbound dispatch latency"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	ins.inflight, err = meter.Int64UpDownCounter("protocol.dispatch.inflight",
		metric.WithDescription("Dispatches awaiting completion"),
		metric.WithUnit("{dispatch}"))
	if err != nil {
		return nil, err
	}

	return ins, nil
}

// begin marks one dispatch in flight and returns the completion callback.
// The callback takes the trail outcome of the dispatch and must be called
// exactly once.
func (i *instruments) begin(ctx context.Context, scheme string) func(outcome string) {
	start := time.Now()
	i.inflight.Add(ctx, 1, metric.WithAttributes(attribute.String("scheme", scheme)))
	return func(outcome string) {
		attrs := metric.WithAttributes(
			attribute.String("scheme", scheme),
			attribute.String("outcome", outcome),
		)
		i.inflight.Add(ctx, -1, metric.WithAttributes(attribute.String("scheme", scheme)))
		i.dispatches.Add(ctx, 1, attrs)
		i.duration.Record(ctx, time.Since(start).Seconds(), attrs)
	}
}
