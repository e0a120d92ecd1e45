package gateway

import (
	"context"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/thebtf/ecoroute/internal/gateway"

type instruments struct {
	resolves metric.Int64Counter
	latency  metric.Int64Histogram
	saved    metric.Float64Counter
}

// newInstruments registers gateway metrics on the global meter provider.
// Without an SDK installed these are no-ops.
func newInstruments() *instruments {
	meter := otel.Meter(meterName)
	in := &instruments{}
	var err error
	if in.resolves, err = meter.Int64Counter("ecoroute.gateway.resolves",
		metric.WithDescription("Resolved prompts by source")); err != nil {
		log.Debug().Err(err).Msg("Failed to create resolves counter")
	}
	if in.latency, err = meter.Int64Histogram("ecoroute.gateway.latency",
		metric.WithUnit("ms"),
		metric.WithDescription("Observed or simulated response latency")); err != nil {
		log.Debug().Err(err).Msg("Failed to create latency histogram")
	}
	if in.saved, err = meter.Float64Counter("ecoroute.gateway.co2_saved",
		metric.WithUnit("g"),
		metric.WithDescription("Grams of CO2e saved against baseline")); err != nil {
		log.Debug().Err(err).Msg("Failed to create saved counter")
	}
	return in
}

func (in *instruments) recordResolve(ctx context.Context, res Result) {
	if in == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("source", string(res.Source)))
	if in.resolves != nil {
		in.resolves.Add(ctx, 1, attrs)
	}
	if in.latency != nil && res.Carbon.LatencyMs > 0 {
		in.latency.Record(ctx, res.Carbon.LatencyMs, attrs)
	}
	if in.saved != nil && res.Carbon.SavedG > 0 {
		in.saved.Add(ctx, res.Carbon.SavedG, attrs)
	}
}
