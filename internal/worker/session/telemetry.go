package session

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/thebtf/ecoroute/internal/worker/session"

type instruments struct {
	sessions metric.Int64Counter
	duration metric.Float64Histogram
	rejected metric.Int64Counter
}

func newInstruments() *instruments {
	meter := otel.Meter(meterName)
	in := &instruments{}
	var err error
	if in.sessions, err = meter.Int64Counter("ecoroute.sessions",
		metric.WithDescription("Prompt sessions by outcome")); err != nil {
		log.Debug().Err(err).Msg("Failed to create sessions counter")
	}
	if in.duration, err = meter.Float64Histogram("ecoroute.session.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Submission to completion")); err != nil {
		log.Debug().Err(err).Msg("Failed to create duration histogram")
	}
	if in.rejected, err = meter.Int64Counter("ecoroute.sessions.rejected",
		metric.WithDescription("Submissions refused by the entry guard")); err != nil {
		log.Debug().Err(err).Msg("Failed to create rejected counter")
	}
	return in
}

func (in *instruments) recordOutcome(outcome string, elapsed time.Duration) {
	if in == nil {
		return
	}
	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	if in.sessions != nil {
		in.sessions.Add(ctx, 1, attrs)
	}
	if in.duration != nil && elapsed > 0 {
		in.duration.Record(ctx, elapsed.Seconds(), attrs)
	}
}

func (in *instruments) recordRejected(reason error) {
	if in == nil || in.rejected == nil {
		return
	}
	in.rejected.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", reason.Error())))
}
