package telemetry

import (
	"go.opentelemetry.io/otel/metric"
)

type Metrics struct {
	StkInitiations    metric.Int64Counter
	InitiateDuration  metric.Float64Histogram
	CallbacksReceived metric.Int64Counter
	SessionsFinalized metric.Int64Counter
	TokenRefreshes    metric.Int64Counter
}

func NewMetrics(meter metric.Meter) (*Metrics, error) {
	initiations, err := meter.Int64Counter("stk_initiations_total",
		metric.WithDescription("STK push initiations by outcome"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	initiateDuration, err := meter.Float64Histogram("stk_initiate_duration_seconds",
		metric.WithDescription("Duration of the initiation call including token acquisition"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0),
	)
	if err != nil {
		return nil, err
	}

	callbacks, err := meter.Int64Counter("stk_callbacks_received_total",
		metric.WithDescription("Daraja callbacks by processing result"),
		metric.WithUnit("{callback}"),
	)
	if err != nil {
		return nil, err
	}

	finalized, err := meter.Int64Counter("payment_sessions_finalized_total",
		metric.WithDescription("Payment sessions reaching a terminal status"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, err
	}

	refreshes, err := meter.Int64Counter("daraja_token_refreshes_total",
		metric.WithDescription("Access tokens issued from the Daraja OAuth endpoint"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		StkInitiations:    initiations,
		InitiateDuration:  initiateDuration,
		CallbacksReceived: callbacks,
		SessionsFinalized: finalized,
		TokenRefreshes:    refreshes,
	}, nil
}
