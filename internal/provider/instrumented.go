package provider

import (
	"context"
	"time"

	"github.com/therealutkarshpriyadarshi/suberase/internal/logging"
	"github.com/therealutkarshpriyadarshi/suberase/internal/metrics"
	"github.com/therealutkarshpriyadarshi/suberase/internal/tracing"
)

// Instrumented wraps a Provider with logging, metrics and tracing
type Instrumented struct {
	next   Provider
	logger *logging.Logger
}

var _ Provider = (*Instrumented)(nil)

// Instrument decorates p. A nil logger disables logging.
func Instrument(p Provider, logger *logging.Logger) *Instrumented {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Instrumented{next: p, logger: logger}
}

func (i *Instrumented) Name() string {
	return i.next.Name()
}

func (i *Instrumented) Submit(ctx context.Context, input Input) (string, error) {
	span, ctx := tracing.StartSpan(ctx, "provider.submit")
	defer tracing.FinishSpan(span)
	tracing.SetTag(span, "provider", i.Name())

	start := time.Now()
	id, err := i.next.Submit(ctx, input)
	i.observe("submit", id, start, err)
	tracing.LogError(span, err)
	tracing.SetTag(span, "prediction_id", id)
	return id, err
}

func (i *Instrumented) Status(ctx context.Context, predictionID string) (*Prediction, error) {
	span, ctx := tracing.StartSpan(ctx, "provider.status")
	defer tracing.FinishSpan(span)
	tracing.SetTag(span, "provider", i.Name())
	tracing.SetTag(span, "prediction_id", predictionID)

	start := time.Now()
	pred, err := i.next.Status(ctx, predictionID)
	i.observe("status", predictionID, start, err)
	tracing.LogError(span, err)
	return pred, err
}

func (i *Instrumented) Cancel(ctx context.Context, predictionID string) error {
	span, ctx := tracing.StartSpan(ctx, "provider.cancel")
	defer tracing.FinishSpan(span)
	tracing.SetTag(span, "provider", i.Name())
	tracing.SetTag(span, "prediction_id", predictionID)

	start := time.Now()
	err := i.next.Cancel(ctx, predictionID)
	i.observe("cancel", predictionID, start, err)
	tracing.LogError(span, err)
	return err
}

func (i *Instrumented) observe(operation, predictionID string, start time.Time, err error) {
	duration := time.Since(start)
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.RecordProviderCall(i.Name(), operation, status, duration.Seconds())
	i.logger.LogProviderCall(i.Name(), operation, predictionID, duration, err)
}
