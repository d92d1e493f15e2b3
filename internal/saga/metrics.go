package saga

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// initMetrics registers the runner's instruments. Metric registration
// failure is logged, never fatal.
func (r *Runner) initMetrics() {
	var err error

	r.runsStarted, err = r.meter.Int64Counter(
		"remedyd.saga.runs_started",
		metric.WithDescription("Saga runs admitted and started"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		r.logger.Warn(context.Background(), "failed to create runs_started counter", zap.Error(err))
	}

	r.runsCompleted, err = r.meter.Int64Counter(
		"remedyd.saga.runs_completed",
		metric.WithDescription("Saga runs reaching a terminal status"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		r.logger.Warn(context.Background(), "failed to create runs_completed counter", zap.Error(err))
	}

	r.stepRetries, err = r.meter.Int64Counter(
		"remedyd.saga.step_retries",
		metric.WithDescription("Step attempts scheduled for retry after a transient failure"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		r.logger.Warn(context.Background(), "failed to create step_retries counter", zap.Error(err))
	}
}

func (r *Runner) countCompleted(ctx context.Context, typ Type, status RunStatus) {
	if r.runsCompleted == nil {
		return
	}
	r.runsCompleted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("saga.type", string(typ)),
		attribute.String("status", string(status)),
	))
}
