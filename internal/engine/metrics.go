package engine

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/CZERTAINLY/scanjobs/internal/model"
)

const MeterName = "github.com/CZERTAINLY/scanjobs"

type metrics struct {
	submitted metric.Int64Counter
	rejected  metric.Int64Counter
	finished  metric.Int64Counter
	running   metric.Int64UpDownCounter
}

func defaultMeter() metric.Meter {
	return otel.Meter(MeterName)
}

// newMetrics continues with partially created instruments on error, the
// meter returns usable no-op ones in that case.
func newMetrics(meter metric.Meter) metrics {
	var m metrics
	m.submitted, _ = meter.Int64Counter(
		"scanjobs.jobs.submitted",
		metric.WithDescription("Number of admitted jobs"),
		metric.WithUnit("{job}"),
	)
	m.rejected, _ = meter.Int64Counter(
		"scanjobs.jobs.rejected",
		metric.WithDescription("Number of jobs rejected by admission"),
		metric.WithUnit("{job}"),
	)
	m.finished, _ = meter.Int64Counter(
		"scanjobs.jobs.finished",
		metric.WithDescription("Number of jobs which reached a terminal state"),
		metric.WithUnit("{job}"),
	)
	m.running, _ = meter.Int64UpDownCounter(
		"scanjobs.jobs.running",
		metric.WithDescription("Number of jobs in flight"),
		metric.WithUnit("{job}"),
	)
	return m
}

func (m metrics) recordSubmitted(ctx context.Context, kind model.StrategyKind) {
	if m.submitted != nil {
		m.submitted.Add(ctx, 1, metric.WithAttributes(attribute.String("strategy", string(kind))))
	}
	if m.running != nil {
		m.running.Add(ctx, 1)
	}
}

func (m metrics) recordRejected(ctx context.Context) {
	if m.rejected != nil {
		m.rejected.Add(ctx, 1)
	}
}

func (m metrics) recordFinished(ctx context.Context, status model.Status) {
	if m.finished != nil {
		m.finished.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
	}
}

func (m metrics) recordDone(ctx context.Context) {
	if m.running != nil {
		m.running.Add(ctx, -1)
	}
}
