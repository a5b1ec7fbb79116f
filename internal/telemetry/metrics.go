package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics bundles the farm's instruments. A zero-value Metrics is safe to
// call; every recorder nil-checks its instrument.
type Metrics struct {
	dealsProcessed   metric.Int64Counter
	dealsQuarantined metric.Int64Counter
	commandsQueued   metric.Int64Counter
	heartbeats       metric.Int64Counter
	webhookRejected  metric.Int64Counter
	batchDuration    metric.Float64Histogram
}

// NewMetrics registers the farm instruments on the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.dealsProcessed, err = meter.Int64Counter("farm.deals.processed",
		metric.WithDescription("Deal events reconciled, by outcome")); err != nil {
		return nil, err
	}
	if m.dealsQuarantined, err = meter.Int64Counter("farm.deals.quarantined",
		metric.WithDescription("Deal events parked for retry")); err != nil {
		return nil, err
	}
	if m.commandsQueued, err = meter.Int64Counter("farm.commands.queued",
		metric.WithDescription("Commands enqueued for terminals, by verb")); err != nil {
		return nil, err
	}
	if m.heartbeats, err = meter.Int64Counter("farm.heartbeats",
		metric.WithDescription("Heartbeats received from terminals")); err != nil {
		return nil, err
	}
	if m.webhookRejected, err = meter.Int64Counter("farm.webhook.rejected",
		metric.WithDescription("Webhook requests rejected, by cause")); err != nil {
		return nil, err
	}
	if m.batchDuration, err = meter.Float64Histogram("farm.trades.batch.duration",
		metric.WithDescription("Trade batch processing duration"),
		metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) RecordDeal(ctx context.Context, action string) {
	if m == nil || m.dealsProcessed == nil {
		return
	}
	m.dealsProcessed.Add(ctx, 1, metric.WithAttributes(attribute.String("action", action)))
}

func (m *Metrics) RecordQuarantined(ctx context.Context) {
	if m == nil || m.dealsQuarantined == nil {
		return
	}
	m.dealsQuarantined.Add(ctx, 1)
}

func (m *Metrics) RecordCommandQueued(ctx context.Context, verb string) {
	if m == nil || m.commandsQueued == nil {
		return
	}
	m.commandsQueued.Add(ctx, 1, metric.WithAttributes(attribute.String("verb", verb)))
}

func (m *Metrics) RecordHeartbeat(ctx context.Context) {
	if m == nil || m.heartbeats == nil {
		return
	}
	m.heartbeats.Add(ctx, 1)
}

func (m *Metrics) RecordWebhookRejected(ctx context.Context, cause string) {
	if m == nil || m.webhookRejected == nil {
		return
	}
	m.webhookRejected.Add(ctx, 1, metric.WithAttributes(attribute.String("cause", cause)))
}

func (m *Metrics) RecordBatchDuration(ctx context.Context, millis float64) {
	if m == nil || m.batchDuration == nil {
		return
	}
	m.batchDuration.Record(ctx, millis)
}
