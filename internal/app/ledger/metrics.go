package ledger

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/meltica-ledger/internal/infra/telemetry"
)

// Event kinds recorded in metrics.
const (
	kindSnapshot     = "snapshot"
	kindOrder        = "order"
	kindStatus       = "status"
	kindExecution    = "execution"
	kindCash         = "cash"
	kindConnectivity = "connectivity"
	kindNotice       = "notice"
)

type ledgerMetrics struct {
	events          metric.Int64Counter
	refreshes       metric.Int64Counter
	refreshDuration metric.Float64Histogram
	openOrders      metric.Int64ObservableGauge
	positions       metric.Int64ObservableGauge
}

func newLedgerMetrics(l *Ledger) *ledgerMetrics {
	meter := otel.Meter("ledger")
	m := new(ledgerMetrics)
	m.events, _ = meter.Int64Counter("ledger_events",
		metric.WithDescription("Account events applied to the ledger by kind and result"),
		metric.WithUnit("{event}"))
	m.refreshes, _ = meter.Int64Counter("ledger_refreshes",
		metric.WithDescription("Snapshot refreshes by reason and result"),
		metric.WithUnit("{refresh}"))
	m.refreshDuration, _ = meter.Float64Histogram(telemetry.MetricRefreshDuration,
		metric.WithDescription("Snapshot refresh latency including retries"),
		metric.WithUnit("ms"))
	m.openOrders, _ = meter.Int64ObservableGauge("ledger_open_orders",
		metric.WithDescription("Orders currently in the open set"),
		metric.WithUnit("{order}"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(len(l.State().OpenOrders)),
				metric.WithAttributes(telemetry.AttrEnvironment.String(telemetry.Environment())))
			return nil
		}))
	m.positions, _ = meter.Int64ObservableGauge("ledger_positions",
		metric.WithDescription("Positions currently held"),
		metric.WithUnit("{position}"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(len(l.State().Positions)),
				metric.WithAttributes(telemetry.AttrEnvironment.String(telemetry.Environment())))
			return nil
		}))
	return m
}

func (m *ledgerMetrics) event(kind, result string) {
	if m == nil || m.events == nil {
		return
	}
	m.events.Add(context.Background(), 1, metric.WithAttributes(
		telemetry.EventAttributes(telemetry.Environment(), kind, result)...))
}

func (m *ledgerMetrics) refresh(reason, result string, elapsedMs float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(telemetry.ReasonAttributes(telemetry.Environment(), reason, result)...)
	if m.refreshes != nil {
		m.refreshes.Add(context.Background(), 1, attrs)
	}
	if m.refreshDuration != nil {
		m.refreshDuration.Record(context.Background(), elapsedMs, attrs)
	}
}
