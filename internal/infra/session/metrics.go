package session

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/meltica-ledger/internal/infra/telemetry"
)

type sessionMetrics struct {
	reconnects      metric.Int64Counter
	framesSent      metric.Int64Counter
	framesQueued    metric.Int64Counter
	requests        metric.Int64Counter
	requestDuration metric.Float64Histogram
}

func newSessionMetrics() *sessionMetrics {
	meter := otel.Meter("session")
	m := new(sessionMetrics)
	m.reconnects, _ = meter.Int64Counter("ledger_session_reconnects",
		metric.WithDescription("Session transitions by resulting connection state"),
		metric.WithUnit("{transition}"))
	m.framesSent, _ = meter.Int64Counter("ledger_session_frames_sent",
		metric.WithDescription("Frames written to the socket"),
		metric.WithUnit("{frame}"))
	m.framesQueued, _ = meter.Int64Counter("ledger_session_frames_queued",
		metric.WithDescription("Frames queued while the socket was not open"),
		metric.WithUnit("{frame}"))
	m.requests, _ = meter.Int64Counter("ledger_session_requests",
		metric.WithDescription("Correlated control requests by result"),
		metric.WithUnit("{request}"))
	m.requestDuration, _ = meter.Float64Histogram(telemetry.MetricRequestDuration,
		metric.WithDescription("Correlated control request round-trip latency"),
		metric.WithUnit("ms"))
	return m
}

func (m *sessionMetrics) transition(state string) {
	if m == nil || m.reconnects == nil {
		return
	}
	m.reconnects.Add(context.Background(), 1, metric.WithAttributes(
		telemetry.ConnectionAttributes(telemetry.Environment(), state)...))
}

func (m *sessionMetrics) sent() {
	if m == nil || m.framesSent == nil {
		return
	}
	m.framesSent.Add(context.Background(), 1, metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment())))
}

func (m *sessionMetrics) queued() {
	if m == nil || m.framesQueued == nil {
		return
	}
	m.framesQueued.Add(context.Background(), 1, metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment())))
}

func (m *sessionMetrics) request(op, result string, elapsedMs float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(telemetry.OperationResultAttributes(telemetry.Environment(), op, result)...)
	if m.requests != nil {
		m.requests.Add(context.Background(), 1, attrs)
	}
	if m.requestDuration != nil {
		m.requestDuration.Record(context.Background(), elapsedMs, attrs)
	}
}
