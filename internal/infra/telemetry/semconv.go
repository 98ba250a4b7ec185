package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for ledger telemetry.
const (
	// AttrEnvironment specifies the deployment environment for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrOperation names the control operation (account_state, cancel_order, ...).
	AttrOperation = attribute.Key("operation")
	// AttrResult records the outcome of an operation (success, timeout, disconnected, ...).
	AttrResult = attribute.Key("result")
	// AttrConnectionState labels session transitions (open, closed, dial_error).
	AttrConnectionState = attribute.Key("connection.state")
	// AttrFrameClass separates acks, ticks and unclassified frames.
	AttrFrameClass = attribute.Key("frame.class")
	// AttrTopic carries the first two segments of a tick topic.
	AttrTopic = attribute.Key("topic")
	// AttrEventKind labels ledger events (order, status, execution, cash, connectivity).
	AttrEventKind = attribute.Key("event.kind")
	// AttrReason provides free-form context for errors and refreshes.
	AttrReason = attribute.Key("reason")
)

// Metric names shared with the histogram views.
const (
	MetricRequestDuration = "ledger_session_request_duration"
	MetricRefreshDuration = "ledger_refresh_duration"
)

// Result values.
const (
	ResultSuccess      = "success"
	ResultTimeout      = "timeout"
	ResultDisconnected = "disconnected"
	ResultServerError  = "server_error"
	ResultError        = "error"
	ResultIgnored      = "ignored"
)

// OperationResultAttributes returns attributes for operation metrics with result classification.
func OperationResultAttributes(environment, operation, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
}

// ConnectionAttributes returns attributes for connection state metrics.
func ConnectionAttributes(environment, state string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrConnectionState.String(state),
	}
}

// FrameAttributes returns attributes for router frame metrics.
func FrameAttributes(environment, class, topic string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrFrameClass.String(class),
	}
	if topic != "" {
		attrs = append(attrs, AttrTopic.String(topic))
	}
	return attrs
}

// EventAttributes returns attributes for ledger event metrics.
func EventAttributes(environment, kind, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrEventKind.String(kind),
		AttrResult.String(result),
	}
}

// ReasonAttributes returns attributes for metrics qualified by a reason.
func ReasonAttributes(environment, reason, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrReason.String(reason),
		AttrResult.String(result),
	}
}
