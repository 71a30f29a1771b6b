// Package telemetry provides semantic conventions for SimpleBus observability.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for bus-specific telemetry.
// Most keys are bare names; the durability and cursor keys carry a
// namespace.attribute_name prefix.

const (
	// AttrTopic identifies the topic a signal belongs to.
	AttrTopic = attribute.Key("topic")
	// AttrOperation differentiates engine operations (publish, fsync).
	AttrOperation = attribute.Key("operation")
	// AttrResult records the outcome of an operation (success, error class, etc.).
	AttrResult = attribute.Key("result")
	// AttrDurability labels metrics with the active durability mode.
	AttrDurability = attribute.Key("durability.mode")
	// AttrCursor labels subscribe metrics with the cursor kind used.
	AttrCursor = attribute.Key("cursor.kind")
	// AttrReason provides additional free-form context for errors and drops.
	AttrReason = attribute.Key("reason")
)

// OperationAttributes returns common attributes for per-operation metrics.
func OperationAttributes(topic, operation, result string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
	if topic != "" {
		attrs = append(attrs, AttrTopic.String(topic))
	}
	return attrs
}

// TopicAttributes returns attributes for per-topic gauges and counters.
func TopicAttributes(topic string) []attribute.KeyValue {
	return []attribute.KeyValue{AttrTopic.String(topic)}
}

// DropAttributes returns attributes for lagged-subscriber drop counters.
func DropAttributes(topic, reason string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrTopic.String(topic),
		AttrReason.String(reason),
	}
}
