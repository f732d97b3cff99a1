package observability

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys
const (
	attrQueue   = "queue"
	attrOutcome = "outcome"
	attrReason  = "reason"
	attrTier    = "tier"
	attrStatus  = "status"
)

func queueAttr(queue string) attribute.KeyValue {
	return attribute.String(attrQueue, queue)
}

func outcomeAttr(outcome string) attribute.KeyValue {
	return attribute.String(attrOutcome, outcome)
}

func reasonAttr(reason string) attribute.KeyValue {
	return attribute.String(attrReason, reason)
}

func tierAttr(tier string) attribute.KeyValue {
	return attribute.String(attrTier, tier)
}

func statusAttr(status string) attribute.KeyValue {
	return attribute.String(attrStatus, status)
}
