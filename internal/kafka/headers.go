package kafka

import segkafka "github.com/segmentio/kafka-go"

const (
	// TopicLifecycle carries app lifecycle events consumed by the agent.
	TopicLifecycle = "app.lifecycle"
	// TopicUnsentNotices carries "items still unsent" notices for the user.
	TopicUnsentNotices = "notifications.unsent"
	// TopicRelay is the default destination of relay outbox items.
	TopicRelay = "outbox.relay"

	HeaderItemID  = "bgrunner-item-id"
	HeaderKind    = "bgrunner-kind"
	HeaderRunID   = "bgrunner-run-id"
	HeaderTrigger = "bgrunner-trigger"
)

// HeaderCarrier adapts a message's header slice to the OpenTelemetry
// propagation.TextMapCarrier interface and doubles as the header builder
// for the bgrunner-* metadata headers.
type HeaderCarrier []segkafka.Header

// Get returns the value for the first header matching key, or "".
func (c HeaderCarrier) Get(key string) string {
	for _, h := range c {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

// Set writes key/value, replacing any existing header with the same key.
// Empty values are skipped.
func (c *HeaderCarrier) Set(key, value string) {
	if value == "" {
		return
	}
	filtered := (*c)[:0]
	for _, h := range *c {
		if h.Key != key {
			filtered = append(filtered, h)
		}
	}
	*c = append(filtered, segkafka.Header{Key: key, Value: []byte(value)})
}

// Keys returns all header keys present in the carrier.
func (c HeaderCarrier) Keys() []string {
	keys := make([]string, len(c))
	for i, h := range c {
		keys[i] = h.Key
	}
	return keys
}
