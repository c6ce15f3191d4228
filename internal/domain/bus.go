package domain

import "context"

// Pipeline event topics. Subjects on the wire are additionally scoped by tenant.
const (
	TopicTransactionIngested = "kestrel.transaction.ingested"
	TopicAnalysisCompleted   = "kestrel.analysis.completed"
	TopicAlert               = "kestrel.alert"
)

// EventBus moves pipeline events between the API, the pipeline and the
// worker. ChannelBus serves a single process; NATSBus spans instances.
// A subscriber only ever sees messages published under its own tenant.
type EventBus interface {
	Publish(ctx context.Context, tenantID string, topic string, payload []byte) error

	// Subscribe runs handler for each message on topic until the returned
	// Subscription is cancelled or the bus closes.
	Subscribe(ctx context.Context, tenantID string, topic string, handler MessageHandler) (Subscription, error)

	// Request publishes payload and blocks for a single reply.
	Request(ctx context.Context, tenantID string, topic string, payload []byte) ([]byte, error)

	Ping(ctx context.Context) error
	Close() error
}

// MessageHandler consumes one message. Its error is logged, not redelivered.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message is the envelope every payload travels in. Metadata carries the
// W3C trace context of the publisher and, for requests, "reply_to".
type Message struct {
	ID        string            `json:"id"`
	TenantID  string            `json:"tenantId"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"` // unix nanoseconds
}

// Subscription is a live handler registration.
type Subscription interface {
	Unsubscribe() error
	Topic() string
}

// EventBusConfig selects and tunes the event bus.
type EventBusConfig struct {
	Type string // "channel" or "nats"

	// Per-subscriber buffer for the channel bus; full subscribers drop messages.
	ChannelBufferSize int

	NATSUrl           string
	NATSToken         string
	NATSMaxReconnects int
	NATSReconnectWait int // seconds
}
