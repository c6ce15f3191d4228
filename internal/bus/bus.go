// Package bus provides event bus implementations for Kestrel.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
	"go.opentelemetry.io/otel/propagation"
)

var (
	ErrTenantRequired = errors.New("tenantID is required")
	ErrClosed         = errors.New("bus is closed")
)

var propagator = propagation.TraceContext{}

// New returns the bus named by cfg.Type: "channel" (community) or "nats" (pro).
// ctx bounds the initial NATS connection attempts.
func New(ctx context.Context, cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel":
		return NewChannelBus(cfg.ChannelBufferSize), nil

	case "nats":
		return NewNATSBus(ctx, cfg)

	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}

// newMessage builds an envelope and injects the caller's trace context into its metadata.
func newMessage(ctx context.Context, tenantID, topic string, payload []byte) *domain.Message {
	msg := &domain.Message{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		Topic:     topic,
		Payload:   payload,
		Metadata:  make(map[string]string),
		Timestamp: time.Now().UnixNano(),
	}
	propagator.Inject(ctx, propagation.MapCarrier(msg.Metadata))
	return msg
}

// ContextFromMessage returns ctx carrying the trace context recorded on msg, if any.
func ContextFromMessage(ctx context.Context, msg *domain.Message) context.Context {
	if msg == nil || len(msg.Metadata) == 0 {
		return ctx
	}
	return propagator.Extract(ctx, propagation.MapCarrier(msg.Metadata))
}

// PublishJSON encodes v and publishes it on topic.
func PublishJSON(ctx context.Context, b domain.EventBus, tenantID, topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", topic, err)
	}
	return b.Publish(ctx, tenantID, topic, payload)
}

// QueueSubscriber is implemented by buses that can load-balance a topic across a group.
type QueueSubscriber interface {
	QueueSubscribe(ctx context.Context, tenantID string, topic string, queue string, handler domain.MessageHandler) (domain.Subscription, error)
}

// SubscribeShared joins queue when the bus supports groups and falls back to Subscribe otherwise.
func SubscribeShared(ctx context.Context, b domain.EventBus, tenantID, topic, queue string, handler domain.MessageHandler) (domain.Subscription, error) {
	if qs, ok := b.(QueueSubscriber); ok {
		return qs.QueueSubscribe(ctx, tenantID, topic, queue, handler)
	}
	return b.Subscribe(ctx, tenantID, topic, handler)
}
