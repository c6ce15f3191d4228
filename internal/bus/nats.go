package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ErrNotConnected is returned by Ping while the client is reconnecting.
var ErrNotConnected = errors.New("nats: not connected")

const (
	defaultNATSReconnects    = 10
	defaultNATSReconnectWait = 5 * time.Second
	defaultRequestTimeout    = 30 * time.Second

	// headerMessageID lets JetStream-enabled servers drop duplicate publishes.
	headerMessageID = "Nats-Msg-Id"
	headerTenantID  = "Kestrel-Tenant"
)

// NATSBus carries pipeline events between Kestrel instances. Subjects are
// prefixed with the tenant, see natsSubject.
type NATSBus struct {
	conn *nats.Conn

	mu   sync.Mutex
	subs map[string]*natsSubscription
}

type natsSubscription struct {
	id    string
	topic string
	sub   *nats.Subscription
	bus   *NATSBus
}

// NewNATSBus dials cfg.NATSUrl, retrying until the attempt budget or ctx runs out.
func NewNATSBus(ctx context.Context, cfg domain.EventBusConfig) (*NATSBus, error) {
	url := cfg.NATSUrl
	if url == "" {
		url = nats.DefaultURL
	}
	attempts := cfg.NATSMaxReconnects
	if attempts <= 0 {
		attempts = defaultNATSReconnects
	}
	wait := time.Duration(cfg.NATSReconnectWait) * time.Second
	if wait <= 0 {
		wait = defaultNATSReconnectWait
	}

	opts := []nats.Option{
		nats.Name("kestrel"),
		nats.MaxReconnects(attempts),
		nats.ReconnectWait(wait),
		nats.ReconnectBufSize(8 << 20),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			slog.Warn("nats disconnected", "error", err, "will_reconnect", !nc.IsClosed())
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			slog.Error("nats async error", "subject", subject, "error", err)
		}),
	}
	if cfg.NATSToken != "" {
		opts = append(opts, nats.Token(cfg.NATSToken))
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		conn, err := nats.Connect(url, opts...)
		if err == nil {
			slog.Info("nats connected", "url", conn.ConnectedUrl(), "server_id", conn.ConnectedServerId())
			return &NATSBus{conn: conn, subs: make(map[string]*natsSubscription)}, nil
		}
		lastErr = err
		slog.Warn("nats connect failed", "attempt", attempt, "max_attempts", attempts, "error", err)

		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("nats connect to %s: %w", url, ctx.Err())
		case <-time.After(wait):
		}
	}
	return nil, fmt.Errorf("nats connect to %s after %d attempts: %w", url, attempts, lastErr)
}

// natsSubject scopes a topic to a tenant, e.g. "tenant.acme.kestrel.alert".
func natsSubject(tenantID, topic string) string {
	return "tenant." + tenantID + "." + topic
}

func encodeNATS(ctx context.Context, tenantID, topic string, payload []byte) (*nats.Msg, error) {
	env := newMessage(ctx, tenantID, topic, payload)
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", topic, err)
	}
	m := nats.NewMsg(natsSubject(tenantID, topic))
	m.Data = data
	m.Header.Set(headerMessageID, env.ID)
	m.Header.Set(headerTenantID, tenantID)
	return m, nil
}

// Publish sends payload on the tenant's subject for topic.
func (b *NATSBus) Publish(ctx context.Context, tenantID string, topic string, payload []byte) error {
	if tenantID == "" {
		return ErrTenantRequired
	}
	m, err := encodeNATS(ctx, tenantID, topic, payload)
	if err != nil {
		return err
	}
	return b.conn.PublishMsg(m)
}

// Subscribe delivers every message on topic to handler.
func (b *NATSBus) Subscribe(ctx context.Context, tenantID string, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	return b.QueueSubscribe(ctx, tenantID, topic, "", handler)
}

// QueueSubscribe joins a queue group so that each message reaches one member.
// Several Kestrel instances use it to share analysis work. An empty queue
// behaves like Subscribe.
func (b *NATSBus) QueueSubscribe(ctx context.Context, tenantID string, topic string, queue string, handler domain.MessageHandler) (domain.Subscription, error) {
	if tenantID == "" {
		return nil, ErrTenantRequired
	}

	subject := natsSubject(tenantID, topic)
	deliver := func(m *nats.Msg) {
		var msg domain.Message
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			slog.Error("dropping undecodable nats message", "subject", m.Subject, "error", err)
			return
		}
		if err := handler(ContextFromMessage(ctx, &msg), &msg); err != nil {
			slog.Error("handler error", "subject", m.Subject, "message_id", msg.ID, "error", err)
		}
	}

	var (
		ns  *nats.Subscription
		err error
	)
	if queue == "" {
		ns, err = b.conn.Subscribe(subject, deliver)
	} else {
		ns, err = b.conn.QueueSubscribe(subject, queue, deliver)
	}
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}

	sub := &natsSubscription{id: uuid.NewString(), topic: topic, sub: ns, bus: b}
	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()
	return sub, nil
}

// Request publishes payload and waits for one reply. Without a ctx deadline
// it waits at most 30 seconds.
func (b *NATSBus) Request(ctx context.Context, tenantID string, topic string, payload []byte) ([]byte, error) {
	if tenantID == "" {
		return nil, ErrTenantRequired
	}
	m, err := encodeNATS(ctx, tenantID, topic, payload)
	if err != nil {
		return nil, err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultRequestTimeout)
		defer cancel()
	}

	reply, err := b.conn.RequestMsgWithContext(ctx, m)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", m.Subject, err)
	}

	var env domain.Message
	if err := json.Unmarshal(reply.Data, &env); err != nil {
		return nil, fmt.Errorf("decode reply on %s: %w", m.Subject, err)
	}
	return env.Payload, nil
}

// Ping flushes the connection to confirm the server is reachable.
func (b *NATSBus) Ping(ctx context.Context) error {
	if !b.conn.IsConnected() {
		return ErrNotConnected
	}
	return b.conn.FlushWithContext(ctx)
}

// Close drains in-flight messages, then closes the connection.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	b.subs = make(map[string]*natsSubscription)
	b.mu.Unlock()

	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return fmt.Errorf("drain nats connection: %w", err)
	}
	return nil
}

// Stats returns connection counters.
func (b *NATSBus) Stats() nats.Statistics {
	return b.conn.Stats()
}

func (s *natsSubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s.id)
	s.bus.mu.Unlock()
	return s.sub.Unsubscribe()
}

func (s *natsSubscription) Topic() string {
	return s.topic
}
