// Package pubsub implements the bus interfaces on Google Cloud Pub/Sub.
//
// Message keys become ordering keys, so tasks sharing a key arrive in publish
// order when the subscription enables message ordering. Commit acknowledges;
// a delivery that returns without committing is nacked and redelivered.
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"sync"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrapefleet/internal/bus"
)

// keyAttribute carries the message key alongside user headers.
const keyAttribute = "bus-key"

// Publisher publishes bus messages, one Pub/Sub publisher per topic.
type Publisher struct {
	client *pubsub.Client

	mu         sync.Mutex
	publishers map[string]*pubsub.Publisher
}

// NewPublisher wraps client.
func NewPublisher(client *pubsub.Client) *Publisher {
	return &Publisher{client: client, publishers: make(map[string]*pubsub.Publisher)}
}

func (p *Publisher) publisher(topic string) *pubsub.Publisher {
	p.mu.Lock()
	defer p.mu.Unlock()
	pub, ok := p.publishers[topic]
	if !ok {
		pub = p.client.Publisher(topic)
		pub.EnableMessageOrdering = true
		p.publishers[topic] = pub
	}
	return pub
}

// Publish sends msg and waits for the server acknowledgement.
func (p *Publisher) Publish(ctx context.Context, msg bus.Message) error {
	if p.client == nil {
		return errors.New("pubsub client is not configured")
	}
	if msg.Topic == "" {
		return errors.New("message topic is required")
	}
	attrs := make(map[string]string, len(msg.Headers)+3)
	for k, v := range msg.Headers {
		attrs[k] = v
	}
	if msg.Key != "" {
		attrs[keyAttribute] = msg.Key
	}
	otel.GetTextMapPropagator().Inject(ctx, &carrier{attrs: attrs})

	pub := p.publisher(msg.Topic)
	result := pub.Publish(ctx, &pubsub.Message{
		Data:        msg.Value,
		Attributes:  attrs,
		OrderingKey: msg.Key,
	})
	if _, err := result.Get(ctx); err != nil {
		if msg.Key != "" {
			// Ordered publishing pauses a key after a failure.
			pub.ResumePublish(msg.Key)
		}
		return fmt.Errorf("publish to %s: %w", msg.Topic, err)
	}
	return nil
}

// Close flushes and stops every topic publisher.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pub := range p.publishers {
		pub.Stop()
	}
	p.publishers = make(map[string]*pubsub.Publisher)
}

// Subscriber receives from one subscription per topic.
type Subscriber struct {
	client        *pubsub.Client
	subscriptions map[string]string
	concurrency   int
	logger        *zap.Logger
}

// NewSubscriber maps topics to subscription IDs. concurrency bounds
// outstanding messages.
func NewSubscriber(client *pubsub.Client, subscriptions map[string]string, concurrency int, logger *zap.Logger) *Subscriber {
	if logger == nil {
		logger = zap.NewNop()
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Subscriber{client: client, subscriptions: subscriptions, concurrency: concurrency, logger: logger}
}

// Subscribe receives until ctx is canceled.
func (s *Subscriber) Subscribe(ctx context.Context, topic string, h bus.Handler) error {
	if h == nil {
		return errors.New("handler is required")
	}
	subID, ok := s.subscriptions[topic]
	if !ok {
		return fmt.Errorf("no subscription configured for topic %q", topic)
	}
	sub := s.client.Subscriber(subID)
	sub.ReceiveSettings.MaxOutstandingMessages = s.concurrency
	sub.ReceiveSettings.NumGoroutines = 1

	err := sub.Receive(ctx, func(ctx context.Context, m *pubsub.Message) {
		ctx = otel.GetTextMapPropagator().Extract(ctx, &carrier{attrs: m.Attributes})
		s.dispatch(ctx, toBusMessage(topic, m), m.ID, m, h)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("receive %s: %w", subID, err)
	}
	return nil
}

// acker is the settlement half of a received message.
type acker interface {
	Ack()
	Nack()
}

// dispatch runs h and settles the message exactly once: Ack when the handler
// committed, Nack otherwise so the service redelivers it.
func (s *Subscriber) dispatch(ctx context.Context, msg bus.Message, id string, m acker, h bus.Handler) {
	var mu sync.Mutex
	committed := false
	delivery := bus.NewDelivery(msg, func(context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		if !committed {
			m.Ack()
			committed = true
		}
		return nil
	})
	if err := h(ctx, delivery); err != nil {
		s.logger.Warn("handler failed", zap.String("message_id", id), zap.Error(err))
	}
	mu.Lock()
	defer mu.Unlock()
	if !committed {
		m.Nack()
	}
}

func toBusMessage(topic string, m *pubsub.Message) bus.Message {
	headers := make(bus.Headers, len(m.Attributes))
	for k, v := range m.Attributes {
		if k == keyAttribute {
			continue
		}
		headers[k] = v
	}
	key := m.OrderingKey
	if key == "" {
		key = m.Attributes[keyAttribute]
	}
	return bus.Message{Topic: topic, Key: key, Value: m.Data, Headers: headers}
}

// carrier implements propagation.TextMapCarrier for Pub/Sub attributes.
type carrier struct {
	attrs map[string]string
}

func (c *carrier) Get(key string) string {
	return c.attrs[key]
}

func (c *carrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *carrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
