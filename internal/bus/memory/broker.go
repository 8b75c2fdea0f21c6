// Package memory provides a partitioned in-process message broker with
// per-group committed offsets, for local runs and tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrapefleet/internal/bus"
)

const (
	defaultPartitions      = 4
	defaultRedeliveryDelay = 100 * time.Millisecond
)

// Broker stores every topic in memory. Messages are never deleted.
type Broker struct {
	partitions      int
	redeliveryDelay time.Duration
	logger          *zap.Logger

	mu        sync.Mutex
	topics    map[string]*topic
	committed map[offsetKey]int64
	seq       int64
	closed    bool
	rr        atomic.Uint64
}

type topic struct {
	parts []*partition
}

type partition struct {
	msgs []stored
	// notify is closed and replaced on every append.
	notify chan struct{}
}

type stored struct {
	msg bus.Message
	seq int64
}

type offsetKey struct {
	group     string
	topic     string
	partition int
}

// Option customizes a Broker.
type Option func(*Broker)

// WithPartitions sets the partition count for new topics.
func WithPartitions(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.partitions = n
		}
	}
}

// WithRedeliveryDelay sets the pause before a failed message is handed over again.
func WithRedeliveryDelay(d time.Duration) Option {
	return func(b *Broker) {
		if d >= 0 {
			b.redeliveryDelay = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(b *Broker) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// NewBroker constructs an empty Broker.
func NewBroker(opts ...Option) *Broker {
	b := &Broker{
		partitions:      defaultPartitions,
		redeliveryDelay: defaultRedeliveryDelay,
		logger:          zap.NewNop(),
		topics:          make(map[string]*topic),
		committed:       make(map[offsetKey]int64),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Broker) topicLocked(name string) *topic {
	t, ok := b.topics[name]
	if !ok {
		t = &topic{parts: make([]*partition, b.partitions)}
		for i := range t.parts {
			t.parts[i] = &partition{notify: make(chan struct{})}
		}
		b.topics[name] = t
	}
	return t
}

func (b *Broker) partitionFor(key string) int {
	if key == "" {
		return int(b.rr.Add(1) % uint64(b.partitions))
	}
	return int(xxhash.Sum64String(key) % uint64(b.partitions))
}

// Publish appends msg to the partition chosen by its key.
func (b *Broker) Publish(ctx context.Context, msg bus.Message) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("publish canceled: %w", err)
	}
	if msg.Topic == "" {
		return errors.New("message topic is required")
	}
	p := b.partitionFor(msg.Key)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.New("broker closed")
	}
	part := b.topicLocked(msg.Topic).parts[p]
	msg.Partition = p
	msg.Offset = int64(len(part.msgs))
	msg.Headers = msg.Headers.Clone()
	msg.Value = append([]byte(nil), msg.Value...)
	b.seq++
	part.msgs = append(part.msgs, stored{msg: msg, seq: b.seq})
	close(part.notify)
	part.notify = make(chan struct{})
	return nil
}

// Messages returns every message published to name in publish order.
func (b *Broker) Messages(name string) []bus.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[name]
	if !ok {
		return nil
	}
	var all []stored
	for _, part := range t.parts {
		all = append(all, part.msgs...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].seq < all[j].seq })
	out := make([]bus.Message, len(all))
	for i, s := range all {
		out[i] = s.msg
		out[i].Headers = s.msg.Headers.Clone()
	}
	return out
}

// Committed returns the next offset group will read from a partition.
func (b *Broker) Committed(group, name string, p int) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.committed[offsetKey{group: group, topic: name, partition: p}]
}

// Lag is the number of uncommitted messages for group across name's partitions.
func (b *Broker) Lag(group, name string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[name]
	if !ok {
		return 0
	}
	var lag int64
	for i, part := range t.parts {
		lag += int64(len(part.msgs)) - b.committed[offsetKey{group: group, topic: name, partition: i}]
	}
	return lag
}

// Close rejects further publishes. Running subscriptions end with their context.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// Subscriber returns a consumer-group view of the broker.
func (b *Broker) Subscriber(group string) *Subscriber {
	return &Subscriber{broker: b, group: group}
}

// Subscriber reads topics as one consumer group, one goroutine per partition.
type Subscriber struct {
	broker *Broker
	group  string
}

// Subscribe delivers messages starting at the group's committed offsets and
// blocks until ctx is canceled. A handler error causes the same message to be
// redelivered after the broker's redelivery delay.
func (s *Subscriber) Subscribe(ctx context.Context, name string, h bus.Handler) error {
	if h == nil {
		return errors.New("handler is required")
	}
	s.broker.mu.Lock()
	t := s.broker.topicLocked(name)
	parts := len(t.parts)
	s.broker.mu.Unlock()

	var wg sync.WaitGroup
	for p := range parts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.consumePartition(ctx, name, p, h)
		}()
	}
	wg.Wait()
	return nil
}

func (s *Subscriber) consumePartition(ctx context.Context, name string, p int, h bus.Handler) {
	key := offsetKey{group: s.group, topic: name, partition: p}
	logger := s.broker.logger.With(zap.String("topic", name), zap.Int("partition", p))

	s.broker.mu.Lock()
	pos := s.broker.committed[key]
	s.broker.mu.Unlock()

	for {
		msg, wait, ok := s.next(name, p, pos)
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-wait:
				continue
			}
		}
		delivery := bus.NewDelivery(msg, func(context.Context) error {
			s.commit(key, msg.Offset+1)
			return nil
		})
		if err := h(ctx, delivery); err != nil {
			logger.Warn("handler failed, redelivering", zap.Int64("offset", msg.Offset), zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.broker.redeliveryDelay):
			}
			continue
		}
		pos++
	}
}

func (s *Subscriber) next(name string, p int, pos int64) (bus.Message, <-chan struct{}, bool) {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	part := s.broker.topicLocked(name).parts[p]
	if pos < int64(len(part.msgs)) {
		msg := part.msgs[pos].msg
		msg.Headers = msg.Headers.Clone()
		return msg, nil, true
	}
	return bus.Message{}, part.notify, false
}

func (s *Subscriber) commit(key offsetKey, next int64) {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	if next > s.broker.committed[key] {
		s.broker.committed[key] = next
	}
}
