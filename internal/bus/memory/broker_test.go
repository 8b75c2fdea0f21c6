package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrapefleet/internal/bus"
)

func publish(t *testing.T, b *Broker, topic, key, value string) {
	t.Helper()
	require.NoError(t, b.Publish(context.Background(), bus.Message{
		Topic:   topic,
		Key:     key,
		Value:   []byte(value),
		Headers: bus.Headers{bus.HeaderWorkflowID: "wf"},
	}))
}

func TestPublishSameKeySamePartitionInOrder(t *testing.T) {
	t.Parallel()

	b := NewBroker(WithPartitions(8))
	for i := range 5 {
		publish(t, b, "tasks", "task-1", fmt.Sprint(i))
	}
	msgs := b.Messages("tasks")
	require.Len(t, msgs, 5)
	for i, m := range msgs {
		require.Equal(t, msgs[0].Partition, m.Partition)
		require.Equal(t, int64(i), m.Offset)
		require.Equal(t, fmt.Sprint(i), string(m.Value))
	}
}

func TestSubscribeDeliversAndCommits(t *testing.T) {
	t.Parallel()

	b := NewBroker(WithPartitions(2))
	for i := range 6 {
		publish(t, b, "tasks", fmt.Sprintf("k-%d", i), fmt.Sprint(i))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var mu sync.Mutex
	seen := map[string]bool{}
	done := make(chan error, 1)
	go func() {
		done <- b.Subscriber("g1").Subscribe(ctx, "tasks", func(ctx context.Context, d bus.Delivery) error {
			mu.Lock()
			seen[string(d.Value)] = true
			mu.Unlock()
			return d.Commit(ctx)
		})
	}()

	require.Eventually(t, func() bool { return b.Lag("g1", "tasks") == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	require.Len(t, seen, 6)
	require.Equal(t, int64(6), b.Lag("g2", "tasks"), "other groups keep their own offsets")
}

func TestUncommittedMessagesAreReadAgainOnResubscribe(t *testing.T) {
	t.Parallel()

	b := NewBroker(WithPartitions(1))
	publish(t, b, "tasks", "a", "first")
	publish(t, b, "tasks", "a", "second")

	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan string, 4)
	go func() {
		_ = b.Subscriber("g").Subscribe(ctx, "tasks", func(ctx context.Context, d bus.Delivery) error {
			got <- string(d.Value)
			if string(d.Value) == "first" {
				return d.Commit(ctx)
			}
			return nil
		})
	}()
	require.Equal(t, "first", <-got)
	require.Equal(t, "second", <-got)
	cancel()
	require.Equal(t, int64(1), b.Committed("g", "tasks", 0))

	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	go func() {
		_ = b.Subscriber("g").Subscribe(ctx2, "tasks", func(context.Context, bus.Delivery) error {
			got <- "replay"
			return nil
		})
	}()
	require.Equal(t, "replay", <-got)
}

func TestHandlerErrorRedelivers(t *testing.T) {
	t.Parallel()

	b := NewBroker(WithPartitions(1), WithRedeliveryDelay(time.Millisecond))
	publish(t, b, "tasks", "a", "x")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var mu sync.Mutex
	attempts := 0
	go func() {
		_ = b.Subscriber("g").Subscribe(ctx, "tasks", func(ctx context.Context, d bus.Delivery) error {
			mu.Lock()
			defer mu.Unlock()
			attempts++
			if attempts < 3 {
				return errors.New("transient")
			}
			return d.Commit(ctx)
		})
	}()
	require.Eventually(t, func() bool { return b.Lag("g", "tasks") == 0 }, time.Second, time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 3, attempts)
}

func TestSubscribeWakesOnLatePublish(t *testing.T) {
	t.Parallel()

	b := NewBroker()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan bus.Message, 1)
	go func() {
		_ = b.Subscriber("g").Subscribe(ctx, "results", func(ctx context.Context, d bus.Delivery) error {
			got <- d.Message
			return d.Commit(ctx)
		})
	}()
	time.Sleep(10 * time.Millisecond)
	publish(t, b, "results", "t1", "late")
	select {
	case m := <-got:
		require.Equal(t, "late", string(m.Value))
		require.Equal(t, "wf", m.Headers[bus.HeaderWorkflowID])
	case <-time.After(time.Second):
		t.Fatal("late message not delivered")
	}
}

func TestPublishValidation(t *testing.T) {
	t.Parallel()

	b := NewBroker()
	require.Error(t, b.Publish(context.Background(), bus.Message{}))
	require.NoError(t, b.Close())
	require.Error(t, b.Publish(context.Background(), bus.Message{Topic: "t"}))
}
