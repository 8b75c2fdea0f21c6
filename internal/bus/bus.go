// Package bus defines the message-bus abstraction the task consumer and the
// submit command use. Implementations live in bus/memory and bus/pubsub.
package bus

import (
	"context"
	"strconv"
)

// Header names carried on task, result and dead-letter messages.
const (
	HeaderTotalTasks = "total-tasks"
	HeaderRetryCount = "retry-count"
	HeaderWorkflowID = "workflow-id"
	HeaderItemsCount = "items-count"
	HeaderError      = "error"
	HeaderFinalError = "final-error"
)

// Headers are string-valued message headers.
type Headers map[string]string

// Clone returns an independent copy.
func (h Headers) Clone() Headers {
	out := make(Headers, len(h)+2)
	for k, v := range h {
		out[k] = v
	}
	return out
}

// Int parses header key as an integer, returning def when absent or malformed.
func (h Headers) Int(key string, def int) int {
	raw, ok := h[key]
	if !ok {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

// Message is one record on a topic. Partition and Offset are set by the bus on
// delivery and ignored on publish.
type Message struct {
	Topic     string
	Key       string
	Value     []byte
	Headers   Headers
	Partition int
	Offset    int64
}

// Delivery is a received message plus its commit hook.
type Delivery struct {
	Message
	commit func(ctx context.Context) error
}

// NewDelivery wraps msg with commit. Bus implementations call it.
func NewDelivery(msg Message, commit func(ctx context.Context) error) Delivery {
	return Delivery{Message: msg, commit: commit}
}

// Commit acknowledges the message so it is not redelivered.
func (d Delivery) Commit(ctx context.Context) error {
	if d.commit == nil {
		return nil
	}
	return d.commit(ctx)
}

// Handler processes one delivery. Messages of one partition are handed over
// in order; a handler error leaves the message uncommitted for redelivery.
type Handler func(ctx context.Context, d Delivery) error

// Publisher sends messages to topics.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Subscriber delivers messages of a topic until ctx is canceled.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string, h Handler) error
}
