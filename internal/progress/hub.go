package progress

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Config controls buffering and batching for the Hub. Zero values fall back
// to defaults: 4096 pending events, flushes every 1000 events or 500ms, and a
// 10s deadline per sink call. Now stamps events emitted without a timestamp.
type Config struct {
	BufferSize     int
	MaxBatchEvents int
	MaxBatchWait   time.Duration
	SinkTimeout    time.Duration
	BaseContext    context.Context
	Logger         *zap.Logger
	Now            func() time.Time
}

const (
	defaultBufferSize     = 4096
	defaultMaxBatchEvents = 1000
	defaultMaxBatchWait   = 500 * time.Millisecond
	defaultSinkTimeout    = 10 * time.Second
	dropLogInterval       = 5 * time.Second
)

// Stats counts what the Hub did with the events handed to Emit.
type Stats struct {
	// Accepted events took a slot in the pending queue.
	Accepted int64
	// Coalesced snapshots replaced an older pending snapshot in place.
	Coalesced int64
	// Dropped events never reached a sink because the queue was full.
	Dropped int64
	// Flushed events were handed to the sinks.
	Flushed int64
}

type snapshotKey struct {
	runID    string
	stage    Stage
	workerID int
}

// Hub collects events from pool listeners and the consumer and hands them to
// sinks in batches. Emit never blocks, so it is safe to call from the pool
// coordinator.
//
// Run and worker snapshots only matter in their newest form, so a pending
// snapshot is overwritten by the next one for the same run, stage and worker.
// When the queue is full a milestone displaces the oldest pending snapshot;
// snapshots themselves are dropped.
type Hub struct {
	cfg    Config
	sinks  []Sink
	logger *zap.Logger

	mu          sync.Mutex
	pending     []Event
	snapshots   map[snapshotKey]int
	stats       Stats
	closed      bool
	lastDropLog time.Time

	kick      chan struct{}
	stopCh    chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once
	closeCtx  context.Context
}

// NewHub starts the flushing goroutine and returns a Hub ready for Emit.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxBatchEvents <= 0 {
		cfg.MaxBatchEvents = defaultMaxBatchEvents
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		cfg:       cfg,
		sinks:     append([]Sink(nil), sinks...),
		logger:    logger,
		snapshots: make(map[snapshotKey]int),
		kick:      make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	go h.run()
	return h
}

// Emit queues evt for the next flush. Invalid events and events emitted after
// Close are discarded.
func (h *Hub) Emit(evt Event) {
	if h == nil {
		return
	}
	if evt.TS.IsZero() {
		evt.TS = h.cfg.Now()
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid progress event", zap.Error(err))
		return
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.enqueueLocked(evt)
	full := len(h.pending) >= h.cfg.MaxBatchEvents
	h.mu.Unlock()

	if full {
		select {
		case h.kick <- struct{}{}:
		default:
		}
	}
}

func (h *Hub) enqueueLocked(evt Event) {
	if evt.Stage.IsSnapshot() {
		key := snapshotKey{runID: evt.RunID, stage: evt.Stage, workerID: evt.WorkerID}
		if i, ok := h.snapshots[key]; ok {
			h.pending[i] = evt
			h.stats.Coalesced++
			return
		}
		if len(h.pending) >= h.cfg.BufferSize {
			h.dropLocked(evt)
			return
		}
		h.snapshots[key] = len(h.pending)
		h.pending = append(h.pending, evt)
		h.stats.Accepted++
		return
	}

	if len(h.pending) >= h.cfg.BufferSize && !h.evictSnapshotLocked() {
		h.dropLocked(evt)
		return
	}
	h.pending = append(h.pending, evt)
	h.stats.Accepted++
}

// evictSnapshotLocked removes the oldest pending snapshot to make room.
func (h *Hub) evictSnapshotLocked() bool {
	for i, evt := range h.pending {
		if !evt.Stage.IsSnapshot() {
			continue
		}
		h.pending = append(h.pending[:i], h.pending[i+1:]...)
		clear(h.snapshots)
		for j, kept := range h.pending {
			if kept.Stage.IsSnapshot() {
				h.snapshots[snapshotKey{runID: kept.RunID, stage: kept.Stage, workerID: kept.WorkerID}] = j
			}
		}
		h.stats.Dropped++
		return true
	}
	return false
}

func (h *Hub) dropLocked(evt Event) {
	h.stats.Dropped++
	now := time.Now()
	if now.Sub(h.lastDropLog) < dropLogInterval {
		return
	}
	h.lastDropLog = now
	h.logger.Warn("progress queue full, dropping events",
		zap.String("stage", string(evt.Stage)),
		zap.String("run_id", evt.RunID),
		zap.Int64("dropped_total", h.stats.Dropped),
	)
}

// Stats returns a copy of the Hub counters.
func (h *Hub) Stats() Stats {
	if h == nil {
		return Stats{}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}

// Close flushes pending events, closes the sinks and waits for the flushing
// goroutine. Repeated calls only wait.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.mu.Lock()
		h.closed = true
		h.mu.Unlock()
		h.closeCtx = ctx
		close(h.stopCh)
	})
	select {
	case <-h.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) run() {
	defer close(h.doneCh)
	ticker := time.NewTicker(h.cfg.MaxBatchWait)
	defer ticker.Stop()
	for {
		select {
		case <-h.kick:
		case <-ticker.C:
		case <-h.stopCh:
			h.flush(h.take())
			h.closeSinks()
			return
		}
		h.flush(h.take())
	}
}

// take hands the pending queue to the caller and starts a new one.
func (h *Hub) take() []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	batch := h.pending
	h.pending = nil
	clear(h.snapshots)
	h.stats.Flushed += int64(len(batch))
	return batch
}

func (h *Hub) flush(events []Event) {
	for len(events) > 0 {
		n := min(len(events), h.cfg.MaxBatchEvents)
		batch := events[:n]
		events = events[n:]
		for _, sink := range h.sinks {
			if sink == nil {
				continue
			}
			ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
			if err := sink.Consume(ctx, batch); err != nil {
				h.logger.Warn("progress sink consume failed", zap.Int("events", len(batch)), zap.Error(err))
			}
			cancel()
		}
	}
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("progress sink close failed", zap.Error(err))
		}
	}
}
