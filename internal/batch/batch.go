// Package batch provides size-and-time bounded batching in front of an
// arbitrary flush function. The ledger transfer path and the telemetry
// buffer share the same flushing contract, so both are built on the one
// generic writer.
package batch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ilpnet/connector/internal/metrics"
)

var ErrShutdown = errors.New("batch: writer is shut down")

// FlushFunc receives one batch. It must be safe to call with the same
// items again: failed batches are re-queued and retried.
type FlushFunc[T any] func(ctx context.Context, items []T) error

// Config controls batching behavior.
type Config struct {
	BatchSize     int
	FlushInterval time.Duration
}

// DefaultConfig returns the standard batching settings.
func DefaultConfig() Config {
	return Config{
		BatchSize:     100,
		FlushInterval: 100 * time.Millisecond,
	}
}

type entry[T any] struct {
	item    T
	done    chan error // nil except on the last entry of a unit
	unitEnd bool       // last entry of the unit submitted by one Add
}

// Writer accumulates items and flushes them in batches, either when the
// queue reaches BatchSize or on the flush interval, whichever comes
// first. Only one flush runs at a time. A failed batch is re-prepended to
// the queue and its error is delivered to the callers that submitted it;
// retried items carry no waiter, so idempotent flush targets absorb the
// replay.
type Writer[T any] struct {
	cfg    Config
	flush  FlushFunc[T]
	name   string
	logger *slog.Logger

	mu      sync.Mutex
	pending []entry[T]
	closed  bool

	kick   chan struct{}
	done   chan struct{}
	cancel context.CancelFunc
}

// NewWriter creates and starts a writer. name labels its metrics.
func NewWriter[T any](name string, cfg Config, flush FlushFunc[T], logger *slog.Logger) *Writer[T] {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultConfig().FlushInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &Writer[T]{
		cfg:    cfg,
		flush:  flush,
		name:   name,
		logger: logger,
		kick:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	go w.run(ctx)
	return w
}

// Add enqueues items as one unit and returns a channel that receives the
// error of the flush that carried them, or nil on success. The channel is
// buffered; callers may ignore it.
func (w *Writer[T]) Add(items ...T) <-chan error {
	ch := make(chan error, 1)
	if len(items) == 0 {
		ch <- nil
		return ch
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		ch <- ErrShutdown
		return ch
	}
	for i, item := range items {
		e := entry[T]{item: item}
		if i == len(items)-1 {
			e.done = ch
			e.unitEnd = true
		}
		w.pending = append(w.pending, e)
	}
	depth := len(w.pending)
	w.mu.Unlock()

	metrics.BatchQueueDepth.WithLabelValues(w.name).Set(float64(depth))
	if depth >= w.cfg.BatchSize {
		select {
		case w.kick <- struct{}{}:
		default:
		}
	}
	return ch
}

func (w *Writer[T]) run(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.kick:
		case <-ticker.C:
		}
		w.flushOnce(ctx)
	}
}

// flushOnce drains up to BatchSize entries and flushes them. The run
// goroutine is the only caller during normal operation, so flushes never
// overlap.
func (w *Writer[T]) flushOnce(ctx context.Context) {
	w.mu.Lock()
	if len(w.pending) == 0 {
		w.mu.Unlock()
		return
	}
	n := w.cutAt(w.cfg.BatchSize)
	batch := make([]entry[T], n)
	copy(batch, w.pending[:n])
	w.pending = append(w.pending[:0], w.pending[n:]...)
	w.mu.Unlock()

	items := make([]T, n)
	for i, e := range batch {
		items[i] = e.item
	}

	err := w.flush(ctx, items)
	if err != nil {
		metrics.BatchFlushes.WithLabelValues(w.name, "error").Inc()
		w.logger.Error("batch flush failed", "batcher", w.name, "size", n, "error", err)

		// Requeue at the front, minus the waiters we are about to fail.
		requeued := make([]entry[T], n)
		for i, e := range batch {
			requeued[i] = entry[T]{item: e.item, unitEnd: e.unitEnd}
		}
		w.mu.Lock()
		if !w.closed {
			w.pending = append(requeued, w.pending...)
		}
		w.mu.Unlock()
	} else {
		metrics.BatchFlushes.WithLabelValues(w.name, "ok").Inc()
	}

	for _, e := range batch {
		if e.done != nil {
			e.done <- err
		}
	}

	w.mu.Lock()
	depth := len(w.pending)
	w.mu.Unlock()
	metrics.BatchQueueDepth.WithLabelValues(w.name).Set(float64(depth))

	// More than one batch may be waiting.
	if depth >= w.cfg.BatchSize {
		select {
		case w.kick <- struct{}{}:
		default:
		}
	}
}

// cutAt returns how many pending entries the next flush takes: at most
// limit, extended forward so a unit straddling the cut ships whole. The
// entries of one unit always reach the flush function in a single call.
// Caller holds w.mu.
func (w *Writer[T]) cutAt(limit int) int {
	n := len(w.pending)
	if n <= limit {
		return n
	}
	n = limit
	for n < len(w.pending) && !w.pending[n-1].unitEnd {
		n++
	}
	return n
}

// Shutdown stops the background flusher and synchronously flushes
// whatever is still queued. Items added after Shutdown are rejected.
func (w *Writer[T]) Shutdown(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	w.cancel()
	<-w.done

	var lastErr error
	for {
		w.mu.Lock()
		if len(w.pending) == 0 {
			w.mu.Unlock()
			return lastErr
		}
		n := w.cutAt(w.cfg.BatchSize)
		batch := make([]entry[T], n)
		copy(batch, w.pending[:n])
		w.pending = append(w.pending[:0], w.pending[n:]...)
		w.mu.Unlock()

		items := make([]T, n)
		for i, e := range batch {
			items[i] = e.item
		}
		err := w.flush(ctx, items)
		for _, e := range batch {
			if e.done != nil {
				e.done <- err
			}
		}
		if err != nil {
			// Final flush: nothing left to retry against.
			w.logger.Error("shutdown flush failed", "batcher", w.name, "size", n, "error", err)
			lastErr = err
		}
	}
}

// Depth returns the current queue length.
func (w *Writer[T]) Depth() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}
