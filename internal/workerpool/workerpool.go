// Package workerpool runs CPU-bound tasks on a fixed set of workers with
// a bounded FIFO queue. The coordinator assigns tasks round-robin over
// idle workers; callers get a completion handle per task.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ilpnet/connector/internal/idgen"
	"github.com/ilpnet/connector/internal/metrics"
)

var (
	ErrQueueFull = errors.New("workerpool: queue full")
	ErrShutdown  = errors.New("workerpool: shutting down")
)

// DefaultMaxQueueSize bounds the task queue when the config leaves it zero.
const DefaultMaxQueueSize = 10000

// Result carries a task's outcome through its completion handle.
type Result[Out any] struct {
	Value Out
	Err   error
}

// Config holds pool settings.
type Config struct {
	Workers      int
	MaxQueueSize int
}

// Validate checks the configuration, applying defaults for zero values.
func (c *Config) Validate() error {
	if c.Workers <= 0 {
		return fmt.Errorf("workerpool: workers must be positive, got %d", c.Workers)
	}
	if c.MaxQueueSize == 0 {
		c.MaxQueueSize = DefaultMaxQueueSize
	}
	if c.MaxQueueSize < 0 {
		return fmt.Errorf("workerpool: max queue size must be positive, got %d", c.MaxQueueSize)
	}
	return nil
}

type task[In, Out any] struct {
	id   string
	ctx  context.Context
	data In
	done chan Result[Out]
}

// WorkerStats is a snapshot of one worker's state.
type WorkerStats struct {
	Busy      bool
	Processed uint64
}

// Pool executes tasks of type In producing Out. The zero value is not
// usable; construct with New.
type Pool[In, Out any] struct {
	cfg     Config
	handler func(context.Context, In) (Out, error)
	logger  *slog.Logger

	mu       sync.Mutex
	queue    []*task[In, Out]
	inflight map[string]*task[In, Out]
	busy     []bool
	procs    []uint64
	nextIdx  int
	closed   bool

	feeds []chan *task[In, Out]
	wg    sync.WaitGroup
}

// New creates and starts a pool.
func New[In, Out any](cfg Config, handler func(context.Context, In) (Out, error), logger *slog.Logger) (*Pool[In, Out], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := &Pool[In, Out]{
		cfg:      cfg,
		handler:  handler,
		logger:   logger,
		inflight: make(map[string]*task[In, Out]),
		busy:     make([]bool, cfg.Workers),
		procs:    make([]uint64, cfg.Workers),
		feeds:    make([]chan *task[In, Out], cfg.Workers),
	}
	for i := range p.feeds {
		p.feeds[i] = make(chan *task[In, Out], 1)
		p.wg.Add(1)
		go p.runWorker(i)
	}
	return p, nil
}

// Execute enqueues a task and returns its completion handle. It fails
// synchronously with ErrQueueFull when the queue is at capacity and with
// ErrShutdown after Shutdown.
func (p *Pool[In, Out]) Execute(ctx context.Context, data In) (<-chan Result[Out], error) {
	t := &task[In, Out]{
		id:   idgen.Correlation(),
		ctx:  ctx,
		data: data,
		done: make(chan Result[Out], 1),
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrShutdown
	}
	if len(p.queue) >= p.cfg.MaxQueueSize {
		return nil, ErrQueueFull
	}
	p.queue = append(p.queue, t)
	p.dispatchLocked()
	return t.done, nil
}

// dispatchLocked hands queued tasks to idle workers, round-robin starting
// after the last assignment. Caller holds p.mu.
func (p *Pool[In, Out]) dispatchLocked() {
	for len(p.queue) > 0 {
		idx, ok := p.idleWorkerLocked()
		if !ok {
			break
		}
		t := p.queue[0]
		p.queue = p.queue[1:]
		p.busy[idx] = true
		p.inflight[t.id] = t
		p.feeds[idx] <- t
	}
	metrics.WorkerQueueDepth.Set(float64(len(p.queue)))
}

func (p *Pool[In, Out]) idleWorkerLocked() (int, bool) {
	for i := 0; i < p.cfg.Workers; i++ {
		idx := (p.nextIdx + i) % p.cfg.Workers
		if !p.busy[idx] {
			p.nextIdx = (idx + 1) % p.cfg.Workers
			return idx, true
		}
	}
	return 0, false
}

func (p *Pool[In, Out]) runWorker(idx int) {
	defer func() {
		// A worker that dies outside normal task recovery is replaced
		// unless the pool is shutting down.
		if r := recover(); r != nil {
			p.logger.Error("worker crashed", "worker", idx, "panic", r)
			p.mu.Lock()
			closed := p.closed
			p.busy[idx] = false
			p.mu.Unlock()
			if !closed {
				go p.runWorker(idx)
				return
			}
		}
		p.wg.Done()
	}()

	for t := range p.feeds[idx] {
		res := p.runTask(t)
		t.done <- res

		p.mu.Lock()
		p.busy[idx] = false
		p.procs[idx]++
		delete(p.inflight, t.id)
		p.dispatchLocked()
		p.mu.Unlock()
	}
}

// runTask executes the handler, converting a panic into a task error so
// one bad packet cannot take a worker down.
func (p *Pool[In, Out]) runTask(t *task[In, Out]) (res Result[Out]) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task panicked", "taskId", t.id, "panic", r)
			res.Err = fmt.Errorf("workerpool: task panic: %v", r)
		}
	}()
	v, err := p.handler(t.ctx, t.data)
	return Result[Out]{Value: v, Err: err}
}

// QueueDepth reports tasks waiting for a worker.
func (p *Pool[In, Out]) QueueDepth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// InFlight reports tasks currently executing.
func (p *Pool[In, Out]) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inflight)
}

// Stats returns a per-worker snapshot.
func (p *Pool[In, Out]) Stats() []WorkerStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]WorkerStats, p.cfg.Workers)
	for i := range out {
		out[i] = WorkerStats{Busy: p.busy[i], Processed: p.procs[i]}
	}
	return out
}

// Shutdown rejects all queued tasks with ErrShutdown, lets in-flight
// tasks finish, and stops the workers.
func (p *Pool[In, Out]) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	queued := p.queue
	p.queue = nil
	metrics.WorkerQueueDepth.Set(0)
	for _, feed := range p.feeds {
		close(feed)
	}
	p.mu.Unlock()

	for _, t := range queued {
		t.done <- Result[Out]{Err: ErrShutdown}
	}
	p.wg.Wait()
}
