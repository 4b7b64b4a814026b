// Package buffering decorates any sink.Sink, converting its Publish into a
// bounded, asynchronously flushed operation with size/time triggers and
// at-most-one-flush-in-flight, per spec.md §4.G.
package buffering

import (
	"context"
	"sync"
	"time"

	"github.com/sealedledger/assure/internal/sink"
	"github.com/sealedledger/assure/internal/svcerr"
)

// Options configures the wrapper. Enabled=false makes the wrapper a
// pass-through, per spec.md.
type Options struct {
	Enabled   bool
	MaxSize   int
	MaxTime   time.Duration
	Autoflush bool
}

// Queue is the injectable backlog the wrapper drains. The default is an
// in-process slice guarded by a mutex; a Redis-list-backed queue is
// also provided for multi-process fan-out.
type Queue interface {
	Push(item queued)
	// Drain removes and returns every currently queued item, in enqueue
	// order, or nil if the queue is empty.
	Drain() []queued
	Len() int
}

type queued struct {
	topic string
	event map[string]any
}

// Wrapper is a sink.Sink that buffers Publish calls in front of a
// downstream sink.Sink.
type Wrapper struct {
	downstream sink.Sink
	opts       Options
	queue      Queue

	mu          sync.Mutex
	flushing    bool
	firstQueued time.Time
	closed      bool
	timer       *time.Timer

	flushDone chan struct{} // closed and replaced each time a flush completes, for tests/Shutdown to wait on
}

var _ sink.Sink = (*Wrapper)(nil)

// New wraps downstream. If opts.Enabled is false, every sink.Sink method is
// a direct pass-through.
func New(downstream sink.Sink, opts Options) *Wrapper {
	return &Wrapper{
		downstream: downstream,
		opts:       opts,
		queue:      newMemoryQueue(),
		flushDone:  make(chan struct{}),
	}
}

// WithRedisQueue swaps the in-process queue for a Redis-list-backed one,
// grounded on the same redisstreams example's options style
// (WithAddr/WithPassword/WithDB/WithPrefix).
func WithRedisQueue(w *Wrapper, addr, password string, db int, prefix string) *Wrapper {
	w.queue = newRedisQueue(addr, password, db, prefix)
	return w
}

func (w *Wrapper) Configure(cfg map[string]any) error { return w.downstream.Configure(cfg) }

func (w *Wrapper) Startup(ctx context.Context) error { return w.downstream.Startup(ctx) }

// Shutdown stops accepting new publishes, drains the queue synchronously,
// then shuts the downstream.
func (w *Wrapper) Shutdown(ctx context.Context) error {
	w.mu.Lock()
	w.closed = true
	if w.timer != nil {
		w.timer.Stop()
	}
	for w.flushing {
		done := w.flushDone
		w.mu.Unlock()
		<-done
		w.mu.Lock()
	}
	w.mu.Unlock()

	if err := w.flushNow(ctx); err != nil {
		return err
	}
	return w.downstream.Shutdown(ctx)
}

// Publish enqueues and returns with the identifier the caller supplied (the
// upstream Audit Service has already assigned one). With Autoflush it
// returns immediately, a size-triggered flush running in the background;
// without Autoflush every Publish also flushes the backlog synchronously
// before returning. If buffering is disabled, Publish calls straight
// through.
func (w *Wrapper) Publish(ctx context.Context, topic string, event map[string]any) (sink.Result, error) {
	if !w.opts.Enabled {
		return w.downstream.Publish(ctx, topic, event)
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return sink.Result{}, svcerr.Unavailable("buffering: wrapper is shut down")
	}
	if w.queue.Len() == 0 {
		w.firstQueued = time.Now()
		if w.opts.MaxTime > 0 {
			w.armTimerLocked(ctx)
		}
	}
	w.queue.Push(queued{topic: topic, event: event})
	size := w.queue.Len()
	w.mu.Unlock()

	id, _ := event["_id"].(string)
	result := sink.Result{ID: id, Topic: topic, Fields: event}

	shouldFlush := (w.opts.MaxSize > 0 && size >= w.opts.MaxSize) || !w.opts.Autoflush
	if shouldFlush {
		if w.opts.Autoflush {
			go w.flushNow(ctx)
		} else {
			if err := w.flushNow(ctx); err != nil {
				return sink.Result{}, err
			}
		}
	}
	return result, nil
}

func (w *Wrapper) armTimerLocked(ctx context.Context) {
	w.timer = time.AfterFunc(w.opts.MaxTime, func() {
		_ = w.flushNow(ctx)
	})
}

// flushNow drains the queue and dispatches every item to downstream in
// enqueue order, enforcing at-most-one-flush-in-flight.
func (w *Wrapper) flushNow(ctx context.Context) error {
	w.mu.Lock()
	if w.flushing {
		w.mu.Unlock()
		return nil
	}
	w.flushing = true
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.flushing = false
		close(w.flushDone)
		w.flushDone = make(chan struct{})
		w.mu.Unlock()
	}()

	items := w.queue.Drain()
	var firstErr error
	for _, item := range items {
		if _, err := w.downstream.Publish(ctx, item.topic, item.event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Flush forces a synchronous drain of whatever is currently queued,
// respecting at-most-one-flush-in-flight (a concurrent autoflush already in
// progress is waited on rather than duplicated).
func (w *Wrapper) Flush(ctx context.Context) error {
	w.mu.Lock()
	inFlight := w.flushing
	done := w.flushDone
	w.mu.Unlock()
	if inFlight {
		<-done
		return nil
	}
	err := w.flushNow(ctx)
	// flushNow returns at once if another flush claimed the slot after the
	// check above; wait for that one too.
	w.mu.Lock()
	inFlight = w.flushing
	done = w.flushDone
	w.mu.Unlock()
	if inFlight {
		<-done
	}
	return err
}

func (w *Wrapper) Read(ctx context.Context, topic, id string) (sink.Result, error) {
	return w.downstream.Read(ctx, topic, id)
}

func (w *Wrapper) Query(ctx context.Context, topic string, filter sink.Filter, handler sink.Handler) (sink.QuerySummary, error) {
	return w.downstream.Query(ctx, topic, filter, handler)
}
