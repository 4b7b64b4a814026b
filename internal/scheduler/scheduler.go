// Package scheduler is the injectable capability the Secure Writer uses to
// arm, and best-effort cancel, its periodic signature task — kept as a
// capability rather than a thread the writer owns directly, per the
// specification's design note, so tests can swap in a manual clock.
package scheduler

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Handle represents one armed task. Cancel reports whether the task was
// stopped before it started running; if it returns false the task either
// already ran or is currently running.
type Handle interface {
	Cancel() bool
	// Wait blocks until a task that was already running (Cancel returned
	// false because it had started) finishes.
	Wait()
}

// Scheduler arms a one-shot task to run after d elapses.
type Scheduler interface {
	After(d time.Duration, fn func()) Handle
}

// timerScheduler is the default production Scheduler, backed by
// time.AfterFunc.
type timerScheduler struct{}

// NewTimerScheduler returns the default time.AfterFunc-backed Scheduler.
func NewTimerScheduler() Scheduler { return timerScheduler{} }

func (timerScheduler) After(d time.Duration, fn func()) Handle {
	h := &timerHandle{done: make(chan struct{})}
	h.timer = time.AfterFunc(d, func() {
		h.mu.Lock()
		h.running = true
		h.mu.Unlock()
		fn()
		close(h.done)
	})
	return h
}

type timerHandle struct {
	timer   *time.Timer
	mu      sync.Mutex
	running bool
	done    chan struct{}
}

func (h *timerHandle) Cancel() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return false
	}
	return h.timer.Stop()
}

func (h *timerHandle) Wait() {
	<-h.done
}

// cronScheduler represents a pending signature task as a removable
// robfig/cron entry rather than a bare timer, for deployments that already
// run a shared cron instance for other maintenance jobs and want the
// writer's signature task visible in the same scheduler. cron.Remove gives
// exactly the writer's "cancel before fire" semantic.
type cronScheduler struct {
	c *cron.Cron
}

// NewCronScheduler wraps a running *cron.Cron. The caller owns the cron
// instance's lifecycle (Start/Stop); this Scheduler only adds and removes
// one-shot entries on it.
func NewCronScheduler(c *cron.Cron) Scheduler {
	return &cronScheduler{c: c}
}

func (s *cronScheduler) After(d time.Duration, fn func()) Handle {
	h := &cronHandle{c: s.c, done: make(chan struct{})}
	fireAt := time.Now().Add(d)
	id := s.c.Schedule(onceAt(fireAt), cron.FuncJob(func() {
		h.mu.Lock()
		if h.cancelled {
			h.mu.Unlock()
			return
		}
		h.running = true
		h.mu.Unlock()
		fn()
		close(h.done)
	}))
	h.id = id
	return h
}

// onceAt is a cron.Schedule that fires exactly once, at t, then never again.
type onceAt time.Time

func (o onceAt) Next(t time.Time) time.Time {
	target := time.Time(o)
	if t.Before(target) {
		return target
	}
	// Already fired; cron calls Next again after running the job to find
	// the following occurrence. Push it to the extreme future (about 292
	// years out) so the job never runs again; the entry itself stays
	// registered on the cron instance after it fires.
	return target.Add((1 << 63) - 1)
}

type cronHandle struct {
	c         *cron.Cron
	id        cron.EntryID
	mu        sync.Mutex
	running   bool
	cancelled bool
	done      chan struct{}
}

func (h *cronHandle) Cancel() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return false
	}
	h.cancelled = true
	h.c.Remove(h.id)
	close(h.done)
	return true
}

func (h *cronHandle) Wait() {
	<-h.done
}

// Manual is a test double letting tests fire the armed task on demand
// instead of waiting on a real clock.
type Manual struct {
	mu      sync.Mutex
	pending []*manualHandle
}

// NewManual returns a Scheduler whose armed tasks only run when FireAll is
// called, so tests can assert on the IDLE/SCHEDULED/RUNNING state machine
// without sleeping.
func NewManual() *Manual {
	return &Manual{}
}

func (m *Manual) After(_ time.Duration, fn func()) Handle {
	h := &manualHandle{fn: fn, done: make(chan struct{})}
	m.mu.Lock()
	m.pending = append(m.pending, h)
	m.mu.Unlock()
	return h
}

// Pending reports how many armed-but-not-yet-fired-or-cancelled tasks
// remain.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, h := range m.pending {
		h.mu.Lock()
		if !h.cancelled && !h.fired {
			n++
		}
		h.mu.Unlock()
	}
	return n
}

// FireAll runs every pending, non-cancelled task synchronously, in arming
// order.
func (m *Manual) FireAll() {
	m.mu.Lock()
	pending := append([]*manualHandle(nil), m.pending...)
	m.pending = nil
	m.mu.Unlock()

	for _, h := range pending {
		h.mu.Lock()
		if h.cancelled {
			h.mu.Unlock()
			continue
		}
		h.running = true
		fn := h.fn
		h.mu.Unlock()

		fn()

		h.mu.Lock()
		h.fired = true
		h.mu.Unlock()
		close(h.done)
	}
}

type manualHandle struct {
	fn        func()
	mu        sync.Mutex
	running   bool
	fired     bool
	cancelled bool
	done      chan struct{}
}

func (h *manualHandle) Cancel() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running || h.fired {
		return false
	}
	h.cancelled = true
	close(h.done)
	return true
}

func (h *manualHandle) Wait() {
	<-h.done
}
