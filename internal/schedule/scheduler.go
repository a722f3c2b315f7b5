// Package schedule runs recurring tasks on a fixed-size worker pool.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/btree"
	"github.com/rs/zerolog/log"
)

// ErrStop is returned by a task to cancel its own recurrence.
var ErrStop = errors.New("schedule: stop")

// Func is a scheduled unit of work.
type Func func(ctx context.Context) error

// Handle controls one scheduled task.
type Handle struct {
	name     string
	canceled atomic.Bool
}

// Name returns the task name.
func (h *Handle) Name() string { return h.name }

// Cancel stops future runs. A run already in progress completes.
func (h *Handle) Cancel() { h.canceled.Store(true) }

// Canceled reports whether the task will run again.
func (h *Handle) Canceled() bool { return h.canceled.Load() }

type task struct {
	handle *Handle
	fn     Func
	delay  time.Duration
	next   time.Time
	seq    uint64
}

func taskLess(a, b *task) bool {
	if !a.next.Equal(b.next) {
		return a.next.Before(b.next)
	}
	return a.seq < b.seq
}

// Scheduler dispatches due tasks, earliest first, to a fixed number of
// workers. When every worker is busy due tasks wait.
type Scheduler struct {
	name    string
	workers int

	mu    sync.Mutex
	queue *btree.BTreeG[*task]
	seq   uint64
	wake  chan struct{}

	running atomic.Int64
}

// New returns a scheduler with the given number of workers.
func New(name string, workers int) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	return &Scheduler{
		name:    name,
		workers: workers,
		queue:   btree.NewG(8, taskLess),
		wake:    make(chan struct{}, 1),
	}
}

// ScheduleWithFixedDelay runs fn after initial, then again delay after
// each run completes, until the handle is canceled or fn returns ErrStop.
// Other errors are logged and do not stop recurrence.
func (s *Scheduler) ScheduleWithFixedDelay(name string, initial, delay time.Duration, fn Func) *Handle {
	h := &Handle{name: name}
	s.push(&task{handle: h, fn: fn, delay: delay, next: time.Now().Add(initial)})
	return h
}

func (s *Scheduler) push(t *task) {
	s.mu.Lock()
	s.seq++
	t.seq = s.seq
	s.queue.ReplaceOrInsert(t)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Pending returns the number of queued tasks, excluding running ones.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// Running returns the number of tasks currently executing.
func (s *Scheduler) Running() int {
	return int(s.running.Load())
}

// Run dispatches tasks until ctx is canceled, then waits for running
// tasks to return.
func (s *Scheduler) Run(ctx context.Context) error {
	ready := make(chan *task)
	var wg sync.WaitGroup
	for i := 0; i < s.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case t := <-ready:
					s.execute(ctx, t)
				}
			}
		}()
	}

	log.Debug().Str("scheduler", s.name).Int("workers", s.workers).Msg("Scheduler started")
	s.dispatch(ctx, ready)
	wg.Wait()
	log.Debug().Str("scheduler", s.name).Msg("Scheduler stopped")
	return nil
}

func (s *Scheduler) dispatch(ctx context.Context, ready chan<- *task) {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		s.mu.Lock()
		next, ok := s.queue.Min()
		s.mu.Unlock()

		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-s.wake:
				continue
			}
		}

		if wait := time.Until(next.next); wait > 0 {
			timer.Reset(wait)
			select {
			case <-ctx.Done():
				return
			case <-s.wake:
			case <-timer.C:
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			continue
		}

		s.mu.Lock()
		s.queue.Delete(next)
		s.mu.Unlock()
		if next.handle.Canceled() {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case ready <- next:
		}
	}
}

func (s *Scheduler) execute(ctx context.Context, t *task) {
	s.running.Add(1)
	err := s.safeRun(ctx, t)
	s.running.Add(-1)

	switch {
	case errors.Is(err, ErrStop):
		t.handle.Cancel()
		log.Debug().Str("scheduler", s.name).Str("task", t.handle.name).Msg("Task stopped itself")
		return
	case err != nil:
		log.Warn().Err(err).Str("scheduler", s.name).Str("task", t.handle.name).Msg("Scheduled task failed")
	}

	if t.handle.Canceled() || ctx.Err() != nil {
		return
	}
	t.next = time.Now().Add(t.delay)
	s.push(t)
}

func (s *Scheduler) safeRun(ctx context.Context, t *task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("scheduler", s.name).
				Str("task", t.handle.name).
				Str("stack", string(debug.Stack())).
				Msgf("Scheduled task panicked: %v", r)
			err = fmt.Errorf("task %s panicked: %v", t.handle.name, r)
		}
	}()
	return t.fn(ctx)
}
