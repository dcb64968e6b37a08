// Package scheduler dispatches a DAG's ready vertices as Jobs across
// named, token-budgeted queues, respecting priority, per-job timeouts,
// requeue requests, and cancellation.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/buildgraph/engine/internal/dag"
	"github.com/buildgraph/engine/internal/job"
	"github.com/buildgraph/engine/internal/telemetry"
)

// Provider constructs the Job for a ready vertex. It must arrange for
// notifyEnd(uid) to be called exactly once when the job finishes -- the
// base Job implementation does this automatically for jobs started via
// Job.Start.
type Provider func(uid string, payload any, predecessors []string, notifyEnd func(string)) *job.Job

// Collect inspects a finished job and records its result. Returning true
// requests that the job be requeued rather than marked complete.
type Collect func(*job.Job) bool

// ErrTokensExceedCapacity is returned by Run if a job requests more tokens
// than its queue's total capacity -- such a job would block forever, so
// construction fails loudly instead of hanging silently.
type ErrTokensExceedCapacity struct {
	UID, Queue       string
	Tokens, Capacity int
}

func (e *ErrTokensExceedCapacity) Error() string {
	return fmt.Sprintf("job %s requests %d tokens on queue %q (capacity %d): would never run", e.UID, e.Tokens, e.Queue, e.Capacity)
}

const minWait = 100 * time.Millisecond

// Scheduler is the token-budgeted driver over a DAG's ready set. It owns a
// DAG iterator and advances it strictly from the single goroutine that
// calls Run.
type Scheduler struct {
	provider Provider
	collect  Collect

	queueCapacity map[string]int
	queueTokens   map[string]int
	queueHeap     map[string]*priorityQueue

	jobTimeout time.Duration // 0 disables timeouts
	recorder   *telemetry.Recorder

	it          *dag.Iterator
	active      []*job.Job
	queuedJobs  int
	slots       []int
	completions chan string

	startTime, stopTime time.Time
	maxActiveJobs        int
}

// Option configures a Scheduler at construction.
type Option func(*Scheduler)

// WithQueues sets the named queues and their token capacities. Without
// this option a single "default" queue of 1 token is used.
func WithQueues(queues map[string]int) Option {
	return func(s *Scheduler) {
		s.queueCapacity = make(map[string]int, len(queues))
		for k, v := range queues {
			s.queueCapacity[k] = v
		}
	}
}

// WithJobTimeout sets the maximum wall-clock duration for a single job. A
// zero duration disables timeouts (the wait phase then blocks
// indefinitely, per spec, which also makes it non-interruptible by
// deadline -- cancellation via ctx still works).
func WithJobTimeout(d time.Duration) Option {
	return func(s *Scheduler) { s.jobTimeout = d }
}

// WithRecorder attaches telemetry. Omit to get a working no-op.
func WithRecorder(r *telemetry.Recorder) Option {
	return func(s *Scheduler) { s.recorder = r }
}

// New constructs a Scheduler. provider and collect are required.
func New(provider Provider, collect Collect, opts ...Option) *Scheduler {
	s := &Scheduler{
		provider:      provider,
		collect:       collect,
		queueCapacity: map[string]int{"default": 1},
		jobTimeout:    24 * time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Scheduler) initState(d *dag.DAG) {
	s.queueTokens = make(map[string]int, len(s.queueCapacity))
	s.queueHeap = make(map[string]*priorityQueue, len(s.queueCapacity))
	total := 0
	for name, capacity := range s.queueCapacity {
		s.queueTokens[name] = capacity
		s.queueHeap[name] = newPriorityQueue()
		total += capacity
	}
	s.slots = make([]int, total)
	for i := range s.slots {
		s.slots[i] = total - 1 - i // pop() below takes from the end; order is irrelevant, just uniqueness
	}

	s.active = nil
	s.queuedJobs = 0
	s.completions = make(chan string, total+1)
	s.it = d.NewIterator(true)
	s.startTime = time.Now()
	s.stopTime = time.Time{}
	s.maxActiveJobs = 0
}

func (s *Scheduler) isFinished(exhausted bool) bool {
	return exhausted && s.queuedJobs == 0 && len(s.active) == 0
}

// Run drives d to completion: it builds a busy-state iterator, then loops
// enqueue/launch/wait until every vertex has been visited. If ctx is
// cancelled, every active job is interrupted and collected before Run
// returns ctx.Err().
func (s *Scheduler) Run(ctx context.Context, d *dag.DAG) error {
	s.initState(d)
	exhausted := false

	for !s.isFinished(exhausted) {
		select {
		case <-ctx.Done():
			s.cancelAll()
			return ctx.Err()
		default:
		}

		var err error
		exhausted, err = s.enqueue()
		if err != nil {
			return err
		}
		s.launch()
		if len(s.active) > s.maxActiveJobs {
			s.maxActiveJobs = len(s.active)
		}

		if err := s.wait(ctx); err != nil {
			s.cancelAll()
			return err
		}
	}
	s.stopTime = time.Now()
	return nil
}

// enqueue pulls every currently-ready vertex from the iterator. Jobs that
// should be skipped are collected immediately without ever being
// dispatched; everything else is pushed onto its queue's priority heap.
// It returns true once the iterator is exhausted.
func (s *Scheduler) enqueue() (exhausted bool, err error) {
	for {
		uid, payload, preds, st := s.it.Next()
		switch st {
		case dag.Exhausted:
			return true, nil
		case dag.NoneReady:
			return false, nil
		}

		j := s.provider(uid, payload, preds, func(uid string) { s.completions <- uid })

		capacity, ok := s.queueCapacity[j.Queue]
		if !ok {
			capacity = 0
		}
		if j.Tokens > capacity {
			return false, &ErrTokensExceedCapacity{UID: uid, Queue: j.Queue, Tokens: j.Tokens, Capacity: capacity}
		}

		if j.ShouldSkip() {
			s.collect(j)
			s.it.Leave(uid)
			continue
		}

		s.queueHeap[j.Queue].push(j)
		s.queuedJobs++
	}
}

// launch starts jobs whose queue currently has enough free tokens,
// independently per queue, in priority order within each queue.
func (s *Scheduler) launch() {
	if s.queuedJobs == 0 {
		return
	}
	names := make([]string, 0, len(s.queueHeap))
	for name := range s.queueHeap {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		q := s.queueHeap[name]
		for {
			head := q.peek()
			if head == nil || head.Tokens > s.queueTokens[name] {
				break
			}
			next := q.pop()
			slot := s.popSlot()
			next.Start(slot)
			s.queueTokens[name] -= next.Tokens
			s.queuedJobs--
			s.active = append(s.active, next)
		}
	}
}

func (s *Scheduler) popSlot() int {
	n := len(s.slots)
	slot := s.slots[n-1]
	s.slots = s.slots[:n-1]
	return slot
}

func (s *Scheduler) pushSlot(slot int) {
	s.slots = append(s.slots, slot)
}

// wait blocks for the next completion notification, bounded by the oldest
// active job's remaining timeout budget. On a real completion it collects
// the job and either requeues it or marks its vertex Visited. On timeout
// expiry it interrupts the oldest active job and returns without having
// consumed a completion -- the interrupted job's own completion message
// will arrive on a subsequent call.
func (s *Scheduler) wait(ctx context.Context) error {
	if len(s.active) == 0 {
		return nil
	}

	var timer *time.Timer
	if s.jobTimeout > 0 {
		remaining := s.jobTimeout
		if start := s.active[0].TimingInfo().Start; !start.IsZero() {
			remaining -= time.Since(start)
		}
		if remaining < minWait {
			remaining = minWait
		}
		timer = time.NewTimer(remaining)
		defer timer.Stop()
	}

	var timeoutCh <-chan time.Time
	if timer != nil {
		timeoutCh = timer.C
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case uid := <-s.completions:
		s.onCompletion(uid)
		return nil
	case <-timeoutCh:
		slog.Debug("job timed out, interrupting oldest active job", "uid", s.active[0].UID)
		s.active[0].Interrupt()
		return nil
	}
}

func (s *Scheduler) onCompletion(uid string) {
	idx := -1
	for i, j := range s.active {
		if j.UID == uid {
			idx = i
			break
		}
	}
	if idx == -1 {
		return
	}
	j := s.active[idx]
	s.pushSlot(j.Slot())
	s.queueTokens[j.Queue] += j.Tokens

	if s.collect(j) {
		s.queueHeap[j.Queue].push(j)
		s.queuedJobs++
	} else {
		s.it.Leave(j.UID)
	}

	s.active = append(s.active[:idx], s.active[idx+1:]...)
}

// cancelAll interrupts and collects every active job, used when Run's
// context is cancelled.
func (s *Scheduler) cancelAll() {
	for _, j := range s.active {
		j.Interrupt()
		s.collect(j)
	}
	s.active = nil
}

// MaxActiveJobs returns the high-watermark of concurrently active jobs
// observed during the most recent Run.
func (s *Scheduler) MaxActiveJobs() int { return s.maxActiveJobs }
