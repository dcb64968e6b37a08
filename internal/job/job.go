// Package job implements the unit-of-work model shared by the scheduler
// and the walker: a uid, an opaque payload, a status, timing information,
// and the skip/priority/token metadata the scheduler dispatches on.
package job

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/buildgraph/engine/internal/status"
)

var insertionCounter atomic.Int64

// nextInsertionIndex returns a process-wide monotonically increasing
// index, used to break priority ties in FIFO-by-insertion order.
func nextInsertionIndex() int64 {
	return insertionCounter.Add(1) - 1
}

// TimingInfo is a snapshot of a job's start/stop times and duration.
type TimingInfo struct {
	Start    time.Time
	Stop     time.Time
	Duration time.Duration
}

// Runner is implemented by a job's concrete variant. Run performs the
// job's work; Interrupt requests early termination and must be idempotent,
// returning true only the first time it actually flips the job's state.
type Runner interface {
	Run() (status.Status, error)
	Interrupt() bool
}

// Job is the scheduler/walker-visible handle for one unit of work: its
// identity, scheduling metadata, and timing/status, guarded by a per-job
// lock since the driver goroutine and the worker goroutine running its
// body both touch it.
type Job struct {
	UID   string
	Data  any
	Queue string
	Tokens int
	Priority int
	InsertionIndex int64

	runner   Runner
	notifyEnd func(uid string)

	mu          sync.Mutex
	slot        int
	started     bool
	interrupted bool
	shouldSkip  bool
	status      status.Status
	startTime   time.Time
	stopTime    time.Time
}

// Option configures a Job at construction.
type Option func(*Job)

// WithQueue sets the job's target queue (default "default").
func WithQueue(name string) Option {
	return func(j *Job) { j.Queue = name }
}

// WithTokens sets the job's token cost (default 1).
func WithTokens(n int) Option {
	return func(j *Job) { j.Tokens = n }
}

// WithPriority sets the job's priority; higher runs first (default 0).
func WithPriority(p int) Option {
	return func(j *Job) { j.Priority = p }
}

// New constructs a Job around runner, assigning it the next global
// insertion index under the package-wide counter. notifyEnd is called
// exactly once, from whatever goroutine runs the job's body, when it
// finishes.
func New(uid string, data any, runner Runner, notifyEnd func(uid string), opts ...Option) *Job {
	j := &Job{
		UID:            uid,
		Data:           data,
		Queue:          "default",
		Tokens:         1,
		Priority:       0,
		InsertionIndex: nextInsertionIndex(),
		runner:         runner,
		notifyEnd:      notifyEnd,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// ShouldSkip reports whether the scheduler should skip calling Start and
// deliver this job straight to collect with its preset status.
func (j *Job) ShouldSkip() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.shouldSkip
}

// Status returns the job's current (possibly preset) status.
func (j *Job) Status() status.Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

func (j *Job) setStatus(s status.Status) {
	j.mu.Lock()
	j.status = s
	j.mu.Unlock()
}

// Interrupted reports whether Interrupt has been called.
func (j *Job) Interrupted() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.interrupted
}

// Slot returns the slot number assigned at Start.
func (j *Job) Slot() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.slot
}

// TimingInfo returns a snapshot of the job's timing. Duration is measured
// against now if the job has started but not yet stopped, and is zero if
// it has never started.
func (j *Job) TimingInfo() TimingInfo {
	j.mu.Lock()
	start, stop := j.startTime, j.stopTime
	j.mu.Unlock()

	if start.IsZero() {
		return TimingInfo{}
	}
	end := stop
	if end.IsZero() {
		end = time.Now()
	}
	return TimingInfo{Start: start, Stop: end, Duration: end.Sub(start)}
}

// Start launches the job's body on its own goroutine. It records start
// time, skips the body if the job was already interrupted before it ran,
// always records stop time, and always calls notifyEnd exactly once, even
// if the body panics.
func (j *Job) Start(slot int) {
	j.mu.Lock()
	j.slot = slot
	j.started = true
	j.mu.Unlock()

	go func() {
		j.mu.Lock()
		j.startTime = time.Now()
		j.stopTime = time.Time{}
		alreadyInterrupted := j.interrupted
		j.mu.Unlock()

		defer func() {
			recover()
			j.mu.Lock()
			j.stopTime = time.Now()
			j.mu.Unlock()
			j.notifyEnd(j.UID)
		}()

		if !alreadyInterrupted {
			s, _ := j.runner.Run()
			j.setStatus(s)
		}
	}()
}

// Interrupt asks the job's runner to stop. It returns true only the first
// time it is called for this job.
func (j *Job) Interrupt() bool {
	j.mu.Lock()
	already := j.interrupted
	j.interrupted = true
	j.mu.Unlock()
	if already {
		return false
	}
	if j.runner != nil {
		j.runner.Interrupt()
	}
	return true
}
