// Package walker implements the fingerprint-memoized driver: it wraps a
// Scheduler and decides, per vertex, whether to run the real job, skip it
// because nothing changed, or force-fail it because a predecessor
// already failed.
package walker

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/buildgraph/engine/internal/dag"
	"github.com/buildgraph/engine/internal/fingerprint"
	"github.com/buildgraph/engine/internal/job"
	"github.com/buildgraph/engine/internal/scheduler"
	"github.com/buildgraph/engine/internal/status"
	"github.com/buildgraph/engine/internal/telemetry"
)

// ActionProvider supplies the two domain-specific decisions a Walker
// cannot make on its own: how to build the real job for a vertex that
// must run, and whether a notready job should be requeued.
type ActionProvider interface {
	// CreateJob builds the job to dispatch for a vertex whose predecessors
	// are all ok and whose action must actually execute.
	CreateJob(uid string, data any, predecessors []string, notifyEnd func(string)) *job.Job

	// RequestRequeue is consulted only when a job finishes with status
	// notready; its return value is passed straight back to the scheduler.
	RequestRequeue(j *job.Job) bool
}

// FingerprintFunc predicts or computes a vertex's fingerprint.
// isPrediction is true when called from GetJob, before the job has run;
// false when called from Collect, after a non-failing completion.
// predecessorFingerprints holds each predecessor's own new fingerprint
// (nil if that predecessor's couldn't be predicted), so a fingerprint can
// fold in its upstream state: a digest of this vertex's inputs union its
// predecessors' fingerprints. A nil result means
// "cannot be known in advance", which forces a run.
//
// The default FingerprintFunc always returns nil, meaning fingerprints
// are unused and every action always runs.
type FingerprintFunc func(uid string, data any, predecessorFingerprints map[string][]byte, isPrediction bool) ([]byte, error)

func defaultFingerprintFunc(string, any, map[string][]byte, bool) ([]byte, error) { return nil, nil }

// EventPublisher is the optional fan-out hook for external dashboards
// following a run live. A no-op default is used if none is configured.
type EventPublisher interface {
	PublishCompletion(ctx context.Context, uid string, st status.Status)
}

type noopPublisher struct{}

func (noopPublisher) PublishCompletion(context.Context, string, status.Status) {}

// Walker drives actions to completion via a Scheduler it owns,
// memoizing fingerprints across runs in fp.
type Walker struct {
	actions  *dag.DAG
	provider ActionProvider
	fp       fingerprint.Store
	compute  FingerprintFunc

	queues     map[string]int
	jobTimeout time.Duration

	recorder  *telemetry.Recorder
	publisher EventPublisher

	mu             sync.Mutex
	newFingerprint map[string][]byte
	predecessorsOf map[string][]string
	jobStatus      map[string]status.Status
	failureOrigins map[string]map[string]struct{}

	sched *scheduler.Scheduler
}

// Option configures a Walker at construction.
type Option func(*Walker)

// WithQueues overrides the default single "default" queue of one token.
func WithQueues(queues map[string]int) Option {
	return func(w *Walker) { w.queues = queues }
}

// WithJobTimeout overrides the default 24-hour per-job timeout.
func WithJobTimeout(d time.Duration) Option {
	return func(w *Walker) { w.jobTimeout = d }
}

// WithFingerprintFunc installs the domain-specific fingerprint
// prediction/computation function.
func WithFingerprintFunc(f FingerprintFunc) Option {
	return func(w *Walker) { w.compute = f }
}

// WithRecorder attaches telemetry: one duration/outcome metric pair per
// completed job; no trace span is started. Purely observational --
// omitting it changes no control flow.
func WithRecorder(r *telemetry.Recorder) Option {
	return func(w *Walker) { w.recorder = r }
}

// WithPublisher attaches an event fan-out hook, invoked once per job
// completion. Purely observational -- omitting it changes no control
// flow.
func WithPublisher(p EventPublisher) Option {
	return func(w *Walker) { w.publisher = p }
}

// New constructs a Walker over actions. provider supplies the
// domain-specific job creation and requeue decisions.
func New(actions *dag.DAG, fp fingerprint.Store, provider ActionProvider, opts ...Option) *Walker {
	w := &Walker{
		actions:        actions,
		provider:       provider,
		fp:             fp,
		compute:        defaultFingerprintFunc,
		queues:         map[string]int{"default": 1},
		jobTimeout:     24 * time.Hour,
		publisher:      noopPublisher{},
		newFingerprint: make(map[string][]byte),
		predecessorsOf: make(map[string][]string),
		jobStatus:      make(map[string]status.Status),
		failureOrigins: make(map[string]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run drives the whole DAG to completion, as spec'd: build a Scheduler
// around GetJob/Collect, then iterate actions with BUSY state enabled
// until every vertex has been visited.
func (w *Walker) Run(ctx context.Context) error {
	w.sched = scheduler.New(w.GetJob, w.Collect,
		scheduler.WithQueues(w.queues),
		scheduler.WithJobTimeout(w.jobTimeout),
		scheduler.WithRecorder(w.recorder),
	)
	return w.sched.Run(ctx, w.actions)
}

// JobStatus returns the final status recorded for uid, or
// status.Unknown if the vertex hasn't completed (or doesn't exist).
func (w *Walker) JobStatus(uid string) status.Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	if st, ok := w.jobStatus[uid]; ok {
		return st
	}
	return status.Unknown
}

// GetJob is the scheduler.Provider: it implements the per-vertex decision
// procedure.
func (w *Walker) GetJob(uid string, data any, predecessors []string, notifyEnd func(string)) *job.Job {
	ctx := context.Background()

	prevFP, _, err := w.fp.Load(ctx, uid)
	if err != nil {
		slog.Warn("fingerprint load failed, treating as absent", "uid", uid, "error", err)
		prevFP = nil
	}
	// Erase the persisted fingerprint immediately: a crashed/aborted run
	// must never leave a stale positive for the next invocation.
	if err := w.fp.Delete(ctx, uid); err != nil {
		slog.Warn("fingerprint delete failed", "uid", uid, "error", err)
	}

	var failedPredecessors []string
	anyPredecessorFPUnknown := false
	predFPs := make(map[string][]byte, len(predecessors))
	w.mu.Lock()
	w.predecessorsOf[uid] = predecessors
	for _, k := range predecessors {
		if st, ok := w.jobStatus[k]; ok && !status.PredecessorOK(st) {
			failedPredecessors = append(failedPredecessors, k)
		}
		fp := w.newFingerprint[k]
		predFPs[k] = fp
		if fp == nil {
			anyPredecessorFPUnknown = true
		}
	}
	w.mu.Unlock()

	newFP, err := w.compute(uid, data, predFPs, true)
	if err != nil {
		slog.Warn("fingerprint prediction failed, forcing execution", "uid", uid, "error", err)
		newFP = nil
	}

	w.mu.Lock()
	w.newFingerprint[uid] = newFP
	w.mu.Unlock()

	if len(failedPredecessors) > 0 {
		origins := make(map[string]struct{})
		w.mu.Lock()
		for _, k := range failedPredecessors {
			if o, ok := w.failureOrigins[k]; ok && len(o) > 0 {
				for id := range o {
					origins[id] = struct{}{}
				}
			} else {
				origins[k] = struct{}{}
			}
		}
		w.failureOrigins[uid] = origins
		w.mu.Unlock()

		return job.NewEmpty(uid, data, notifyEnd, status.ForceFail)
	}

	if w.shouldExecuteAction(prevFP, newFP, anyPredecessorFPUnknown) {
		return w.provider.CreateJob(uid, data, predecessors, notifyEnd)
	}
	return job.NewEmpty(uid, data, notifyEnd, status.Skip)
}

// shouldExecuteAction runs the action unless both fingerprints are known,
// every predecessor's predicted fingerprint is known, and the fingerprint
// hasn't changed.
func (w *Walker) shouldExecuteAction(prev, next []byte, anyPredecessorFPUnknown bool) bool {
	if prev == nil || next == nil {
		return true
	}
	if anyPredecessorFPUnknown {
		return true
	}
	return !bytes.Equal(prev, next)
}

// savesFingerprint reports which terminal statuses are worth persisting a
// fingerprint for -- the same set status.PredecessorOK accepts.
func savesFingerprint(st status.Status) bool {
	switch st {
	case status.Success, status.Skip, status.ForceSkip, status.Unchanged:
		return true
	default:
		return false
	}
}

// Collect is the scheduler.Collect: it implements the post-execution
// bookkeeping -- saving a fingerprint, recording a failure origin, and
// deciding whether a notready job gets requeued.
func (w *Walker) Collect(j *job.Job) bool {
	ctx := context.Background()
	st := j.Status()

	if w.recorder != nil {
		w.recorder.RecordCompletion(ctx, st.String(), j.TimingInfo().Duration)
	}
	w.publisher.PublishCompletion(ctx, j.UID, st)

	if savesFingerprint(st) {
		w.mu.Lock()
		predFPs := make(map[string][]byte, len(w.predecessorsOf[j.UID]))
		for _, k := range w.predecessorsOf[j.UID] {
			predFPs[k] = w.newFingerprint[k]
		}
		w.mu.Unlock()

		finalFP, err := w.compute(j.UID, j.Data, predFPs, false)
		if err != nil {
			slog.Warn("final fingerprint computation failed, next run will re-execute", "uid", j.UID, "error", err)
		} else if err := w.fp.Save(ctx, j.UID, finalFP); err != nil {
			slog.Warn("fingerprint save failed, next run will re-execute", "uid", j.UID, "error", err)
		}
	}

	if st == status.Failure || st == status.Missing || st == status.Unknown {
		w.mu.Lock()
		w.failureOrigins[j.UID] = map[string]struct{}{j.UID: {}}
		w.mu.Unlock()
	}

	w.mu.Lock()
	w.jobStatus[j.UID] = st
	w.mu.Unlock()

	if j.ShouldSkip() {
		if st != status.ForceFail && st != status.ForceSkip {
			w.logCompletion(j, st)
		}
		return false
	}

	w.logCompletion(j, st)

	if st == status.NotReady {
		return w.provider.RequestRequeue(j)
	}
	return false
}

func (w *Walker) logCompletion(j *job.Job, st status.Status) {
	d := j.TimingInfo().Duration
	slog.Info(fmt.Sprintf("[queue=%-10s status=%3d time=%5ds] %v", j.Queue, int(st), int(d.Seconds()), j.Data))
}
