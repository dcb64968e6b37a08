package walker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/buildgraph/engine/internal/dag"
	"github.com/buildgraph/engine/internal/fingerprint"
	"github.com/buildgraph/engine/internal/job"
	"github.com/buildgraph/engine/internal/status"
)

// recordingProvider runs fn for every uid it's asked to build a job for,
// and counts how many times each uid actually ran.
type recordingProvider struct {
	mu      sync.Mutex
	runs    map[string]int
	fn      func(uid string) (status.Status, error)
	requeue map[string]int // remaining allowed requeues per uid
}

func newRecordingProvider(fn func(uid string) (status.Status, error)) *recordingProvider {
	return &recordingProvider{runs: map[string]int{}, fn: fn, requeue: map[string]int{}}
}

func (p *recordingProvider) CreateJob(uid string, data any, predecessors []string, notifyEnd func(string)) *job.Job {
	return job.NewFunc(uid, data, func(ctx context.Context) (status.Status, error) {
		p.mu.Lock()
		p.runs[uid]++
		p.mu.Unlock()
		return p.fn(uid)
	}, notifyEnd)
}

func (p *recordingProvider) RequestRequeue(j *job.Job) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.requeue[j.UID] > 0 {
		p.requeue[j.UID]--
		return true
	}
	return false
}

func (p *recordingProvider) runCount(uid string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.runs[uid]
}

func TestForceFailPropagatesTransitively(t *testing.T) {
	// S2: a -> b, b -> c, b -> d. b fails; c and d must force-fail and
	// never run.
	d := dag.New()
	must := func(err error) {
		if err != nil {
			t.Fatal(err)
		}
	}
	must(d.AddVertex("a", nil, nil))
	must(d.AddVertex("b", nil, []dag.ID{"a"}))
	must(d.AddVertex("c", nil, []dag.ID{"b"}))
	must(d.AddVertex("d", nil, []dag.ID{"b"}))

	provider := newRecordingProvider(func(uid string) (status.Status, error) {
		if uid == "b" {
			return status.Failure, nil
		}
		return status.Success, nil
	})

	w := New(d, fingerprint.NewMemStore(), provider)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.Run(ctx); err != nil {
		t.Fatal(err)
	}

	if w.JobStatus("a") != status.Success {
		t.Errorf("a: got %v, want Success", w.JobStatus("a"))
	}
	if w.JobStatus("b") != status.Failure {
		t.Errorf("b: got %v, want Failure", w.JobStatus("b"))
	}
	if w.JobStatus("c") != status.ForceFail {
		t.Errorf("c: got %v, want ForceFail", w.JobStatus("c"))
	}
	if w.JobStatus("d") != status.ForceFail {
		t.Errorf("d: got %v, want ForceFail", w.JobStatus("d"))
	}
	if provider.runCount("c") != 0 || provider.runCount("d") != 0 {
		t.Fatalf("c and d must never run: counts c=%d d=%d", provider.runCount("c"), provider.runCount("d"))
	}
}

func TestNotReadyRequeuedUpToLimit(t *testing.T) {
	// S3: x returns notready once, then success; walker allows up to 2
	// requeues and collect runs twice total.
	d := dag.New()
	if err := d.AddVertex("x", nil, nil); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	attempt := 0
	provider := newRecordingProvider(func(uid string) (status.Status, error) {
		mu.Lock()
		attempt++
		a := attempt
		mu.Unlock()
		if a == 1 {
			return status.NotReady, nil
		}
		return status.Success, nil
	})
	provider.requeue["x"] = 2

	w := New(d, fingerprint.NewMemStore(), provider)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.Run(ctx); err != nil {
		t.Fatal(err)
	}

	if w.JobStatus("x") != status.Success {
		t.Fatalf("got %v, want Success", w.JobStatus("x"))
	}
	if provider.runCount("x") != 2 {
		t.Fatalf("expected x to run exactly twice, ran %d times", provider.runCount("x"))
	}
}

func TestFingerprintSkipAcrossRuns(t *testing.T) {
	// S4: a -> b. Identical inputs on run 2 materialize both as skip
	// without ever invoking CreateJob. Changing a's input re-executes
	// both a and b, since b's fingerprint depends on a's.
	d := dag.New()
	if err := d.AddVertex("a", nil, nil); err != nil {
		t.Fatal(err)
	}
	if err := d.AddVertex("b", nil, []dag.ID{"a"}); err != nil {
		t.Fatal(err)
	}

	input := map[string]string{"a": "v1", "b": "v1"}
	var mu sync.Mutex

	fpFunc := func(uid string, data any, predecessorFingerprints map[string][]byte, isPrediction bool) ([]byte, error) {
		mu.Lock()
		defer mu.Unlock()
		digest := uid + ":" + input[uid]
		for _, pfp := range predecessorFingerprints {
			digest += "|" + string(pfp)
		}
		return []byte(digest), nil
	}

	store := fingerprint.NewMemStore()
	provider := newRecordingProvider(func(uid string) (status.Status, error) { return status.Success, nil })

	run := func() *Walker {
		w := New(d, store, provider, WithFingerprintFunc(fpFunc))
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := w.Run(ctx); err != nil {
			t.Fatal(err)
		}
		return w
	}

	w1 := run()
	if w1.JobStatus("a") != status.Success || w1.JobStatus("b") != status.Success {
		t.Fatalf("run 1: a=%v b=%v, want both Success", w1.JobStatus("a"), w1.JobStatus("b"))
	}

	w2 := run()
	if w2.JobStatus("a") != status.Skip || w2.JobStatus("b") != status.Skip {
		t.Fatalf("run 2: a=%v b=%v, want both Skip", w2.JobStatus("a"), w2.JobStatus("b"))
	}
	if provider.runCount("a") != 1 || provider.runCount("b") != 1 {
		t.Fatalf("run 2 must not re-execute: counts a=%d b=%d", provider.runCount("a"), provider.runCount("b"))
	}

	mu.Lock()
	input["a"] = "v2"
	mu.Unlock()

	w3 := run()
	if w3.JobStatus("a") != status.Success || w3.JobStatus("b") != status.Success {
		t.Fatalf("run 3: a=%v b=%v, want both Success", w3.JobStatus("a"), w3.JobStatus("b"))
	}
	if provider.runCount("a") != 2 || provider.runCount("b") != 2 {
		t.Fatalf("run 3 must re-execute both: counts a=%d b=%d", provider.runCount("a"), provider.runCount("b"))
	}
}
