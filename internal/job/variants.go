package job

import (
	"context"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/buildgraph/engine/internal/resilience"
	"github.com/buildgraph/engine/internal/status"
)

// NewEmpty constructs a Job whose Run is a no-op and whose status is
// preset to s. The scheduler never calls its body -- ShouldSkip is always
// true -- it goes straight to collect.
func NewEmpty(uid string, data any, notifyEnd func(string), s status.Status, opts ...Option) *Job {
	j := New(uid, data, emptyRunner{status: s}, notifyEnd, opts...)
	j.shouldSkip = true
	j.status = s
	return j
}

type emptyRunner struct{ status status.Status }

func (e emptyRunner) Run() (status.Status, error) { return e.status, nil }
func (e emptyRunner) Interrupt() bool              { return false }

// FuncJob adapts a plain function into the Runner interface: the
// idiomatic Go stand-in for what the reference implementation leaves as
// "subclass-defined run()".
type FuncJob struct {
	mu          sync.Mutex
	fn          func(context.Context) (status.Status, error)
	ctx         context.Context
	cancel      context.CancelFunc
	interrupted bool
}

// NewFunc constructs a Job that runs fn in its own goroutine; Interrupt
// cancels fn's context.
func NewFunc(uid string, data any, fn func(context.Context) (status.Status, error), notifyEnd func(string), opts ...Option) *Job {
	ctx, cancel := context.WithCancel(context.Background())
	return New(uid, data, &FuncJob{fn: fn, ctx: ctx, cancel: cancel}, notifyEnd, opts...)
}

func (f *FuncJob) Run() (status.Status, error) {
	return f.fn(f.ctx)
}

func (f *FuncJob) Interrupt() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.interrupted {
		return false
	}
	f.interrupted = true
	f.cancel()
	return true
}

// ProcessJob spawns an external process and maps its exit code onto a
// Status. Interruption kills the process's entire process group, giving
// it a short grace period before escalating to SIGKILL.
type ProcessJob struct {
	mu      sync.Mutex
	cmdline []string
	dir     string
	env     []string

	cmd         *exec.Cmd
	interrupted bool

	// RetryAttempts/RetryDelay retry a failed *spawn* (not a failed exit
	// code) via resilience.Retry -- the process-spawn syscall itself
	// failing transiently is distinct from the job's own notready/requeue
	// loop, which is the walker's concern.
	RetryAttempts int
	RetryDelay    time.Duration
}

// NewProcess constructs a Job backed by a ProcessJob runner.
func NewProcess(uid string, data any, cmdline []string, notifyEnd func(string), opts ...Option) *Job {
	p := &ProcessJob{cmdline: cmdline, RetryAttempts: 3, RetryDelay: 200 * time.Millisecond}
	return New(uid, data, p, notifyEnd, opts...)
}

func (p *ProcessJob) Run() (status.Status, error) {
	spawn := func() (*exec.Cmd, error) {
		p.mu.Lock()
		if p.interrupted {
			p.mu.Unlock()
			return nil, errInterruptedBeforeStart
		}
		cmd := exec.Command(p.cmdline[0], p.cmdline[1:]...)
		if p.dir != "" {
			cmd.Dir = p.dir
		}
		if p.env != nil {
			cmd.Env = p.env
		}
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
		err := cmd.Start()
		if err == nil {
			p.cmd = cmd
		}
		p.mu.Unlock()
		return cmd, err
	}

	cmd, err := resilience.Retry(context.Background(), p.RetryAttempts, p.RetryDelay, spawn)
	if err != nil {
		if err == errInterruptedBeforeStart {
			return status.Failure, nil
		}
		return status.Failure, err
	}

	waitErr := cmd.Wait()
	if waitErr == nil {
		return status.Success, nil
	}
	if exitErr, ok := waitErr.(*exec.ExitError); ok {
		return status.FromExitCode(exitErr.ExitCode()), nil
	}
	return status.Failure, waitErr
}

func (p *ProcessJob) Interrupt() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.interrupted {
		return false
	}
	p.interrupted = true
	if p.cmd == nil || p.cmd.Process == nil {
		return true
	}
	pgid, err := syscall.Getpgid(p.cmd.Process.Pid)
	if err != nil {
		_ = p.cmd.Process.Kill()
		return true
	}
	_ = syscall.Kill(-pgid, syscall.SIGTERM)
	go func(pgid int) {
		time.Sleep(2 * time.Second)
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
	}(pgid)
	return true
}

var errInterruptedBeforeStart = processErr("job interrupted before process spawn")

type processErr string

func (e processErr) Error() string { return string(e) }
