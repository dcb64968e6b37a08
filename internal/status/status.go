// Package status defines the terminal outcomes a job may reach and the
// predicate used to decide whether a predecessor counts as "ok" for the
// purpose of running its successors.
package status

import "fmt"

// Status mirrors the exit-code convention external action runners use to
// report a job's outcome. The numeric values are part of the external
// contract: a process-backed job's exit code is mapped directly onto these
// constants, so they must never be renumbered.
type Status int

const (
	Success   Status = 0
	Failure   Status = 1
	Missing   Status = 2
	NotReady  Status = 75
	ForceSkip Status = 122
	ForceFail Status = 123
	Unknown   Status = 124
	Skip      Status = 125
	Unchanged Status = 126
)

func (s Status) String() string {
	switch s {
	case Success:
		return "success"
	case Failure:
		return "failure"
	case Missing:
		return "missing"
	case NotReady:
		return "notready"
	case ForceSkip:
		return "force_skip"
	case ForceFail:
		return "force_fail"
	case Unknown:
		return "unknown"
	case Skip:
		return "skip"
	case Unchanged:
		return "unchanged"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// FromExitCode maps a process exit code onto a Status. Recognized codes map
// 1:1 onto their matching constant; anything else is a plain failure.
func FromExitCode(code int) Status {
	switch Status(code) {
	case Success, Failure, Missing, NotReady, ForceSkip, ForceFail, Unknown, Skip, Unchanged:
		return Status(code)
	default:
		return Failure
	}
}

// PredecessorOK reports whether a predecessor's terminal status is good
// enough to let its successors run. A predecessor that is skipped (for
// either reason) or unchanged from a prior run is still "ok": nothing it
// would have produced is missing, it simply wasn't worth redoing.
func PredecessorOK(s Status) bool {
	switch s {
	case Success, Skip, ForceSkip, Unchanged:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether s represents a job that has finished running,
// as opposed to a transient scheduling state such as NotReady.
func IsTerminal(s Status) bool {
	return s != NotReady
}
