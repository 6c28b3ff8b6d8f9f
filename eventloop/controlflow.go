package eventloop

import (
	"fmt"
	"math"
	"time"
)

type controlFlowKind uint8

const (
	controlFlowPoll controlFlowKind = iota
	controlFlowWait
	controlFlowWaitUntil
	controlFlowExit
)

// ControlFlow is the handler's scheduling request for the next wait. The zero
// value is [Poll].
//
// Once an [ExitWithCode] value has been observed, it is sticky: subsequent
// handler invocations receive a copy, so the exit can't be undone.
type ControlFlow struct {
	deadline time.Time
	code     int
	kind     controlFlowKind
}

// Poll never blocks, running the next iteration immediately.
func Poll() ControlFlow { return ControlFlow{} }

// Wait blocks until any source is ready.
func Wait() ControlFlow { return ControlFlow{kind: controlFlowWait} }

// WaitUntil blocks until any source is ready, or the deadline passes. A
// deadline in the past doesn't block at all.
func WaitUntil(deadline time.Time) ControlFlow {
	return ControlFlow{kind: controlFlowWaitUntil, deadline: deadline}
}

// ExitWithCode stops the loop once the current iteration has been delivered.
func ExitWithCode(code int) ControlFlow {
	return ControlFlow{kind: controlFlowExit, code: code}
}

// ExitCode returns the exit code, and true, for [ExitWithCode].
func (x ControlFlow) ExitCode() (int, bool) {
	return x.code, x.kind == controlFlowExit
}

// Deadline returns the deadline, and true, for [WaitUntil].
func (x ControlFlow) Deadline() (time.Time, bool) {
	return x.deadline, x.kind == controlFlowWaitUntil
}

func (x ControlFlow) String() string {
	switch x.kind {
	case controlFlowPoll:
		return "Poll"
	case controlFlowWait:
		return "Wait"
	case controlFlowWaitUntil:
		return fmt.Sprintf("WaitUntil(%s)", x.deadline.Format(time.RFC3339Nano))
	case controlFlowExit:
		return fmt.Sprintf("ExitWithCode(%d)", x.code)
	default:
		return "Unknown"
	}
}

// StartCauseKind tags why an iteration began.
type StartCauseKind uint8

const (
	// CauseInit starts the first iteration, and only the first.
	CauseInit StartCauseKind = iota
	// CausePoll follows an iteration that ended with [Poll].
	CausePoll
	// CauseWaitCancelled indicates a source became ready before the requested
	// resume time, or while waiting indefinitely.
	CauseWaitCancelled
	// CauseResumeTimeReached indicates the [WaitUntil] deadline elapsed.
	CauseResumeTimeReached
)

func (x StartCauseKind) String() string {
	switch x {
	case CauseInit:
		return "Init"
	case CausePoll:
		return "Poll"
	case CauseWaitCancelled:
		return "WaitCancelled"
	case CauseResumeTimeReached:
		return "ResumeTimeReached"
	default:
		return fmt.Sprintf("StartCauseKind(%d)", uint8(x))
	}
}

// StartCause is the reason an iteration began.
type StartCause struct {
	// Start is when the wait began. Zero for CauseInit and CausePoll.
	Start time.Time
	// RequestedResume is the [WaitUntil] deadline, zero if there was none.
	RequestedResume time.Time
	Kind            StartCauseKind
}

func (x StartCause) String() string {
	switch x.Kind {
	case CauseWaitCancelled, CauseResumeTimeReached:
		if x.RequestedResume.IsZero() {
			return x.Kind.String()
		}
		return fmt.Sprintf("%s(resume=%s)", x.Kind, x.RequestedResume.Format(time.RFC3339Nano))
	default:
		return x.Kind.String()
	}
}

// waitPlan is the outcome of the control flow policy for one iteration end.
type waitPlan struct {
	// start is when the plan was computed, i.e. when the wait began
	start time.Time
	// deadline is zero unless the control flow was WaitUntil
	deadline time.Time
	cause    StartCause
	timeout  time.Duration
	// forever indicates there is no timeout (Wait)
	forever bool
}

// plan maps the handler's control flow to the next wait. The boolean result
// is true for ExitWithCode, in which case nothing is computed.
func plan(cf ControlFlow, now time.Time) (waitPlan, bool) {
	p := waitPlan{start: now}
	switch cf.kind {
	case controlFlowExit:
		return waitPlan{}, true
	case controlFlowWait:
		p.forever = true
		p.cause = StartCause{Kind: CauseWaitCancelled, Start: now}
	case controlFlowWaitUntil:
		p.deadline = cf.deadline
		p.timeout = max(cf.deadline.Sub(now), 0)
		p.cause = StartCause{Kind: CauseResumeTimeReached, Start: now, RequestedResume: cf.deadline}
	default:
		p.cause = StartCause{Kind: CausePoll}
	}
	return p, false
}

// cancelled returns the cause to use if the wait ended at now, which is
// WaitCancelled if a deadline was requested but hasn't yet been reached.
func (x waitPlan) cancelled(now time.Time) StartCause {
	if !x.deadline.IsZero() && now.Before(x.deadline) {
		return StartCause{Kind: CauseWaitCancelled, Start: x.start, RequestedResume: x.deadline}
	}
	return x.cause
}

// timeoutMs converts the timeout for epoll_wait, rounding up, so a wait never
// ends before its deadline. Returns -1 to block indefinitely.
func (x waitPlan) timeoutMs() int {
	if x.forever {
		return -1
	}
	if x.timeout <= 0 {
		return 0
	}
	ms := (x.timeout + time.Millisecond - 1) / time.Millisecond
	if ms > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(ms)
}
