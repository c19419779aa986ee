// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

package drvstatus

// Artifacts records which products of a derivation are known to exist.
type Artifacts struct {
	// Derivation is true if the evaluated store derivation path is recorded.
	Derivation bool
	// Output is true if a build output path is recorded.
	Output bool
}

// Cause is the reason a derivation is being settled.
type Cause int8

const (
	// CauseBuildFailed is used when the reserving worker reported a failed build.
	CauseBuildFailed Cause = 1 + iota
	// CauseReclaimed is used when a stale reservation was swept.
	// A reclaim without forward progress counts as a failed attempt.
	CauseReclaimed
	// CauseRestarted is used when reconciling state left behind by an unclean shutdown
	// or a graceful release. It never counts as an attempt.
	CauseRestarted
)

func (c Cause) String() string {
	switch c {
	case CauseBuildFailed:
		return "build failed"
	case CauseReclaimed:
		return "reclaimed"
	case CauseRestarted:
		return "restarted"
	default:
		return "unknown cause"
	}
}

// Transition is the result of [Settle].
type Transition struct {
	Status   Status
	Attempts int
	// DiscardOutput is true if any recorded build output path
	// should be cleared because it is not trusted.
	DiscardOutput bool
}

// Settle computes the next state of a derivation
// that is not (or is no longer) reserved by a live worker.
// It is the only place that applies the retry limit:
// once attempts reaches limit, a derivation that would otherwise
// be returned to a pending state becomes [Failed] instead.
//
// Settle never decreases attempts.
func Settle(current Status, attempts, limit int, art Artifacts, cause Cause) Transition {
	if current.IsTerminal() || !current.IsValid() {
		return Transition{Status: current, Attempts: attempts}
	}

	if cause == CauseBuildFailed {
		attempts++
		if attempts >= limit {
			return Transition{Status: Failed, Attempts: attempts, DiscardOutput: true}
		}
		next := EvalPending
		if art.Derivation {
			next = BuildPending
		}
		return Transition{Status: next, Attempts: attempts, DiscardOutput: true}
	}

	if next, discard, ok := forward(current, art); ok {
		if next.IsTerminal() || attempts < limit {
			return Transition{Status: next, Attempts: attempts, DiscardOutput: discard}
		}
		return Transition{Status: Failed, Attempts: attempts, DiscardOutput: discard}
	}

	if cause == CauseReclaimed {
		attempts++
	}
	if attempts >= limit {
		return Transition{Status: Failed, Attempts: attempts, DiscardOutput: true}
	}
	return Transition{Status: rollback(current, art), Attempts: attempts, DiscardOutput: true}
}

// forward returns the state a derivation advances to
// when it was interrupted after producing the given artifacts.
func forward(s Status, art Artifacts) (next Status, discardOutput bool, ok bool) {
	switch s {
	case EvalPending, EvalComplete, BuildPending:
		return s, false, true
	case EvalInProgress, EvalFailed:
		if art.Derivation {
			return EvalComplete, false, true
		}
	case BuildInProgress:
		if art.Output {
			return BuildComplete, false, true
		}
	case BuildFailed:
		// Output from a failed build is never trusted.
		if art.Derivation {
			return BuildPending, art.Output, true
		}
	}
	return 0, false, false
}

func rollback(s Status, art Artifacts) Status {
	switch s {
	case BuildInProgress, BuildFailed:
		if art.Derivation {
			return BuildPending
		}
	}
	return EvalPending
}
