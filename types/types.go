// Package types contains shared types used across the op-harness orchestrator.
package types

import (
	"time"
)

// TestStatus represents the terminal states of a test execution
type TestStatus string

const (
	TestStatusPass TestStatus = "pass"
	TestStatusFail TestStatus = "fail"
	TestStatusSkip TestStatus = "skip"
)

// Exit codes surfaced by the timeout wrapper around each attempt.
// ExitSkip follows the automake convention; ExitTimeout is the
// sentinel emitted by timeout(1) when it kills the process.
const (
	ExitPass    = 0
	ExitSkip    = 77
	ExitTimeout = 124
)

// ExitClass is the coarse classification of an attempt's exit code.
type ExitClass string

const (
	ExitClassPass    ExitClass = "pass"
	ExitClassSkip    ExitClass = "skip"
	ExitClassTimeout ExitClass = "timeout"
	ExitClassFail    ExitClass = "fail"
)

// ClassifyExit maps a wrapper exit code onto its classification.
func ClassifyExit(code int) ExitClass {
	switch code {
	case ExitPass:
		return ExitClassPass
	case ExitSkip:
		return ExitClassSkip
	case ExitTimeout:
		return ExitClassTimeout
	default:
		return ExitClassFail
	}
}

// Output markers recognized in captured test output. The harness strips
// ANSI escapes before matching so colored output cannot hide a marker.
const (
	// SkipMarker marks an attempt as skipped regardless of its exit code.
	// An optional reason follows the marker on the same line.
	SkipMarker = "### SKIP"

	// RetryDirectiveMarker introduces an embedded retry directive:
	// optional leading whitespace, the marker, one space, then the
	// free-text reason running to end of line.
	RetryDirectiveMarker = "### RETRY"

	// UnexpectedFailureMarker denotes a harness-level contract violation.
	// An attempt whose output carries it is failed terminally, never
	// retried and never skipped.
	UnexpectedFailureMarker = "### UNEXPECTED FAILURE"
)

// CorruptionMarkers are substrings of a retry reason that indicate the
// backing machine is in a bad state and must be reset before the batch
// dispatches again.
var CorruptionMarkers = []string{"corrupt", "unresponsive"}

// TestCase is an immutable descriptor of a single test.
type TestCase struct {
	ID      string        `yaml:"id"`
	Suite   string        `yaml:"suite"`
	Name    string        `yaml:"name"`
	Command []string      `yaml:"command"`
	Timeout time.Duration `yaml:"timeout,omitempty"`

	// Destructive tests mutate machine state and are executed serially
	// on a dedicated machine batch.
	Destructive bool `yaml:"destructive,omitempty"`

	// RetryWhenAffected requests proactive re-runs of passing attempts
	// when the case is in the affected set, to surface fresh flakiness.
	RetryWhenAffected bool `yaml:"retry_when_affected,omitempty"`
}

// NoBatch is the batch index of a parallel (non-batched) TestRun.
const NoBatch = -1

// MaxAttempts caps the total attempts per TestCase: the initial try
// plus at most two retries.
const MaxAttempts = 3

// TestRun is the mutable execution record of one TestCase.
type TestRun struct {
	Case TestCase

	// Attempt counts completed tries, 0-based while the first try runs.
	Attempt int

	// Batch is the owning serial batch index, or NoBatch for parallel runs.
	Batch int

	Output   []byte
	Class    ExitClass
	Duration time.Duration
}

// Machine is an opaque handle to a provisioned execution machine.
// Addresses are stable across Reset so in-flight references stay valid.
type Machine struct {
	ID      string
	SSHAddr string
	WebAddr string
}

// AffectedSet is the set of test identifiers impacted by the change
// under test. It is produced once, before scheduling, and read-only
// for the rest of the run.
type AffectedSet map[string]struct{}

// NewAffectedSet builds an AffectedSet from a list of test IDs.
func NewAffectedSet(ids []string) AffectedSet {
	s := make(AffectedSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Contains reports whether the given test ID is in the set.
func (s AffectedSet) Contains(id string) bool {
	_, ok := s[id]
	return ok
}

// DecisionKind tags a RetryDecision.
type DecisionKind string

const (
	DecisionAccept DecisionKind = "accept"
	DecisionRetry  DecisionKind = "retry"
	DecisionFail   DecisionKind = "fail"
)

// RetryDecision is the policy engine's verdict on a completed attempt.
type RetryDecision struct {
	Kind DecisionKind

	// Status is the terminal status for accept decisions (pass or skip).
	Status TestStatus

	// Reason is the human-readable retry reason for retry decisions,
	// or the skip reason for accept(skip) decisions.
	Reason string

	// ResetMachine requests a reset of the owning batch's machine
	// before its next dispatch.
	ResetMachine bool
}

// Accept builds an accept decision with the given terminal status.
func Accept(status TestStatus) RetryDecision {
	return RetryDecision{Kind: DecisionAccept, Status: status}
}

// AcceptSkip builds an accept(skip) decision carrying a reason.
func AcceptSkip(reason string) RetryDecision {
	return RetryDecision{Kind: DecisionAccept, Status: TestStatusSkip, Reason: reason}
}

// Retry builds a retry decision carrying a reason.
func Retry(reason string) RetryDecision {
	return RetryDecision{Kind: DecisionRetry, Reason: reason}
}

// Fail builds a terminal failure decision.
func Fail() RetryDecision {
	return RetryDecision{Kind: DecisionFail, Status: TestStatusFail}
}
