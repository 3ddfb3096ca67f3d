// Package policy classifies completed test attempts and decides whether
// they are accepted, retried, or failed terminally.
package policy

import (
	"context"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-harness/types"
)

// Retry reasons produced by the built-in heuristics.
const (
	ReasonAffectedRecheck = "affected-test robustness check"
	ReasonFlaky           = "generic stability heuristic"
)

// Engine applies the retry policy to completed attempts.
type Engine struct {
	affected types.AffectedSet
	oracle   Oracle
	strict   bool
	log      log.Logger
}

// Config holds the policy engine's collaborators.
type Config struct {
	Affected types.AffectedSet
	Oracle   Oracle // nil disables oracle consultation
	Strict   bool   // strict mode never consults the oracle
	Log      log.Logger
}

// NewEngine creates a policy engine.
func NewEngine(cfg Config) *Engine {
	if cfg.Log == nil {
		cfg.Log = log.New()
	}
	return &Engine{
		affected: cfg.Affected,
		oracle:   cfg.Oracle,
		strict:   cfg.Strict,
		log:      cfg.Log,
	}
}

// Decide evaluates a completed attempt. run.Output may be rewritten when
// the oracle modifies it or a retry directive line is stripped. run.Attempt
// is the 0-based index of the attempt just completed; retries are only
// granted while the total stays within types.MaxAttempts.
func (e *Engine) Decide(ctx context.Context, run *types.TestRun) types.RetryDecision {
	cls := run.Class

	// The unexpected-failure sentinel marks a harness contract violation.
	// It is terminal no matter what else the output says.
	if ContainsUnexpectedFailure(run.Output) {
		e.log.Warn("Unexpected-failure sentinel in output, failing terminally", "test", run.Case.ID)
		return types.Fail()
	}

	// An inline skip marker is equivalent to an explicit skip exit and
	// suppresses failure-retry evaluation.
	skipReason, skipped := FindSkipMarker(run.Output)
	if skipped {
		cls = types.ExitClassSkip
	}

	if cls == types.ExitClassPass || cls == types.ExitClassSkip {
		if e.affected.Contains(run.Case.ID) && run.Case.RetryWhenAffected && run.Attempt < types.MaxAttempts-1 {
			// Passing affected tests are proactively re-run to surface
			// newly introduced flakiness.
			return types.Retry(ReasonAffectedRecheck)
		}
		if cls == types.ExitClassSkip {
			if skipReason == "" {
				skipReason = "skipped"
			}
			return types.AcceptSkip(skipReason)
		}
		return types.Accept(types.TestStatusPass)
	}

	// Failure path (including timeouts).
	decision := e.decideFailure(ctx, run)

	// A timed-out attempt, or a retry reason naming machine corruption,
	// flags the owning machine for a reset before its next dispatch.
	if run.Class == types.ExitClassTimeout || (decision.Kind == types.DecisionRetry && IsCorruptionReason(decision.Reason)) {
		decision.ResetMachine = true
	}
	return decision
}

func (e *Engine) decideFailure(ctx context.Context, run *types.TestRun) types.RetryDecision {
	var reason string
	haveDirective := false

	if !e.strict && e.oracle != nil {
		out, err := e.oracle.Consult(ctx, run.Output)
		if err == nil && out != nil {
			if skipReason, ok := FindSkipMarker(out); ok {
				run.Output = out
				if skipReason == "" {
					skipReason = "skipped"
				}
				e.log.Debug("Oracle marked attempt as skip", "test", run.Case.ID, "reason", skipReason)
				return types.AcceptSkip(skipReason)
			}
			if r, stripped, ok := ExtractRetryDirective(out); ok {
				run.Output = stripped
				reason = r
				haveDirective = true
			}
		}
	}

	if !haveDirective {
		if e.affected.Contains(run.Case.ID) {
			// Affected-and-failing tests are never auto-retried; the
			// failure is likely real signal about the change under test.
			return types.Fail()
		}
		reason = ReasonFlaky
	}

	if run.Attempt >= types.MaxAttempts-1 {
		e.log.Debug("Attempt cap reached, failing", "test", run.Case.ID, "attempts", run.Attempt+1)
		return types.Fail()
	}
	return types.Retry(reason)
}
