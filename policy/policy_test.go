package policy

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/infra/op-harness/types"
)

// staticOracle returns a fixed rewrite of whatever it is given.
type staticOracle struct {
	output []byte
	calls  int
}

func (o *staticOracle) Consult(ctx context.Context, output []byte) ([]byte, error) {
	o.calls++
	if o.output == nil {
		return output, nil
	}
	return o.output, nil
}

func run(id string, class types.ExitClass, output string, attempt int) *types.TestRun {
	return &types.TestRun{
		Case:    types.TestCase{ID: id, Suite: "s", Name: id, Command: []string{id}},
		Class:   class,
		Output:  []byte(output),
		Attempt: attempt,
	}
}

func TestDecide_PassAccepted(t *testing.T) {
	e := NewEngine(Config{Log: log.New()})
	d := e.Decide(context.Background(), run("t", types.ExitClassPass, "fine\n", 0))
	assert.Equal(t, types.DecisionAccept, d.Kind)
	assert.Equal(t, types.TestStatusPass, d.Status)
}

func TestDecide_SkipExitAccepted(t *testing.T) {
	e := NewEngine(Config{Log: log.New()})
	d := e.Decide(context.Background(), run("t", types.ExitClassSkip, "", 0))
	assert.Equal(t, types.DecisionAccept, d.Kind)
	assert.Equal(t, types.TestStatusSkip, d.Status)
	assert.Equal(t, "skipped", d.Reason)
}

func TestDecide_InlineSkipMarkerOverridesFailure(t *testing.T) {
	e := NewEngine(Config{Log: log.New()})
	out := "setup missing\n" + types.SkipMarker + " no devnet available\n"
	d := e.Decide(context.Background(), run("t", types.ExitClassFail, out, 0))
	assert.Equal(t, types.DecisionAccept, d.Kind)
	assert.Equal(t, types.TestStatusSkip, d.Status)
	assert.Equal(t, "no devnet available", d.Reason)
}

func TestDecide_AffectedPassIsRetried(t *testing.T) {
	e := NewEngine(Config{Affected: types.NewAffectedSet([]string{"t"}), Log: log.New()})
	tr := run("t", types.ExitClassPass, "", 0)
	tr.Case.RetryWhenAffected = true

	d := e.Decide(context.Background(), tr)
	require.Equal(t, types.DecisionRetry, d.Kind)
	assert.Equal(t, ReasonAffectedRecheck, d.Reason)

	// Second pass still within the cap: retried again.
	tr.Attempt = 1
	d = e.Decide(context.Background(), tr)
	assert.Equal(t, types.DecisionRetry, d.Kind)

	// Third pass exhausts the cap: accepted.
	tr.Attempt = 2
	d = e.Decide(context.Background(), tr)
	assert.Equal(t, types.DecisionAccept, d.Kind)
	assert.Equal(t, types.TestStatusPass, d.Status)
}

func TestDecide_AffectedPassWithoutFlagIsAccepted(t *testing.T) {
	e := NewEngine(Config{Affected: types.NewAffectedSet([]string{"t"}), Log: log.New()})
	d := e.Decide(context.Background(), run("t", types.ExitClassPass, "", 0))
	assert.Equal(t, types.DecisionAccept, d.Kind)
}

func TestDecide_SentinelFailsUnconditionally(t *testing.T) {
	// Even with affected membership, a skip marker, and attempts to
	// spare, the sentinel is terminal.
	e := NewEngine(Config{Affected: types.NewAffectedSet([]string{"t"}), Log: log.New()})
	out := types.SkipMarker + " would skip\n" + types.UnexpectedFailureMarker + ": invariant broken\n"
	d := e.Decide(context.Background(), run("t", types.ExitClassFail, out, 0))
	assert.Equal(t, types.DecisionFail, d.Kind)
}

func TestDecide_GenericFailureRetried(t *testing.T) {
	e := NewEngine(Config{Log: log.New()})
	d := e.Decide(context.Background(), run("t", types.ExitClassFail, "assert blew up\n", 0))
	require.Equal(t, types.DecisionRetry, d.Kind)
	assert.Equal(t, ReasonFlaky, d.Reason)
	assert.False(t, d.ResetMachine)
}

func TestDecide_AffectedFailureNeverRetried(t *testing.T) {
	e := NewEngine(Config{Affected: types.NewAffectedSet([]string{"t"}), Log: log.New()})
	d := e.Decide(context.Background(), run("t", types.ExitClassFail, "real regression\n", 0))
	assert.Equal(t, types.DecisionFail, d.Kind)
}

func TestDecide_AttemptCapOverridesRetry(t *testing.T) {
	e := NewEngine(Config{Log: log.New()})
	d := e.Decide(context.Background(), run("t", types.ExitClassFail, "still failing\n", 2))
	assert.Equal(t, types.DecisionFail, d.Kind)
}

func TestDecide_TimeoutFlagsMachineReset(t *testing.T) {
	e := NewEngine(Config{Log: log.New()})
	d := e.Decide(context.Background(), run("t", types.ExitClassTimeout, "", 0))
	require.Equal(t, types.DecisionRetry, d.Kind)
	assert.True(t, d.ResetMachine)
}

func TestDecide_CorruptionReasonFlagsMachineReset(t *testing.T) {
	oracle := &staticOracle{output: []byte("  " + types.RetryDirectiveMarker + " disk state corrupted by previous run\n")}
	e := NewEngine(Config{Oracle: oracle, Log: log.New()})

	d := e.Decide(context.Background(), run("t", types.ExitClassFail, "weird failure\n", 0))
	require.Equal(t, types.DecisionRetry, d.Kind)
	assert.Equal(t, "disk state corrupted by previous run", d.Reason)
	assert.True(t, d.ResetMachine)
}

func TestDecide_OracleSkip(t *testing.T) {
	oracle := &staticOracle{output: []byte(types.SkipMarker + " known issue INFRA-123\n")}
	e := NewEngine(Config{Oracle: oracle, Log: log.New()})

	tr := run("t", types.ExitClassFail, "failed\n", 0)
	d := e.Decide(context.Background(), tr)
	assert.Equal(t, types.DecisionAccept, d.Kind)
	assert.Equal(t, types.TestStatusSkip, d.Status)
	assert.Equal(t, "known issue INFRA-123", d.Reason)
}

func TestDecide_OracleDirectiveStrippedFromOutput(t *testing.T) {
	oracle := &staticOracle{output: []byte("line one\n" + types.RetryDirectiveMarker + " known flake\nline two\n")}
	e := NewEngine(Config{Oracle: oracle, Log: log.New()})

	tr := run("t", types.ExitClassFail, "failed\n", 0)
	d := e.Decide(context.Background(), tr)
	require.Equal(t, types.DecisionRetry, d.Kind)
	assert.Equal(t, "known flake", d.Reason)
	assert.Equal(t, "line one\nline two\n", string(tr.Output))
}

// Strict mode disables oracle consultation entirely; failing tests fall
// back to the generic heuristic.
func TestDecide_StrictModeIgnoresOracle(t *testing.T) {
	oracle := &staticOracle{output: []byte(types.RetryDirectiveMarker + " oracle-supplied reason\n")}
	e := NewEngine(Config{Oracle: oracle, Strict: true, Log: log.New()})

	d := e.Decide(context.Background(), run("t", types.ExitClassFail, "failed\n", 0))
	require.Equal(t, types.DecisionRetry, d.Kind)
	assert.Equal(t, ReasonFlaky, d.Reason)
	assert.Zero(t, oracle.calls)
}

// An affected failing test fails even when retries remain and the oracle
// would not have been consulted in strict mode.
func TestDecide_StrictAffectedFailure(t *testing.T) {
	e := NewEngine(Config{
		Affected: types.NewAffectedSet([]string{"t"}),
		Strict:   true,
		Log:      log.New(),
	})
	d := e.Decide(context.Background(), run("t", types.ExitClassFail, "failed\n", 1))
	assert.Equal(t, types.DecisionFail, d.Kind)
}
