package scheduler

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/infra/op-harness/machine"
	"github.com/ethereum-optimism/infra/op-harness/policy"
	"github.com/ethereum-optimism/infra/op-harness/report"
	"github.com/ethereum-optimism/infra/op-harness/runner"
	"github.com/ethereum-optimism/infra/op-harness/types"
)

// scripted is one pre-planned attempt outcome for a fake handle.
type scripted struct {
	code   int
	output string
	polls  int // number of Poll calls that report "still running" first
}

type fakeHandle struct {
	starter *fakeStarter
	res     scripted
	pending int
	done    bool
	killed  bool
}

func (h *fakeHandle) Poll() (bool, int) {
	if h.done {
		return true, h.res.code
	}
	if h.pending > 0 {
		h.pending--
		return false, 0
	}
	h.done = true
	h.starter.finish(h)
	return true, h.res.code
}

func (h *fakeHandle) Output() []byte { return []byte(h.res.output) }
func (h *fakeHandle) Kill() error    { h.killed = true; return nil }

// fakeStarter hands out scripted outcomes keyed by the test executable
// (the first element of the command) and records dispatch ordering and
// concurrency.
type fakeStarter struct {
	script map[string][]scripted
	events []string // "start <id>" / "done <id>" in observation order

	active    map[*fakeHandle]string
	maxActive int
}

func newFakeStarter() *fakeStarter {
	return &fakeStarter{
		script: make(map[string][]scripted),
		active: make(map[*fakeHandle]string),
	}
}

func (f *fakeStarter) addScript(id string, outcomes ...scripted) {
	f.script[id] = append(f.script[id], outcomes...)
}

func (f *fakeStarter) Start(command []string, timeout time.Duration) (runner.Handle, error) {
	id := command[0]
	outcomes := f.script[id]
	if len(outcomes) == 0 {
		return nil, fmt.Errorf("no scripted outcome for %q", id)
	}
	res := outcomes[0]
	f.script[id] = outcomes[1:]

	h := &fakeHandle{starter: f, res: res, pending: res.polls}
	f.events = append(f.events, "start "+id)
	f.active[h] = id
	if len(f.active) > f.maxActive {
		f.maxActive = len(f.active)
	}
	return h, nil
}

func (f *fakeStarter) finish(h *fakeHandle) {
	f.events = append(f.events, "done "+f.active[h])
	delete(f.active, h)
}

// fakeProvider tracks machine lifecycle calls.
type fakeProvider struct {
	started int
	resets  int
	kills   int
}

var _ machine.Provider = (*fakeProvider)(nil)

func (p *fakeProvider) Start(ctx context.Context) (types.Machine, error) {
	p.started++
	return types.Machine{
		ID:      fmt.Sprintf("m%d", p.started),
		SSHAddr: fmt.Sprintf("127.0.0.1:%d", 22000+p.started),
		WebAddr: fmt.Sprintf("127.0.0.1:%d", 23000+p.started),
	}, nil
}

func (p *fakeProvider) Reset(ctx context.Context, m types.Machine) (types.Machine, error) {
	p.resets++
	return m, nil
}

func (p *fakeProvider) Kill(ctx context.Context, m types.Machine) error {
	p.kills++
	return nil
}

func parallelCase(id string) types.TestCase {
	return types.TestCase{ID: id, Suite: "suite", Name: id, Command: []string{id}, Timeout: time.Minute}
}

func serialCase(id string) types.TestCase {
	tc := parallelCase(id)
	tc.Destructive = true
	return tc
}

func newTestScheduler(t *testing.T, cases []types.TestCase, starter *fakeStarter, provider machine.Provider, affected types.AffectedSet) (*Scheduler, *report.Reporter, *bytes.Buffer) {
	t.Helper()
	var stream bytes.Buffer
	reporter := report.New(&stream, log.New())
	engine := policy.NewEngine(policy.Config{Affected: affected, Log: log.New()})

	sched, err := New(Config{
		Cases:      cases,
		JobLimit:   2,
		BatchCount: 2,
		Starter:    starter,
		Policy:     engine,
		Reporter:   reporter,
		Provider:   provider,
		Log:        log.New(),
		IdleSleep:  time.Millisecond,
	})
	require.NoError(t, err)
	return sched, reporter, &stream
}

// A single passing, non-affected test produces one ok line and no retry.
func TestRun_SinglePass(t *testing.T) {
	starter := newFakeStarter()
	starter.addScript("t1", scripted{code: 0, output: "all good\n"})

	sched, reporter, stream := newTestScheduler(t, []types.TestCase{parallelCase("t1")}, starter, nil, nil)
	require.NoError(t, sched.Run(context.Background()))

	out := stream.String()
	assert.Contains(t, out, "1..1\n")
	assert.Contains(t, out, "all good\nok t1 suite t1\n")
	assert.NotContains(t, out, "# retry")
	assert.Contains(t, out, "# TESTS PASSED")
	assert.Equal(t, 0, reporter.Failures())
}

// Two timeouts followed by a pass yield two retry annotations, one ok
// line, and a machine reset after each timeout.
func TestRun_TimeoutRetriesAndResets(t *testing.T) {
	starter := newFakeStarter()
	starter.addScript("t1",
		scripted{code: types.ExitTimeout, output: "hung\n"},
		scripted{code: types.ExitTimeout, output: "hung again\n"},
		scripted{code: 0, output: "finally\n"},
	)
	provider := &fakeProvider{}

	sched, reporter, stream := newTestScheduler(t, []types.TestCase{serialCase("t1")}, starter, provider, nil)
	require.NoError(t, sched.Run(context.Background()))

	out := stream.String()
	assert.Equal(t, 2, strings.Count(out, "# retry"))
	assert.Contains(t, out, "# retry 1 t1 suite t1: "+policy.ReasonFlaky)
	assert.Contains(t, out, "# retry 2 t1 suite t1: "+policy.ReasonFlaky)
	assert.Contains(t, out, "finally\nok t1 suite t1\n")
	assert.Contains(t, out, "1 serial tests: batch0=")
	assert.Equal(t, 0, reporter.Failures())

	assert.Equal(t, 1, provider.started)
	assert.Equal(t, 2, provider.resets, "expected one reset per timeout")
	assert.Equal(t, 1, provider.kills, "machine released once the batch drained")
}

// Serial tests sharing a batch never run concurrently; tests on distinct
// batches have distinct machines.
func TestRun_BatchExclusivity(t *testing.T) {
	starter := newFakeStarter()
	// Both need several polls, so overlap would be visible.
	starter.addScript("s1", scripted{code: 0, polls: 3})
	starter.addScript("s2", scripted{code: 0, polls: 3})
	starter.addScript("s3", scripted{code: 0, polls: 3})
	provider := &fakeProvider{}

	// Three serial tests over two batches: s1,s3 share batch 0, s2 is
	// alone on batch 1.
	cases := []types.TestCase{serialCase("s1"), serialCase("s2"), serialCase("s3")}
	sched, _, _ := newTestScheduler(t, cases, starter, provider, nil)
	require.NoError(t, sched.Run(context.Background()))

	assert.Equal(t, 2, provider.started)
	assert.Equal(t, 2, provider.kills)

	// s3 runs on batch 0 and must wait for s1 to finish there.
	idx := func(ev string) int {
		for i, e := range starter.events {
			if e == ev {
				return i
			}
		}
		t.Fatalf("event %q not observed in %v", ev, starter.events)
		return -1
	}
	assert.Less(t, idx("done s1"), idx("start s3"))
	// s2 overlaps with s1: it starts before s1 finishes.
	assert.Less(t, idx("start s2"), idx("done s1"))
}

// Parallel concurrency never exceeds the configured job limit.
func TestRun_JobLimit(t *testing.T) {
	starter := newFakeStarter()
	var cases []types.TestCase
	for i := 1; i <= 5; i++ {
		id := fmt.Sprintf("p%d", i)
		starter.addScript(id, scripted{code: 0, polls: 2})
		cases = append(cases, parallelCase(id))
	}

	sched, _, _ := newTestScheduler(t, cases, starter, nil, nil)
	require.NoError(t, sched.Run(context.Background()))

	assert.LessOrEqual(t, starter.maxActive, 2)
}

// The unexpected-failure sentinel fails terminally with no retry.
func TestRun_UnexpectedFailureSentinel(t *testing.T) {
	starter := newFakeStarter()
	starter.addScript("t1", scripted{code: 1, output: "boom\n" + types.UnexpectedFailureMarker + "\n"})

	sched, reporter, stream := newTestScheduler(t, []types.TestCase{parallelCase("t1")}, starter, nil, nil)
	require.NoError(t, sched.Run(context.Background()))

	out := stream.String()
	assert.Contains(t, out, "not ok t1 suite t1\n")
	assert.NotContains(t, out, "# retry")
	assert.Equal(t, 1, reporter.Failures())
}

// A failing test is retried at most twice, then failed for good.
func TestRun_AttemptCap(t *testing.T) {
	starter := newFakeStarter()
	starter.addScript("t1",
		scripted{code: 1, output: "f1\n"},
		scripted{code: 1, output: "f2\n"},
		scripted{code: 1, output: "f3\n"},
	)

	sched, reporter, stream := newTestScheduler(t, []types.TestCase{parallelCase("t1")}, starter, nil, nil)
	require.NoError(t, sched.Run(context.Background()))

	out := stream.String()
	assert.Equal(t, 2, strings.Count(out, "# retry"))
	assert.Contains(t, out, "not ok t1 suite t1\n")
	assert.Contains(t, out, "# 1 TESTS FAILED")
	assert.Equal(t, 1, reporter.Failures())
	assert.Empty(t, starter.script["t1"], "all three scripted attempts consumed")
}

// A passing test in the affected set with retry_when_affected is re-run
// before being finally accepted.
func TestRun_AffectedRecheck(t *testing.T) {
	starter := newFakeStarter()
	starter.addScript("t1",
		scripted{code: 0, output: "pass1\n"},
		scripted{code: 0, output: "pass2\n"},
		scripted{code: 0, output: "pass3\n"},
	)
	tc := parallelCase("t1")
	tc.RetryWhenAffected = true

	affected := types.NewAffectedSet([]string{"t1"})
	sched, reporter, stream := newTestScheduler(t, []types.TestCase{tc}, starter, nil, affected)
	require.NoError(t, sched.Run(context.Background()))

	out := stream.String()
	assert.Equal(t, 2, strings.Count(out, "# retry"))
	assert.Contains(t, out, "# retry 1 t1 suite t1: "+policy.ReasonAffectedRecheck)
	assert.Contains(t, out, "ok t1 suite t1\n")
	assert.Equal(t, 0, reporter.Failures())
}

// A failing affected test is never auto-retried.
func TestRun_AffectedFailureIsTerminal(t *testing.T) {
	starter := newFakeStarter()
	starter.addScript("t1", scripted{code: 1, output: "regression\n"})

	affected := types.NewAffectedSet([]string{"t1"})
	sched, reporter, stream := newTestScheduler(t, []types.TestCase{parallelCase("t1")}, starter, nil, affected)
	require.NoError(t, sched.Run(context.Background()))

	out := stream.String()
	assert.NotContains(t, out, "# retry")
	assert.Contains(t, out, "not ok t1 suite t1\n")
	assert.Equal(t, 1, reporter.Failures())
}

// The plan line counts scheduled cases, not attempts.
func TestRun_PlanCountsCasesNotAttempts(t *testing.T) {
	starter := newFakeStarter()
	starter.addScript("t1", scripted{code: 1, output: "flaky\n"}, scripted{code: 0})
	starter.addScript("t2", scripted{code: 0})

	cases := []types.TestCase{parallelCase("t1"), parallelCase("t2")}
	sched, _, stream := newTestScheduler(t, cases, starter, nil, nil)
	require.NoError(t, sched.Run(context.Background()))

	assert.True(t, strings.HasPrefix(stream.String(), "1..2\n"))
}

// Batch machines get their addresses appended to the test command.
func TestRun_MachineAddressInjection(t *testing.T) {
	var seen [][]string
	starter := newFakeStarter()
	starter.addScript("s1", scripted{code: 0})

	recorder := &recordingStarter{inner: starter, commands: &seen}
	provider := &fakeProvider{}

	var stream bytes.Buffer
	reporter := report.New(&stream, log.New())
	engine := policy.NewEngine(policy.Config{Log: log.New()})
	sched, err := New(Config{
		Cases:      []types.TestCase{serialCase("s1")},
		JobLimit:   1,
		BatchCount: 1,
		Starter:    recorder,
		Policy:     engine,
		Reporter:   reporter,
		Provider:   provider,
		Log:        log.New(),
		IdleSleep:  time.Millisecond,
	})
	require.NoError(t, err)
	require.NoError(t, sched.Run(context.Background()))

	require.Len(t, seen, 1)
	assert.Contains(t, seen[0], "--ssh-addr")
	assert.Contains(t, seen[0], "127.0.0.1:22001")
	assert.Contains(t, seen[0], "--web-addr")
	assert.Contains(t, seen[0], "127.0.0.1:23001")
}

type recordingStarter struct {
	inner    *fakeStarter
	commands *[][]string
}

func (r *recordingStarter) Start(command []string, timeout time.Duration) (runner.Handle, error) {
	*r.commands = append(*r.commands, command)
	return r.inner.Start(command, timeout)
}

// Done is true only when every queue is empty and nothing runs.
func TestDone(t *testing.T) {
	starter := newFakeStarter()
	starter.addScript("t1", scripted{code: 0})

	sched, _, _ := newTestScheduler(t, []types.TestCase{parallelCase("t1")}, starter, nil, nil)
	assert.False(t, sched.Done())
	require.NoError(t, sched.Run(context.Background()))
	assert.True(t, sched.Done())
}
