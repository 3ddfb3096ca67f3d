// Package scheduler owns the dispatch loop at the heart of op-harness.
// It feeds test attempts to the process runner within the configured
// concurrency limits, drives the retry policy on completions, and keeps
// the serial batches' machines healthy.
//
// All queue and machine state is owned and mutated by the single control
// loop; real parallelism comes from the spawned OS processes, observed
// through non-blocking polling. No locks are needed.
package scheduler

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/ethereum-optimism/infra/op-harness/machine"
	"github.com/ethereum-optimism/infra/op-harness/metrics"
	"github.com/ethereum-optimism/infra/op-harness/policy"
	"github.com/ethereum-optimism/infra/op-harness/report"
	"github.com/ethereum-optimism/infra/op-harness/runner"
	"github.com/ethereum-optimism/infra/op-harness/types"
)

// DefaultIdleSleep bounds the pause taken when a step neither dispatched
// work nor observed a completion.
const DefaultIdleSleep = 500 * time.Millisecond

// Config holds the scheduler's collaborators and limits.
type Config struct {
	Cases          []types.TestCase
	JobLimit       int // max concurrently running parallel attempts
	BatchCount     int // number of serial batches (dedicated machines)
	DefaultTimeout time.Duration

	Starter  runner.Starter
	Policy   *policy.Engine
	Reporter *report.Reporter
	Provider machine.Provider

	Log       log.Logger
	IdleSleep time.Duration
}

// attempt pairs a TestRun with its live process handle.
type attempt struct {
	run       *types.TestRun
	handle    runner.Handle
	startedAt time.Time
	span      trace.Span
}

// batch is an ordered queue of serial runs bound to one machine. At most
// one of its runs is in the running state at any time.
type batch struct {
	queue   []*types.TestRun
	active  *attempt
	working bool

	machine     types.Machine
	provisioned bool
	killed      bool
	needsReset  bool

	duration time.Duration
}

// Scheduler dispatches test attempts until all queues drain.
type Scheduler struct {
	cfg     Config
	log     log.Logger
	tracer  trace.Tracer
	planned int
	serial  int

	parallel []*types.TestRun // head is the next candidate; retries re-enter at the front
	active   []*attempt       // running parallel attempts
	batches  []*batch
}

// New builds a scheduler, splitting the cases into the parallel queue and
// the serial batches. Destructive cases are assigned round-robin across
// the batches; everything else runs from the parallel queue.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Starter == nil {
		return nil, fmt.Errorf("process starter is required")
	}
	if cfg.Policy == nil {
		return nil, fmt.Errorf("policy engine is required")
	}
	if cfg.Reporter == nil {
		return nil, fmt.Errorf("reporter is required")
	}
	if cfg.JobLimit < 1 {
		cfg.JobLimit = 1
	}
	if cfg.BatchCount < 1 {
		cfg.BatchCount = 1
	}
	if cfg.IdleSleep <= 0 {
		cfg.IdleSleep = DefaultIdleSleep
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 10 * time.Minute
	}
	if cfg.Log == nil {
		cfg.Log = log.New()
	}

	s := &Scheduler{
		cfg:     cfg,
		log:     cfg.Log.New("component", "scheduler"),
		tracer:  otel.Tracer("op-harness/scheduler"),
		planned: len(cfg.Cases),
		batches: make([]*batch, cfg.BatchCount),
	}
	for i := range s.batches {
		s.batches[i] = &batch{}
	}

	next := 0
	for _, tc := range cfg.Cases {
		if tc.Destructive {
			idx := next % cfg.BatchCount
			next++
			s.serial++
			s.batches[idx].queue = append(s.batches[idx].queue, &types.TestRun{Case: tc, Batch: idx})
		} else {
			s.parallel = append(s.parallel, &types.TestRun{Case: tc, Batch: types.NoBatch})
		}
	}
	return s, nil
}

// Run drives the control loop to quiescence. The per-test outcomes are
// resolved by the policy engine and reported on the stream; only machine
// provisioning failures surface as an error.
func (s *Scheduler) Run(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "test run")
	defer span.End()

	start := time.Now()
	s.cfg.Reporter.Plan(s.planned)

	if err := s.provisionMachines(ctx); err != nil {
		return err
	}

	for !s.Done() {
		dispatched, err := s.dispatch(ctx)
		if err != nil {
			return err
		}
		completed, err := s.pollCompletions(ctx)
		if err != nil {
			return err
		}
		if !dispatched && !completed {
			select {
			case <-time.After(s.cfg.IdleSleep):
			case <-ctx.Done():
				s.killAll(context.WithoutCancel(ctx))
				return ctx.Err()
			}
		}
	}

	s.cfg.Reporter.Summary(time.Since(start), s.serial, s.BatchDurations())
	metrics.RecordRunDuration(time.Since(start))
	return nil
}

// Done reports whether all queues are empty and nothing is running.
func (s *Scheduler) Done() bool {
	if len(s.parallel) > 0 || len(s.active) > 0 {
		return false
	}
	for _, b := range s.batches {
		if len(b.queue) > 0 || b.working {
			return false
		}
	}
	return true
}

// BatchDurations returns the accumulated per-batch execution time.
func (s *Scheduler) BatchDurations() []time.Duration {
	durations := make([]time.Duration, 0, len(s.batches))
	for _, b := range s.batches {
		if b.provisioned {
			durations = append(durations, b.duration)
		}
	}
	return durations
}

// provisionMachines starts one machine per non-empty batch before the
// first dispatch. Provisioning failures abort the run.
func (s *Scheduler) provisionMachines(ctx context.Context) error {
	for i, b := range s.batches {
		if len(b.queue) == 0 {
			continue
		}
		if s.cfg.Provider == nil {
			return fmt.Errorf("batch %d has serial tests but no machine provider is configured", i)
		}
		m, err := s.cfg.Provider.Start(ctx)
		if err != nil {
			return fmt.Errorf("provisioning machine for batch %d: %w", i, err)
		}
		b.machine = m
		b.provisioned = true
		s.log.Info("Batch bound to machine", "batch", i, "machine", m.ID, "queued", len(b.queue))
	}
	return nil
}

// dispatch performs one dispatch step: idle batches are scanned first in
// a fixed order, then a free parallel slot is filled. At most one attempt
// is started per step, so a busy batch never blocks idle batches or the
// parallel queue.
func (s *Scheduler) dispatch(ctx context.Context) (bool, error) {
	for i, b := range s.batches {
		if b.working || len(b.queue) == 0 {
			continue
		}
		if b.needsReset {
			m, err := s.cfg.Provider.Reset(ctx, b.machine)
			if err != nil {
				return false, fmt.Errorf("resetting machine for batch %d: %w", i, err)
			}
			b.machine = m
			b.needsReset = false
			metrics.RecordMachineReset(m.ID)
		}

		run := b.queue[0]
		b.queue = b.queue[1:]
		att, err := s.start(ctx, run, &b.machine)
		if err != nil {
			return false, err
		}
		b.active = att
		b.working = true
		return true, nil
	}

	if len(s.parallel) > 0 && len(s.active) < s.cfg.JobLimit {
		run := s.parallel[0]
		s.parallel = s.parallel[1:]
		att, err := s.start(ctx, run, nil)
		if err != nil {
			return false, err
		}
		s.active = append(s.active, att)
		return true, nil
	}
	return false, nil
}

// start launches one attempt. Batch runs get their machine's addresses
// appended to the command so the test can reach its dedicated machine.
func (s *Scheduler) start(ctx context.Context, run *types.TestRun, m *types.Machine) (*attempt, error) {
	command := append([]string{}, run.Case.Command...)
	if m != nil {
		command = append(command, "--ssh-addr", m.SSHAddr, "--web-addr", m.WebAddr)
	}

	timeout := run.Case.Timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}

	_, span := s.tracer.Start(ctx, fmt.Sprintf("test %s", run.Case.ID))
	handle, err := s.cfg.Starter.Start(command, timeout)
	if err != nil {
		span.End()
		return nil, fmt.Errorf("starting test %s: %w", run.Case.ID, err)
	}

	s.log.Debug("Dispatched attempt", "test", run.Case.ID, "attempt", run.Attempt, "batch", run.Batch)
	metrics.RecordAttempt(run.Case.ID)
	return &attempt{run: run, handle: handle, startedAt: time.Now(), span: span}, nil
}

// pollCompletions checks every running attempt for exit and resolves the
// completed ones through the policy engine.
func (s *Scheduler) pollCompletions(ctx context.Context) (bool, error) {
	completed := false

	remaining := s.active[:0]
	for _, att := range s.active {
		done, code := att.handle.Poll()
		if !done {
			remaining = append(remaining, att)
			continue
		}
		completed = true
		s.resolve(ctx, att, code, nil)
	}
	s.active = remaining

	for _, b := range s.batches {
		if !b.working {
			continue
		}
		done, code := b.active.handle.Poll()
		if !done {
			continue
		}
		completed = true
		att := b.active
		b.active = nil
		b.working = false
		s.resolve(ctx, att, code, b)

		// A permanently drained batch releases its machine.
		if len(b.queue) == 0 && !b.working && b.provisioned && !b.killed {
			if err := s.cfg.Provider.Kill(ctx, b.machine); err != nil {
				s.log.Error("Killing drained batch machine failed", "machine", b.machine.ID, "error", err)
			}
			b.killed = true
		}
	}
	return completed, nil
}

// resolve classifies a finished attempt, applies the retry decision, and
// either re-enqueues the run at the front of its originating queue or
// hands the terminal result to the reporter.
func (s *Scheduler) resolve(ctx context.Context, att *attempt, code int, b *batch) {
	run := att.run
	run.Output = bytes.Clone(att.handle.Output())
	run.Class = types.ClassifyExit(code)
	run.Duration = time.Since(att.startedAt)
	att.span.End()
	if b != nil {
		b.duration += run.Duration
	}

	decision := s.cfg.Policy.Decide(ctx, run)
	s.log.Debug("Attempt resolved",
		"test", run.Case.ID, "attempt", run.Attempt, "class", run.Class,
		"decision", decision.Kind, "reason", decision.Reason)

	if decision.ResetMachine && b != nil {
		b.needsReset = true
	}

	if decision.Kind == types.DecisionRetry {
		metrics.RecordRetry(run.Case.ID, decision.Reason)
		s.cfg.Reporter.Retry(run, decision.Reason)
		run.Attempt++
		run.Output = nil
		// Front of the originating queue: the retried run is the next
		// candidate for its batch or parallel slot.
		if b != nil {
			b.queue = append([]*types.TestRun{run}, b.queue...)
		} else {
			s.parallel = append([]*types.TestRun{run}, s.parallel...)
		}
		return
	}

	metrics.RecordResult(run.Case.ID, terminalStatus(decision))
	s.cfg.Reporter.Result(run, decision)
}

// killAll terminates running attempts and releases every provisioned
// machine; used on cancellation.
func (s *Scheduler) killAll(ctx context.Context) {
	for _, att := range s.active {
		_ = att.handle.Kill()
	}
	for _, b := range s.batches {
		if b.working && b.active != nil {
			_ = b.active.handle.Kill()
		}
		if b.provisioned && !b.killed {
			if err := s.cfg.Provider.Kill(ctx, b.machine); err != nil {
				s.log.Error("Killing machine failed", "machine", b.machine.ID, "error", err)
			}
			b.killed = true
		}
	}
}

func terminalStatus(d types.RetryDecision) types.TestStatus {
	if d.Kind == types.DecisionFail {
		return types.TestStatusFail
	}
	return d.Status
}
