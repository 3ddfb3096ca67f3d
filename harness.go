// Package harness wires the op-harness orchestrator together: inventory,
// scheduler, retry policy, machine provider, and the result stream.
package harness

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-harness/inventory"
	"github.com/ethereum-optimism/infra/op-harness/machine"
	"github.com/ethereum-optimism/infra/op-harness/policy"
	"github.com/ethereum-optimism/infra/op-harness/report"
	"github.com/ethereum-optimism/infra/op-harness/runner"
	"github.com/ethereum-optimism/infra/op-harness/scheduler"
	"github.com/ethereum-optimism/infra/op-harness/types"
	"github.com/ethereum-optimism/optimism/op-service/cliapp"
)

// harness implements the cliapp.Lifecycle interface.
var _ cliapp.Lifecycle = &harness{}

// harness orchestrates test suite runs.
type harness struct {
	ctx       context.Context
	config    *Config
	version   string
	inventory *inventory.Inventory
	affected  types.AffectedSet

	failures int
	lastRun  []report.Record

	running atomic.Bool
	done    chan struct{}
	wg      sync.WaitGroup

	shutdownCallback func(error) // Callback to signal application shutdown
}

func New(ctx context.Context, config *Config, version string, shutdownCallback func(error)) (*harness, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}

	config.Log.Debug("Creating harness with config",
		"manifest", config.Manifest,
		"affected", config.AffectedFile,
		"jobs", config.Jobs,
		"batches", config.Batches,
		"strict", config.Strict,
		"runOnce", config.RunOnce)

	inv, err := inventory.New(inventory.Config{
		Log:            config.Log,
		ManifestFile:   config.Manifest,
		DefaultTimeout: config.DefaultTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create inventory: %w", err)
	}

	affected, err := inventory.LoadAffectedSet(config.AffectedFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load affected set: %w", err)
	}
	config.Log.Info("harness.New: loaded inventory",
		"tests", len(inv.TestCases()), "affected", len(affected))

	return &harness{
		ctx:              ctx,
		config:           config,
		version:          version,
		inventory:        inv,
		affected:         affected,
		done:             make(chan struct{}),
		shutdownCallback: shutdownCallback,
	}, nil
}

// Start runs the test suite, once or periodically at the configured
// interval. Start implements the cliapp.Lifecycle interface.
func (h *harness) Start(ctx context.Context) error {
	h.ctx = ctx
	h.done = make(chan struct{})
	h.running.Store(true)

	if h.config.RunOnce {
		h.config.Log.Info("Starting op-harness in run-once mode")
	} else {
		h.config.Log.Info("Starting op-harness in continuous mode", "interval", h.config.RunInterval)
	}

	if err := h.runSuite(ctx); err != nil {
		h.config.Log.Error("Runtime error running tests", "error", err)
		return NewRuntimeError(err)
	}

	if h.config.RunOnce {
		h.config.Log.Info("Run completed, exiting (run-once mode)", "failures", h.failures)
		if h.failures > 0 {
			// The exit status equals the count of non-recovered failures.
			return NewTestFailureError(h.failures)
		}
		go func() {
			h.shutdownCallback(nil)
		}()
		return nil
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.config.Log.Debug("Starting periodic suite runner goroutine", "interval", h.config.RunInterval)

		for {
			select {
			case <-time.After(h.config.RunInterval):
				if !h.running.Load() {
					h.config.Log.Debug("Service stopped, exiting periodic suite runner")
					return
				}
				h.config.Log.Info("Running periodic suite")
				if err := h.runSuite(h.ctx); err != nil {
					h.config.Log.Error("Error running periodic suite", "error", err)
				}

			case <-h.done:
				h.config.Log.Debug("Done signal received, stopping periodic suite runner")
				return

			case <-ctx.Done():
				h.config.Log.Debug("Context canceled, stopping periodic suite runner")
				h.running.Store(false)
				return
			}
		}
	}()
	h.config.Log.Debug("op-harness started successfully")
	return nil
}

// runSuite performs one complete run: schedule everything, drive the
// control loop to quiescence, and render the summary.
func (h *harness) runSuite(ctx context.Context) error {
	runID := uuid.New().String()
	logger := h.config.Log.New("run_id", runID)
	cases := h.inventory.TestCases()

	reporter := report.New(os.Stdout, logger)
	if h.config.CaptureDir != "" {
		reporter.CaptureDir = filepath.Join(h.config.CaptureDir, runID)
	}

	var oracle policy.Oracle
	if h.config.OraclePath != "" {
		oracle = policy.NewExecOracle(h.config.OraclePath, logger)
	}
	engine := policy.NewEngine(policy.Config{
		Affected: h.affected,
		Oracle:   oracle,
		Strict:   h.config.Strict,
		Log:      logger,
	})

	provider, err := h.newProvider(ctx, cases, logger)
	if err != nil {
		return err
	}

	sched, err := scheduler.New(scheduler.Config{
		Cases:          cases,
		JobLimit:       h.config.Jobs,
		BatchCount:     h.config.Batches,
		DefaultTimeout: h.config.DefaultTimeout,
		Starter:        runner.NewProcessStarter(logger),
		Policy:         engine,
		Reporter:       reporter,
		Provider:       provider,
		Log:            logger,
	})
	if err != nil {
		return fmt.Errorf("creating scheduler: %w", err)
	}

	start := time.Now()
	if err := sched.Run(ctx); err != nil {
		return fmt.Errorf("running suite: %w", err)
	}

	h.failures = reporter.Failures()
	h.lastRun = reporter.Results()
	h.printResultsTable(runID, time.Since(start))
	logger.Info("Suite run completed", "failures", h.failures, "tests", len(cases))
	return nil
}

// newProvider builds the machine provider backing serial batches. Runs
// without destructive tests need no machines at all.
func (h *harness) newProvider(ctx context.Context, cases []types.TestCase, logger log.Logger) (machine.Provider, error) {
	destructive := false
	for _, tc := range cases {
		if tc.Destructive {
			destructive = true
			break
		}
	}
	if !destructive {
		return nil, nil
	}
	if h.config.MachineImage == "" {
		return nil, fmt.Errorf("manifest contains destructive tests but no machine image is configured")
	}
	provider, err := machine.NewDockerProvider(ctx, machine.DockerConfig{
		Image:    h.config.MachineImage,
		BasePort: h.config.MachineBasePort,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("creating machine provider: %w", err)
	}
	return provider, nil
}

// Stop stops the op-harness service.
// Stop implements the cliapp.Lifecycle interface.
func (h *harness) Stop(ctx context.Context) error {
	h.config.Log.Info("Stopping op-harness")

	if !h.running.Load() {
		h.config.Log.Debug("Service already stopped, nothing to do")
		return nil
	}

	h.running.Store(false)
	close(h.done)

	h.config.Log.Info("op-harness stopped successfully")
	return nil
}

// Stopped returns true if the op-harness service is stopped.
// Stopped implements the cliapp.Lifecycle interface.
func (h *harness) Stopped() bool {
	return !h.running.Load()
}

// WaitForShutdown blocks until all goroutines have terminated.
func (h *harness) WaitForShutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		h.config.Log.Warn("Timed out waiting for goroutines to terminate", "error", ctx.Err())
		return ctx.Err()
	}
}
