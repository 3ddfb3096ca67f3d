package harness

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/ethereum-optimism/infra/op-harness/flags"
	"github.com/ethereum/go-ethereum/log"
)

// Config holds the application configuration
type Config struct {
	Manifest        string        // Path to the test manifest
	AffectedFile    string        // Path to the affected-test ID file (optional)
	OraclePath      string        // Path to the advisory oracle executable (optional)
	Strict          bool          // Strict mode disables oracle consultation
	Jobs            int           // Parallel job limit
	Batches         int           // Number of serial batches / dedicated machines
	MachineImage    string        // Container image backing batch machines
	MachineBasePort int           // First host port for published machine ports
	DefaultTimeout  time.Duration // Default per-test timeout
	RunInterval     time.Duration // Interval between test runs
	RunOnce         bool          // Indicates if the service should exit after one test run
	CaptureDir      string        // Directory for per-run captured output, empty disables
	Log             log.Logger
}

// NewConfig creates a new Config from cli context
func NewConfig(ctx *cli.Context, logger log.Logger, manifest string) (*Config, error) {
	if err := flags.CheckRequired(ctx); err != nil {
		return nil, fmt.Errorf("missing required flags: %w", err)
	}
	if manifest == "" {
		return nil, fmt.Errorf("test manifest is required")
	}

	absManifest, err := filepath.Abs(manifest)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path for manifest '%s': %w", manifest, err)
	}

	affected := ctx.String(flags.AffectedSet.Name)
	if affected != "" {
		affected, err = filepath.Abs(affected)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve absolute path for affected set '%s': %w", affected, err)
		}
	}

	captureDir := ctx.String(flags.CaptureDir.Name)
	if captureDir != "" {
		captureDir, err = filepath.Abs(captureDir)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve absolute path for capture dir '%s': %w", captureDir, err)
		}
	}

	jobs := ctx.Int(flags.Jobs.Name)
	if jobs < 1 {
		return nil, fmt.Errorf("jobs must be at least 1, got %d", jobs)
	}
	batches := ctx.Int(flags.Batches.Name)
	if batches < 1 {
		return nil, fmt.Errorf("batches must be at least 1, got %d", batches)
	}

	runInterval := ctx.Duration(flags.RunInterval.Name)
	runOnce := runInterval == 0

	defaultTimeout := ctx.Duration(flags.DefaultTimeout.Name)
	if defaultTimeout <= 0 {
		defaultTimeout = 10 * time.Minute
	}

	return &Config{
		Manifest:        absManifest,
		AffectedFile:    affected,
		OraclePath:      ctx.String(flags.Oracle.Name),
		Strict:          ctx.Bool(flags.Strict.Name),
		Jobs:            jobs,
		Batches:         batches,
		MachineImage:    ctx.String(flags.MachineImage.Name),
		MachineBasePort: ctx.Int(flags.MachineBasePort.Name),
		DefaultTimeout:  defaultTimeout,
		RunInterval:     runInterval,
		RunOnce:         runOnce,
		CaptureDir:      captureDir,
		Log:             logger,
	}, nil
}
