package flags

import (
	"fmt"

	"github.com/urfave/cli/v2"

	opservice "github.com/ethereum-optimism/optimism/op-service"
	oplog "github.com/ethereum-optimism/optimism/op-service/log"
	opmetrics "github.com/ethereum-optimism/optimism/op-service/metrics"
)

const EnvVarPrefix = "OP_HARNESS"

var (
	Manifest = &cli.StringFlag{
		Name:     "manifest",
		Value:    "",
		Required: true,
		EnvVars:  opservice.PrefixEnvVar(EnvVarPrefix, "MANIFEST"),
		Usage:    "Path to the test manifest file (eg. 'tests.yaml')",
	}
	AffectedSet = &cli.StringFlag{
		Name:    "affected",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "AFFECTED"),
		Usage:   "Path to the affected-test ID file produced by change detection",
	}
	Oracle = &cli.StringFlag{
		Name:    "oracle",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "ORACLE"),
		Usage:   "Path to the advisory oracle executable consulted on failing attempts",
	}
	Strict = &cli.BoolFlag{
		Name:    "strict",
		Value:   false,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "STRICT"),
		Usage:   "Strict mode: never consult the advisory oracle",
	}
	Jobs = &cli.IntFlag{
		Name:    "jobs",
		Value:   4,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "JOBS"),
		Usage:   "Maximum number of concurrently running parallel tests",
	}
	Batches = &cli.IntFlag{
		Name:    "batches",
		Value:   2,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "BATCHES"),
		Usage:   "Number of serial batches, each backed by a dedicated machine",
	}
	MachineImage = &cli.StringFlag{
		Name:    "machine-image",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "MACHINE_IMAGE"),
		Usage:   "Container image backing serial batch machines (required when the manifest has destructive tests)",
	}
	MachineBasePort = &cli.IntFlag{
		Name:    "machine-base-port",
		Value:   22000,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "MACHINE_BASE_PORT"),
		Usage:   "First host port used for published machine ssh/web ports",
	}
	DefaultTimeout = &cli.DurationFlag{
		Name:    "default-timeout",
		Value:   0,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "DEFAULT_TIMEOUT"),
		Usage:   "Default per-test timeout for tests without one in the manifest",
	}
	RunInterval = &cli.DurationFlag{
		Name:    "run-interval",
		Value:   0,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "RUN_INTERVAL"),
		Usage:   "Interval between test runs (e.g. '1h', '30m'). Set to 0 or omit for run-once mode.",
	}
	CaptureDir = &cli.StringFlag{
		Name:    "capture-dir",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "CAPTURE_DIR"),
		Usage:   "Directory to store captured test output per run",
	}
)

var requiredFlags = []cli.Flag{
	Manifest,
}

var optionalFlags = []cli.Flag{
	AffectedSet,
	Oracle,
	Strict,
	Jobs,
	Batches,
	MachineImage,
	MachineBasePort,
	DefaultTimeout,
	RunInterval,
	CaptureDir,
}

var Flags []cli.Flag

func init() {
	optionalFlags = append(optionalFlags, oplog.CLIFlags(EnvVarPrefix)...)
	optionalFlags = append(optionalFlags, opmetrics.CLIFlags(EnvVarPrefix)...)

	Flags = append(requiredFlags, optionalFlags...)
}

func CheckRequired(ctx *cli.Context) error {
	for _, f := range requiredFlags {
		if !ctx.IsSet(f.Names()[0]) {
			return fmt.Errorf("flag %s is required", f.Names()[0])
		}
	}
	return nil
}
