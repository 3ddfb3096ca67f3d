// Package exitcodes defines the exit statuses of op-harness.
package exitcodes

// The process exit status is part of the wire contract with CI:
//
//   - Success (0): every test passed or was skipped
//   - 1..MaxTestFailures: the number of non-recovered test failures
//   - RuntimeErr (2): operational failure before or during the run
//     (bad config, provisioning error); note it overlaps with a
//     two-failure run, which CI tooling disambiguates via the stream
const (
	Success    = 0
	RuntimeErr = 2

	// MaxTestFailures caps the failure-count exit status so it stays
	// clear of the shell's 126+ signal range.
	MaxTestFailures = 125
)
