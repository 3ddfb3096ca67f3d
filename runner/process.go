// Package runner launches one external process per test attempt under an
// enforced wall-clock timeout and exposes non-blocking completion polling.
package runner

import (
	"bytes"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/log"
)

// Handle is an opaque running-process handle. Poll is non-blocking;
// Output must only be called after Poll has reported completion.
type Handle interface {
	Poll() (done bool, exitCode int)
	Output() []byte
	Kill() error
}

// Starter launches test attempts. It is an interface so the scheduler
// can be driven by deterministic fakes in tests.
type Starter interface {
	Start(command []string, timeout time.Duration) (Handle, error)
}

// ProcessStarter runs attempts as real OS processes wrapped by an
// external timeout binary. The wrapper guarantees the child is killed
// when the budget elapses and exits with types.ExitTimeout, which the
// policy engine uses to tell a timeout from an ordinary failure.
type ProcessStarter struct {
	TimeoutBinary string // defaults to "timeout"
	Log           log.Logger
}

// NewProcessStarter creates a ProcessStarter with defaults applied.
func NewProcessStarter(logger log.Logger) *ProcessStarter {
	if logger == nil {
		logger = log.New()
	}
	return &ProcessStarter{TimeoutBinary: "timeout", Log: logger}
}

// Start launches the command under the timeout wrapper and begins
// capturing its merged stdout/stderr.
func (s *ProcessStarter) Start(command []string, timeout time.Duration) (Handle, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	wrapper := s.TimeoutBinary
	if wrapper == "" {
		wrapper = "timeout"
	}

	secs := int(timeout / time.Second)
	if secs < 1 {
		secs = 1
	}
	args := append([]string{strconv.Itoa(secs)}, command...)
	cmd := exec.Command(wrapper, args...)

	h := &processHandle{cmd: cmd, exited: make(chan int, 1)}
	// stdout and stderr share one buffer so output interleaves the way
	// it appeared, and memory stays bounded to one buffer per attempt.
	cmd.Stdout = &h.output
	cmd.Stderr = &h.output

	s.Log.Debug("Starting test attempt", "command", cmd.String(), "timeout", timeout)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %q: %w", command[0], err)
	}

	go func() {
		err := cmd.Wait()
		code := 0
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				code = exitErr.ExitCode()
			} else {
				// Wait failed for a non-exit reason (I/O error on the
				// pipes); surface it as an ordinary failure.
				s.Log.Error("Waiting on test process failed", "error", err)
				code = 1
			}
		}
		h.exited <- code
	}()

	return h, nil
}

// processHandle implements Handle around an exec.Cmd.
type processHandle struct {
	cmd    *exec.Cmd
	output bytes.Buffer
	exited chan int

	done bool
	code int
}

// Poll reports whether the process has exited, without blocking.
func (h *processHandle) Poll() (bool, int) {
	if h.done {
		return true, h.code
	}
	select {
	case code := <-h.exited:
		h.done = true
		h.code = code
		return true, code
	default:
		return false, 0
	}
}

// Output returns the merged capture buffer. Only valid once Poll has
// reported completion; the buffer is written concurrently until then.
func (h *processHandle) Output() []byte {
	return h.output.Bytes()
}

// Kill forcibly terminates the wrapper process (and with it the test).
func (h *processHandle) Kill() error {
	if h.done || h.cmd.Process == nil {
		return nil
	}
	return h.cmd.Process.Kill()
}
