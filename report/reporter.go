// Package report emits the line-oriented result stream consumed by CI
// tooling: a TAP-style plan, per-test ok / not ok lines preceded by the
// attempt's captured output, retry annotations, and a final summary.
package report

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-harness/types"
)

// Record is the terminal outcome of one test case, kept for the summary
// table rendered after the stream completes.
type Record struct {
	Case     types.TestCase
	Status   types.TestStatus
	Reason   string
	Duration time.Duration
	Attempts int
}

// Reporter streams results in completion order. Every record (captured
// output plus its trailing line) is assembled in a buffer and written in
// a single call so a result is never emitted truncated.
type Reporter struct {
	w        io.Writer
	log      log.Logger
	hostname string

	// CaptureDir, when set, receives a copy of every attempt's captured
	// output as <id>.attempt<N>.log.
	CaptureDir string

	planned  int
	failures int
	results  []Record
}

// New creates a Reporter writing to w.
func New(w io.Writer, logger log.Logger) *Reporter {
	if logger == nil {
		logger = log.New()
	}
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return &Reporter{w: w, log: logger, hostname: hostname}
}

// Plan emits the plan line. n is the number of distinct scheduled test
// cases, independent of any later retries.
func (r *Reporter) Plan(n int) {
	r.planned = n
	r.write(fmt.Sprintf("1..%d\n", n))
}

// Result emits the captured output of a terminal attempt followed by its
// ok / not ok line.
func (r *Reporter) Result(run *types.TestRun, decision types.RetryDecision) {
	r.persist(run)

	status := decision.Status
	if decision.Kind == types.DecisionFail {
		status = types.TestStatusFail
	}
	r.results = append(r.results, Record{
		Case:     run.Case,
		Status:   status,
		Reason:   decision.Reason,
		Duration: run.Duration,
		Attempts: run.Attempt + 1,
	})

	var rec bytes.Buffer
	writeOutput(&rec, run.Output)

	switch {
	case decision.Kind == types.DecisionFail || decision.Status == types.TestStatusFail:
		r.failures++
		fmt.Fprintf(&rec, "not ok %s %s %s\n", run.Case.ID, run.Case.Suite, run.Case.Name)
	case decision.Status == types.TestStatusSkip:
		fmt.Fprintf(&rec, "ok %s %s %s  %s\n", run.Case.ID, run.Case.Suite, run.Case.Name, decision.Reason)
	default:
		fmt.Fprintf(&rec, "ok %s %s %s\n", run.Case.ID, run.Case.Suite, run.Case.Name)
	}
	r.write(rec.String())
}

// Retry emits the captured output of a non-terminal attempt followed by
// a retry annotation instead of an ok / not ok line.
func (r *Reporter) Retry(run *types.TestRun, reason string) {
	r.persist(run)

	var rec bytes.Buffer
	writeOutput(&rec, run.Output)
	fmt.Fprintf(&rec, "# retry %d %s %s %s: %s\n",
		run.Attempt+1, run.Case.ID, run.Case.Suite, run.Case.Name, reason)
	r.write(rec.String())
}

// Summary emits the final summary line with the total duration, the host
// the run executed on, the serial test count, and per-batch durations.
func (r *Reporter) Summary(total time.Duration, serialTests int, batchDurations []time.Duration) {
	detail := fmt.Sprintf("%ds on %s", int(total.Round(time.Second).Seconds()), r.hostname)
	if len(batchDurations) > 0 {
		parts := make([]string, len(batchDurations))
		for i, d := range batchDurations {
			parts[i] = fmt.Sprintf("batch%d=%ds", i, int(d.Round(time.Second).Seconds()))
		}
		detail = fmt.Sprintf("%s, %d serial tests: %s", detail, serialTests, strings.Join(parts, " "))
	}

	if r.failures == 0 {
		r.write(fmt.Sprintf("# TESTS PASSED [%s]\n", detail))
	} else {
		r.write(fmt.Sprintf("# %d TESTS FAILED [%s]\n", r.failures, detail))
	}
}

// Failures returns the count of non-recovered failures reported so far.
// The process exit status equals this count.
func (r *Reporter) Failures() int {
	return r.failures
}

// Results returns the terminal outcomes in completion order.
func (r *Reporter) Results() []Record {
	out := make([]Record, len(r.results))
	copy(out, r.results)
	return out
}

// persist copies an attempt's captured output into the capture directory.
func (r *Reporter) persist(run *types.TestRun) {
	if r.CaptureDir == "" || len(run.Output) == 0 {
		return
	}
	if err := os.MkdirAll(r.CaptureDir, 0755); err != nil {
		r.log.Error("Creating capture directory failed", "dir", r.CaptureDir, "error", err)
		return
	}
	name := filepath.Join(r.CaptureDir, fmt.Sprintf("%s.attempt%d.log", run.Case.ID, run.Attempt))
	if err := os.WriteFile(name, run.Output, 0644); err != nil {
		r.log.Error("Writing capture file failed", "file", name, "error", err)
	}
}

func (r *Reporter) write(record string) {
	if _, err := io.WriteString(r.w, record); err != nil {
		r.log.Error("Writing result record failed", "error", err)
	}
}

// writeOutput copies captured output verbatim into the record, ensuring
// the following result line starts on its own line.
func writeOutput(rec *bytes.Buffer, output []byte) {
	if len(output) == 0 {
		return
	}
	rec.Write(output)
	if output[len(output)-1] != '\n' {
		rec.WriteByte('\n')
	}
}
