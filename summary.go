package harness

import (
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/ethereum-optimism/infra/op-harness/types"
)

// printResultsTable renders a human-readable summary of the last run.
// It goes to stderr so the machine-parseable stream on stdout stays clean.
func (h *harness) printResultsTable(runID string, duration time.Duration) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stderr)
	t.SetTitle(fmt.Sprintf("Suite Results %s (%s)", runID, formatDuration(duration)))

	t.AppendHeader(table.Row{
		"Suite", "Test", "Attempts", "Duration", "Status", "Reason",
	})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Suite", AutoMerge: true},
		{Name: "Test", WidthMax: 50, WidthMaxEnforcer: text.WrapSoft},
		{Name: "Attempts", Align: text.AlignRight},
		{Name: "Duration", Align: text.AlignRight},
		{Name: "Reason", WidthMax: 60, WidthMaxEnforcer: text.WrapSoft},
	})

	var passed, failed, skipped int
	var total time.Duration
	for _, rec := range h.lastRun {
		switch rec.Status {
		case types.TestStatusPass:
			passed++
		case types.TestStatusFail:
			failed++
		case types.TestStatusSkip:
			skipped++
		}
		total += rec.Duration

		t.AppendRow(table.Row{
			rec.Case.Suite,
			rec.Case.Name,
			rec.Attempts,
			formatDuration(rec.Duration),
			getResultString(rec.Status),
			rec.Reason,
		})
	}

	if failed > 0 {
		t.SetStyle(table.StyleColoredBlackOnRedWhite)
	} else if skipped > 0 {
		t.SetStyle(table.StyleColoredBlackOnYellowWhite)
	} else {
		t.SetStyle(table.StyleColoredBlackOnGreenWhite)
	}

	t.AppendFooter(table.Row{
		"TOTAL",
		fmt.Sprintf("%d tests", len(h.lastRun)),
		"",
		formatDuration(total),
		fmt.Sprintf("%d pass / %d fail / %d skip", passed, failed, skipped),
		"",
	})

	t.Render()
}
