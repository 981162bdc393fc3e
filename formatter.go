package cover

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// PhaseStatus classifies the outcome of one pipeline phase.
type PhaseStatus string

const (
	PhaseStatusPass PhaseStatus = "pass"
	PhaseStatusFail PhaseStatus = "fail"
	PhaseStatusSkip PhaseStatus = "skip"
)

// PhaseResult records one pipeline phase for the run summary.
type PhaseResult struct {
	Name     string
	Duration time.Duration
	Status   PhaseStatus
	Err      error
}

// printPhaseTable renders the run summary table for a finished pipeline.
func printPhaseTable(out io.Writer, mode Mode, phases []PhaseResult, total time.Duration) {
	if out == nil {
		out = os.Stdout
	}

	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetTitle(fmt.Sprintf("Coverage Run Summary: %s (%s)", mode, formatDuration(total)))

	t.AppendHeader(table.Row{"Phase", "Duration", "Status", "Error"})

	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Duration", Align: text.AlignRight},
		{Name: "Error", WidthMax: 80, WidthMaxEnforcer: text.WrapSoft},
	})

	failed := false
	for _, p := range phases {
		errMsg := ""
		if p.Err != nil {
			errMsg = p.Err.Error()
		}
		if p.Status == PhaseStatusFail {
			failed = true
		}
		t.AppendRow(table.Row{p.Name, formatDuration(p.Duration), getPhaseStatusString(p.Status), errMsg})
	}

	if failed {
		t.SetStyle(table.StyleColoredBlackOnRedWhite)
	} else {
		t.SetStyle(table.StyleColoredBlackOnGreenWhite)
	}

	overall := PhaseStatusPass
	if failed {
		overall = PhaseStatusFail
	}
	t.AppendFooter(table.Row{"TOTAL", formatDuration(total), getPhaseStatusString(overall), ""})

	t.Render()
}

// getPhaseStatusString returns a compact marker for the status column.
func getPhaseStatusString(status PhaseStatus) string {
	switch status {
	case PhaseStatusPass:
		return "✓ pass"
	case PhaseStatusSkip:
		return "- skip"
	default:
		return "✗ fail"
	}
}

// Helper function to format duration to seconds with 1 decimal place
func formatDuration(d time.Duration) string {
	return fmt.Sprintf("%.1fs", d.Seconds())
}
