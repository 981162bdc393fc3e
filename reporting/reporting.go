// Package reporting renders the aggregated coverage report in a fixed-width
// console layout: individual files, module/library groups, and the workspace
// total, each with region/function/line cells and a below-threshold warning
// marker. Coloring is decided by configuration; the saved artifact is always
// plain text.
package reporting

import (
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/ethereum-optimism/infra/op-coverage/covdata"
)

const (
	// NameColWidth is the width of the path/name column.
	NameColWidth = 70
	// CellColWidth is the width of one coverage cell.
	CellColWidth = 18
	// SeparatorWidth spans the name column plus the three coverage cells.
	SeparatorWidth = NameColWidth + 3*CellColWidth
)

// Artifact names inside one run's output directory.
const (
	HTMLDirName     = "html"
	SummaryFileName = "summary.txt"
	LCOVFileName    = "lcov.info"
	JSONFileName    = "coverage.json"
	ReportFileName  = "coverage_report.txt"
)

// Renderer formats one aggregated report.
type Renderer struct {
	// Threshold is the warning percentage. Cells below it carry a "!"
	// marker and, when coloring is on, the red highlight.
	Threshold int
	// Color turns on ANSI coloring of cells and the header legend.
	Color bool
}

// Render produces the full report. Rows keep the order the aggregation pass
// established. No trailing newline is appended.
func (r Renderer) Render(rep *covdata.Report) string {
	sep := strings.Repeat("=", SeparatorWidth)
	lines := []string{sep, "COVERAGE REPORT", sep, ""}

	lines = append(lines,
		fmt.Sprintf("Files covered: %d out of %d total instrumented files",
			len(rep.Files), rep.InstrumentedFiles),
		fmt.Sprintf("Coverage threshold: %d%%", r.Threshold),
	)
	if r.Color {
		lines = append(lines, fmt.Sprintf("Color coding: %s = above threshold, %s = below threshold",
			colorize(text.FgHiGreen, "green"), colorize(text.FgHiRed, "red")))
	}
	lines = append(lines, "")

	lines = append(lines, sectionHeader("Individual Files:", "-")...)
	for _, f := range rep.Files {
		lines = append(lines, r.row(f.Path, f.Regions, f.Functions, f.Lines))
	}

	lines = append(lines, "")
	lines = append(lines, sectionHeader("Modules & Libraries:", "-")...)
	for _, g := range rep.Groups {
		lines = append(lines, r.row(string(g.Kind)+"/"+g.Name, g.Regions, g.Functions, g.Lines))
	}

	lines = append(lines, "")
	lines = append(lines, sectionHeader("Total:", "=")...)
	lines = append(lines, r.row("TOTAL", rep.Total.Regions, rep.Total.Functions, rep.Total.Lines))
	lines = append(lines, sep)

	return strings.Join(lines, "\n")
}

// Save writes the report artifact at path, rendered without color regardless
// of the renderer's console setting.
func Save(path string, r Renderer, rep *covdata.Report) error {
	plain := r
	plain.Color = false
	if err := os.WriteFile(path, []byte(plain.Render(rep)), 0o644); err != nil {
		return fmt.Errorf("failed to write coverage report: %w", err)
	}
	return nil
}

// row formats one report row. Names wider than the column keep their tail:
// an ellipsis plus the last NameColWidth-3 characters.
func (r Renderer) row(name string, regions, functions, lines covdata.Metric) string {
	if len(name) > NameColWidth-2 {
		name = "..." + name[len(name)-(NameColWidth-3):]
	}
	return fmt.Sprintf("%-*s %s %s %s",
		NameColWidth, name, r.cell(regions), r.cell(functions), r.cell(lines))
}

// cell formats one coverage cell as "!NNN % (missed)". Color wraps the padded
// text so column alignment is unchanged once escape codes are stripped.
func (r Renderer) cell(m covdata.Metric) string {
	percent := m.Percent()
	warning := " "
	if percent < r.Threshold {
		warning = "!"
	}
	padded := fmt.Sprintf("%-*s", CellColWidth,
		fmt.Sprintf("%s%3d %% (%d)", warning, percent, m.Total-m.Covered))
	if !r.Color {
		return padded
	}
	if percent < r.Threshold {
		return colorize(text.FgHiRed, padded)
	}
	return colorize(text.FgHiGreen, padded)
}

// sectionHeader is the five-line block opening a section: a separator, the
// column headers with the section title in the name column, and a closing
// separator. The per-cell header spans three lines.
func sectionHeader(title, separator string) []string {
	sep := strings.Repeat(separator, SeparatorWidth)
	return []string{
		sep,
		headerLine(title, "Regions", "Functions", "Lines"),
		headerLine("", "Coverage %", "Coverage %", "Coverage %"),
		headerLine("", "(missed)", "(missed)", "(missed)"),
		sep,
	}
}

func headerLine(title, c1, c2, c3 string) string {
	return fmt.Sprintf("%-*s %-*s %-*s %-*s",
		NameColWidth, title, CellColWidth, c1, CellColWidth, c2, CellColWidth, c3)
}

// colorize wraps s in the color's escape sequence unconditionally. Whether to
// color at all is the renderer's configuration, not a per-call probe of the
// output stream.
func colorize(c text.Color, s string) string {
	return c.EscapeSeq() + s + text.EscapeReset
}
