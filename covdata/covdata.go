// Package covdata holds the coverage data model and the aggregation pass
// that turns per-file summaries from the instrumentation toolchain into a
// three-tier report: individual files, module/library groups, and a
// workspace total.
package covdata

import (
	"fmt"
	"math"
)

// Metric is covered-vs-total for one coverage dimension (regions, functions
// or lines). Covered never exceeds Total for data that passed ingestion
// validation, and aggregation preserves that.
type Metric struct {
	Covered uint64
	Total   uint64
}

// Percent is the rounded coverage percentage, defined as 0 when nothing was
// instrumented.
func (m Metric) Percent() int {
	if m.Total == 0 {
		return 0
	}
	return int(math.Round(float64(m.Covered) / float64(m.Total) * 100.0))
}

func (m *Metric) add(o Metric) {
	m.Covered += o.Covered
	m.Total += o.Total
}

func (m Metric) String() string {
	return fmt.Sprintf("%d/%d", m.Covered, m.Total)
}

// Category classifies a workspace-relative path. The two grouped categories
// double as the group kind, and their string values are what report rows and
// sort order use.
type Category string

const (
	CategoryFile     Category = "file"
	CategoryModule   Category = "module"
	CategoryLibrary  Category = "lib"
	CategoryExternal Category = "external"
)

// RawFileSummary is one file's counts as ingested from the toolchain export,
// before classification. Filename may still be absolute here.
type RawFileSummary struct {
	Filename  string
	Regions   Metric
	Functions Metric
	Lines     Metric
}

// FileCoverage is one workspace file's coverage with a normalized path.
type FileCoverage struct {
	Path      string
	Regions   Metric
	Functions Metric
	Lines     Metric
}

// GroupCoverage is the element-wise sum over all files classified into one
// module or library.
type GroupCoverage struct {
	Name      string
	Kind      Category
	Regions   Metric
	Functions Metric
	Lines     Metric
}

// TotalCoverage sums every non-external file. Exactly one per report.
type TotalCoverage struct {
	Regions   Metric
	Functions Metric
	Lines     Metric
}

// Report is the aggregated result of one collection run. It is built once
// per invocation and not mutated afterwards.
type Report struct {
	Files  []FileCoverage
	Groups []GroupCoverage
	Total  TotalCoverage

	// InstrumentedFiles counts the files in the raw dataset before
	// classification, external ones included. The report header quotes it
	// as the denominator of "files covered".
	InstrumentedFiles int
}
