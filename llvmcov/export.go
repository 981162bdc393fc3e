package llvmcov

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum-optimism/infra/op-coverage/covdata"
)

// MalformedCoverageDataError reports a coverage export that violates the
// contract this orchestrator reads. Every structural problem in the export
// surfaces as this one error type.
type MalformedCoverageDataError struct {
	Reason string
	Err    error
}

func (e *MalformedCoverageDataError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed coverage data: %s: %v", e.Reason, e.Err)
	}
	return "malformed coverage data: " + e.Reason
}

func (e *MalformedCoverageDataError) Unwrap() error {
	return e.Err
}

// The export document carries many fields beyond these; only the ones the
// orchestrator reads are bound here.
type exportDoc struct {
	Data []exportDataset `json:"data"`
}

type exportDataset struct {
	Files []exportFile `json:"files"`
}

type exportFile struct {
	Filename string         `json:"filename"`
	Summary  *exportSummary `json:"summary"`
}

type exportSummary struct {
	Regions   exportCounts `json:"regions"`
	Functions exportCounts `json:"functions"`
	Lines     exportCounts `json:"lines"`
}

type exportCounts struct {
	Count   uint64 `json:"count"`
	Covered uint64 `json:"covered"`
}

// ParseExport validates the llvm-cov JSON export and maps its first dataset
// into raw file summaries for aggregation.
func ParseExport(data []byte) ([]covdata.RawFileSummary, error) {
	var doc exportDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &MalformedCoverageDataError{Reason: "invalid JSON", Err: err}
	}
	if len(doc.Data) == 0 {
		return nil, &MalformedCoverageDataError{Reason: "export contains no datasets"}
	}

	files := doc.Data[0].Files
	out := make([]covdata.RawFileSummary, 0, len(files))
	for i, f := range files {
		if f.Filename == "" {
			return nil, &MalformedCoverageDataError{Reason: fmt.Sprintf("file entry %d has no filename", i)}
		}
		if f.Summary == nil {
			return nil, &MalformedCoverageDataError{Reason: fmt.Sprintf("file %q has no summary", f.Filename)}
		}
		for dim, c := range map[string]exportCounts{
			"regions":   f.Summary.Regions,
			"functions": f.Summary.Functions,
			"lines":     f.Summary.Lines,
		} {
			if c.Covered > c.Count {
				return nil, &MalformedCoverageDataError{
					Reason: fmt.Sprintf("file %q: %s covered %d exceeds count %d", f.Filename, dim, c.Covered, c.Count),
				}
			}
		}
		out = append(out, covdata.RawFileSummary{
			Filename:  f.Filename,
			Regions:   metricFromCounts(f.Summary.Regions),
			Functions: metricFromCounts(f.Summary.Functions),
			Lines:     metricFromCounts(f.Summary.Lines),
		})
	}
	return out, nil
}

func metricFromCounts(c exportCounts) covdata.Metric {
	return covdata.Metric{Covered: c.Covered, Total: c.Count}
}
