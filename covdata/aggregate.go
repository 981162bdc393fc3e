package covdata

import (
	"sort"
)

// Options configures one aggregation pass.
type Options struct {
	// WorkspaceDir anchors path normalization and, in expand mode, the
	// source file enumeration.
	WorkspaceDir string
	// ExpandToWorkspace synthesizes zero-coverage entries for workspace
	// source files absent from the raw dataset. Instrumentation silently
	// omits files with no executed coverage points, which would otherwise
	// inflate the reported percentage by hiding entirely-untested files.
	ExpandToWorkspace bool
}

type groupKey struct {
	kind Category
	name string
}

// Aggregate classifies every raw entry and accumulates per-file records into
// group and workspace totals. External files are dropped from all aggregates.
// The pass is pure apart from the optional expand enumeration: identical
// input yields an identical report.
func Aggregate(raw []RawFileSummary, opts Options) (*Report, error) {
	report := &Report{InstrumentedFiles: len(raw)}
	groups := make(map[groupKey]*GroupCoverage)

	for _, entry := range raw {
		rel := NormalizePath(entry.Filename, opts.WorkspaceDir)
		category, groupName := Classify(rel)
		if category == CategoryExternal {
			continue
		}

		file := FileCoverage{
			Path:      rel,
			Regions:   entry.Regions,
			Functions: entry.Functions,
			Lines:     entry.Lines,
		}
		report.Files = append(report.Files, file)

		if (category == CategoryModule || category == CategoryLibrary) && groupName != "" {
			g := ensureGroup(groups, category, groupName)
			g.Regions.add(file.Regions)
			g.Functions.add(file.Functions)
			g.Lines.add(file.Lines)
		}

		report.Total.Regions.add(file.Regions)
		report.Total.Functions.add(file.Functions)
		report.Total.Lines.add(file.Lines)
	}

	if opts.ExpandToWorkspace {
		if err := expandToWorkspace(report, groups, opts.WorkspaceDir); err != nil {
			return nil, err
		}
	}

	for _, g := range groups {
		report.Groups = append(report.Groups, *g)
	}
	sort.Slice(report.Files, func(i, j int) bool {
		return report.Files[i].Path < report.Files[j].Path
	})
	sort.Slice(report.Groups, func(i, j int) bool {
		a, b := report.Groups[i], report.Groups[j]
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		return a.Name < b.Name
	})

	return report, nil
}

func ensureGroup(groups map[groupKey]*GroupCoverage, kind Category, name string) *GroupCoverage {
	key := groupKey{kind: kind, name: name}
	g, ok := groups[key]
	if !ok {
		g = &GroupCoverage{Name: name, Kind: kind}
		groups[key] = g
	}
	return g
}
