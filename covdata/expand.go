package covdata

import (
	"bufio"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// sourceRoots are the workspace directories enumerated in expand mode; apps
// are excluded, matching their file-level (ungrouped) classification.
var sourceRoots = []string{"libs", "modules"}

// expandToWorkspace adds a zero-coverage record for every workspace source
// file the raw dataset never mentioned. The synthesized line total is the
// file's non-blank line count. That is a heuristic denominator, not the
// toolchain's own line accounting, but it keeps fully-untested files from
// vanishing out of the report.
func expandToWorkspace(report *Report, groups map[groupKey]*GroupCoverage, workspaceDir string) error {
	seen := make(map[string]struct{}, len(report.Files))
	for _, f := range report.Files {
		seen[f.Path] = struct{}{}
	}

	rels, err := enumerateSourceFiles(workspaceDir)
	if err != nil {
		return err
	}

	for _, rel := range rels {
		if _, ok := seen[rel]; ok {
			continue
		}
		category, groupName := Classify(rel)
		loc := countNonBlankLines(filepath.Join(workspaceDir, filepath.FromSlash(rel)))

		report.Files = append(report.Files, FileCoverage{
			Path:  rel,
			Lines: Metric{Covered: 0, Total: loc},
		})
		if (category == CategoryModule || category == CategoryLibrary) && groupName != "" {
			g := ensureGroup(groups, category, groupName)
			g.Lines.Total += loc
		}
		report.Total.Lines.Total += loc
	}
	return nil
}

// enumerateSourceFiles lists Rust sources under the workspace source roots
// as sorted, slash-separated relative paths.
func enumerateSourceFiles(workspaceDir string) ([]string, error) {
	var rels []string
	for _, top := range sourceRoots {
		root := filepath.Join(workspaceDir, top)
		if _, err := os.Stat(root); os.IsNotExist(err) {
			continue
		}
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !strings.HasSuffix(d.Name(), ".rs") {
				return nil
			}
			rel, err := filepath.Rel(workspaceDir, path)
			if err != nil {
				return err
			}
			rels = append(rels, filepath.ToSlash(rel))
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return rels, nil
}

// countNonBlankLines approximates a file's line-of-code total. Unreadable
// files count as zero, same as files that vanished mid-run.
func countNonBlankLines(path string) uint64 {
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()

	var count uint64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if strings.TrimSpace(scanner.Text()) != "" {
			count++
		}
	}
	return count
}
