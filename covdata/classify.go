package covdata

import "strings"

// workspaceRoots are the path prefixes that mark a path as belonging to the
// workspace even when the toolchain reports it in relative form already.
var workspaceRoots = []string{"libs/", "modules/", "apps/"}

// systemModuleParent is the one module directory whose children are reported
// as separate modules, so each system submodule gets its own report row.
const systemModuleParent = "system"

// NormalizePath maps a toolchain-reported path to workspace-relative form:
// forward slashes, no leading "./", and no workspace prefix. Paths outside
// the workspace are returned unchanged (they classify as external).
func NormalizePath(path, workspaceDir string) string {
	s := strings.ReplaceAll(path, "\\", "/")
	s = strings.TrimPrefix(s, "./")
	for _, root := range workspaceRoots {
		if strings.HasPrefix(s, root) {
			return s
		}
	}
	root := strings.TrimRight(strings.ReplaceAll(workspaceDir, "\\", "/"), "/")
	if root != "" && strings.HasPrefix(s, root+"/") {
		return s[len(root)+1:]
	}
	return s
}

// Classify maps a normalized path to its category and, for modules and
// libraries, the group name. Total and deterministic: every path maps to
// exactly one outcome.
func Classify(relPath string) (Category, string) {
	relPath = strings.TrimPrefix(relPath, "./")
	switch {
	case strings.HasPrefix(relPath, "libs/"):
		parts := strings.Split(relPath, "/")
		if len(parts) >= 2 {
			return CategoryLibrary, parts[1]
		}
		return CategoryFile, ""
	case strings.HasPrefix(relPath, "modules/"):
		parts := strings.Split(relPath, "/")
		if len(parts) >= 3 && parts[1] == systemModuleParent {
			return CategoryModule, parts[2]
		}
		if len(parts) >= 2 {
			return CategoryModule, parts[1]
		}
		return CategoryFile, ""
	case strings.HasPrefix(relPath, "apps/"):
		return CategoryFile, ""
	default:
		return CategoryExternal, ""
	}
}
