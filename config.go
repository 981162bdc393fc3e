package cover

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/ethereum-optimism/infra/op-coverage/flags"
	"github.com/ethereum-optimism/infra/op-coverage/reporting"
	"github.com/ethereum/go-ethereum/log"
)

// Mode selects which test suites feed a coverage run.
type Mode string

const (
	ModeUnit     Mode = "unit"
	ModeE2ELocal Mode = "e2e-local"
	ModeCombined Mode = "combined"
)

const (
	// DefaultE2EConfigFile is the server config used by server-backed modes
	// when --config is not set.
	DefaultE2EConfigFile = "config/e2e-local.yaml"

	// E2EFeaturesFile lists the cargo features enabled for instrumented
	// server builds, one per line, relative to the workspace.
	E2EFeaturesFile = "config/e2e-features.txt"
)

func (m Mode) String() string {
	return string(m)
}

// IsValid reports whether the mode is one of the supported coverage modes.
func (m Mode) IsValid() bool {
	switch m {
	case ModeUnit, ModeE2ELocal, ModeCombined:
		return true
	}
	return false
}

// NeedsServer reports whether the mode boots the instrumented server.
func (m Mode) NeedsServer() bool {
	return m == ModeE2ELocal || m == ModeCombined
}

// ExpandsToWorkspace reports whether report aggregation synthesizes
// zero-coverage entries for uninstrumented workspace files. Only e2e-local
// runs do: they exercise a single binary, so most of the workspace never
// appears in the raw data and the percentages would be misleading without
// the expansion.
func (m Mode) ExpandsToWorkspace() bool {
	return m == ModeE2ELocal
}

// Description is the human-readable label used in console banners.
func (m Mode) Description() string {
	switch m {
	case ModeUnit:
		return "unit tests"
	case ModeE2ELocal:
		return "e2e-local tests"
	case ModeCombined:
		return "combined (unit + e2e)"
	}
	return string(m)
}

// Config holds the application configuration
type Config struct {
	Mode          Mode
	WorkspaceDir  string // Absolute path to the Rust workspace under test
	ConfigFile    string // Server/test config, relative to the workspace; empty in unit mode unless set
	Filter        string // Package filter (unit) or pytest -k expression (e2e-local)
	SkipCollect   bool   // Regenerate reports from existing raw data without running tests
	Threshold     int    // Warning threshold percentage for report cells
	CoverageDir   string // Absolute artifact root; reports land in a per-mode subdirectory
	Color         bool   // Whether the console report is colorized
	SkipToolCheck bool   // Skip the toolchain preflight probes
	Log           log.Logger
}

// NewConfig creates a new Config from cli context
func NewConfig(ctx *cli.Context, log log.Logger, mode Mode) (*Config, error) {
	// Parse flags
	if err := flags.CheckRequired(ctx); err != nil {
		return nil, fmt.Errorf("missing required flags: %w", err)
	}
	if !mode.IsValid() {
		return nil, fmt.Errorf("invalid coverage mode: %s", mode)
	}

	workspaceDir := ctx.String(flags.WorkspaceDir.Name)
	absWorkspaceDir, err := filepath.Abs(workspaceDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path for workspace directory '%s': %w", workspaceDir, err)
	}
	info, err := os.Stat(absWorkspaceDir)
	if err != nil {
		return nil, fmt.Errorf("workspace directory '%s' is not accessible: %w", absWorkspaceDir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace path '%s' is not a directory", absWorkspaceDir)
	}

	configFile := ctx.String(flags.ConfigFile.Name)
	if configFile == "" && mode.NeedsServer() {
		configFile = DefaultE2EConfigFile
	}

	threshold := ctx.Int(flags.Threshold.Name)
	if threshold < 0 || threshold > 100 {
		return nil, fmt.Errorf("threshold must be between 0 and 100, got %d", threshold)
	}

	// Resolve the artifact root against the workspace so relative paths
	// keep artifacts next to the code they describe.
	coverageDir := ctx.String(flags.CoverageDir.Name)
	if coverageDir == "" {
		coverageDir = flags.CoverageDir.Value
	}
	if !filepath.IsAbs(coverageDir) {
		coverageDir = filepath.Join(absWorkspaceDir, coverageDir)
	}

	color, err := reporting.ResolveColor(ctx.String(flags.Color.Name))
	if err != nil {
		return nil, err
	}

	return &Config{
		Mode:          mode,
		WorkspaceDir:  absWorkspaceDir,
		ConfigFile:    configFile,
		Filter:        ctx.String(flags.Filter.Name),
		SkipCollect:   ctx.Bool(flags.SkipCollect.Name),
		Threshold:     threshold,
		CoverageDir:   coverageDir,
		Color:         color,
		SkipToolCheck: ctx.Bool(flags.SkipToolCheck.Name),
		Log:           log,
	}, nil
}

// OutputDir returns the artifact directory for this run's mode.
func (c *Config) OutputDir() string {
	return filepath.Join(c.CoverageDir, string(c.Mode))
}

// ConfigPath resolves ConfigFile against the workspace. Empty stays empty.
func (c *Config) ConfigPath() string {
	if c.ConfigFile == "" {
		return ""
	}
	if filepath.IsAbs(c.ConfigFile) {
		return c.ConfigFile
	}
	return filepath.Join(c.WorkspaceDir, c.ConfigFile)
}

// ReadE2EFeatures loads the cargo feature list for instrumented server
// builds from the workspace's feature manifest. Blank lines and '#'
// comments are skipped and the remaining entries are joined with commas,
// the list form cargo accepts. A missing manifest means no extra features.
func ReadE2EFeatures(workspaceDir string) string {
	data, err := os.ReadFile(filepath.Join(workspaceDir, filepath.FromSlash(E2EFeaturesFile)))
	if err != nil {
		return ""
	}
	var features []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		features = append(features, line)
	}
	return strings.Join(features, ",")
}
