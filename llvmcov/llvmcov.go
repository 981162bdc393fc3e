// Package llvmcov drives the cargo-llvm-cov toolchain: cleaning stale
// profile data, exposing the instrumentation environment, running the
// instrumented unit-test pass, and emitting the pass-through report formats
// (HTML, LCOV, summary text, JSON export).
package llvmcov

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/log"
)

const (
	// CargoBinary is the cargo executable name.
	CargoBinary = "cargo"

	// TargetSubdir is where cargo-llvm-cov scans for raw profiles. The
	// instrumented server must be built there and write its profiles there,
	// or report generation will not find them.
	TargetSubdir = "target/llvm-cov-target"

	// ProfilePattern names raw profile files. The %p (process) and %m
	// (module signature) discriminators are expanded by the LLVM runtime,
	// keeping concurrent instrumented processes from clobbering each
	// other's data.
	ProfilePattern = "hyperspot-%p-%m.profraw"

	// ServerBinaryName is the workspace's server crate binary.
	ServerBinaryName = "hyperspot-server"

	// InstallHint is the remediation printed when the toolchain is absent.
	InstallHint = "cargo install cargo-llvm-cov --locked"

	// ConfigEnvVar points the server and unit tests at a config document.
	ConfigEnvVar = "HYPERSPOT_CONFIG"
)

// localSkippedTests are excluded from local collection; they need
// Docker-backed databases and run in dedicated integration pipelines.
var localSkippedTests = []string{"generic_postgres", "generic_mysql"}

// ToolMissingError reports a required external tool that is not installed.
type ToolMissingError struct {
	Tool string
	Hint string
	Err  error
}

func (e *ToolMissingError) Error() string {
	msg := fmt.Sprintf("required tool %s is not available", e.Tool)
	if e.Hint != "" {
		msg += "; install with: " + e.Hint
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ToolMissingError) Unwrap() error {
	return e.Err
}

// UnitOptions configures one instrumented unit-test pass.
type UnitOptions struct {
	// Package restricts collection to a single cargo package; empty covers
	// the whole workspace.
	Package string
	// ConfigFile, when set, is exported to the tests via ConfigEnvVar.
	ConfigFile string
}

// Tool is the toolchain surface the orchestrator drives.
type Tool interface {
	// VerifyInstalled probes the toolchain with a version check.
	VerifyInstalled(ctx context.Context) error
	// Clean removes stale coverage data for the whole workspace.
	Clean(ctx context.Context) error
	// InstrumentationEnv returns the environment variables the toolchain
	// wants set on instrumented builds and runs.
	InstrumentationEnv(ctx context.Context) (map[string]string, error)
	// BuildServer builds the server binary under the given environment.
	BuildServer(ctx context.Context, env []string, features string) error
	// ServerBinary is the path the instrumented server is built at.
	ServerBinary() string
	// TargetDir is the instrumentation target directory.
	TargetDir() string
	// CollectUnit runs the instrumented unit-test pass and returns the test
	// child's exit code. A non-zero code is not an error here; the workflow
	// decides what to do with it.
	CollectUnit(ctx context.Context, opts UnitOptions) (int, error)
	// EmitHTML writes the HTML report tree under htmlDir.
	EmitHTML(ctx context.Context, htmlDir string) error
	// EmitSummary writes the plain-text summary to outFile.
	EmitSummary(ctx context.Context, outFile string) error
	// EmitLCOV writes the LCOV report to outFile.
	EmitLCOV(ctx context.Context, outFile string) error
	// ExportJSON returns the raw JSON export for ingestion.
	ExportJSON(ctx context.Context) ([]byte, error)
	// ProfrawCount counts raw profile files under the target directory.
	ProfrawCount() (int, error)
}

// Config configures a Tool.
type Config struct {
	Log          log.Logger
	WorkspaceDir string
	// Stdout and Stderr receive streamed output of the non-captured
	// commands. They default to the process's own streams.
	Stdout io.Writer
	Stderr io.Writer
}

type cargoTool struct {
	log          log.Logger
	workspaceDir string
	stdout       io.Writer
	stderr       io.Writer
}

// New returns a Tool bound to one workspace.
func New(cfg Config) (Tool, error) {
	if cfg.WorkspaceDir == "" {
		return nil, errors.New("workspace directory is required")
	}
	if cfg.Log == nil {
		cfg.Log = log.Root()
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}
	if cfg.Stderr == nil {
		cfg.Stderr = os.Stderr
	}
	return &cargoTool{
		log:          cfg.Log,
		workspaceDir: cfg.WorkspaceDir,
		stdout:       cfg.Stdout,
		stderr:       cfg.Stderr,
	}, nil
}

func (t *cargoTool) VerifyInstalled(ctx context.Context) error {
	if _, err := t.capture(ctx, []string{CargoBinary, "llvm-cov", "--version"}, nil); err != nil {
		return &ToolMissingError{Tool: "cargo-llvm-cov", Hint: InstallHint, Err: err}
	}
	return nil
}

func (t *cargoTool) Clean(ctx context.Context) error {
	if err := t.run(ctx, []string{CargoBinary, "llvm-cov", "clean", "--workspace"}, nil); err != nil {
		return fmt.Errorf("failed to clean coverage data: %w", err)
	}
	return nil
}

func (t *cargoTool) InstrumentationEnv(ctx context.Context) (map[string]string, error) {
	out, err := t.capture(ctx, []string{CargoBinary, "llvm-cov", "show-env", "--sh"}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read instrumentation environment: %w", err)
	}
	return ParseShellEnv(string(out))
}

func (t *cargoTool) BuildServer(ctx context.Context, env []string, features string) error {
	args := []string{CargoBinary, "build", "--bin", ServerBinaryName}
	if features != "" {
		args = append(args, "--features", features)
	}
	if err := t.run(ctx, args, env); err != nil {
		return fmt.Errorf("failed to build instrumented %s: %w", ServerBinaryName, err)
	}
	return nil
}

func (t *cargoTool) ServerBinary() string {
	return filepath.Join(t.TargetDir(), "debug", ServerBinaryName)
}

func (t *cargoTool) TargetDir() string {
	return filepath.Join(t.workspaceDir, filepath.FromSlash(TargetSubdir))
}

func (t *cargoTool) CollectUnit(ctx context.Context, opts UnitOptions) (int, error) {
	args := []string{CargoBinary, "llvm-cov"}
	if opts.Package != "" {
		t.log.Info("Filtering tests", "package", opts.Package)
		args = append(args, "--package", opts.Package)
	} else {
		args = append(args, "--workspace")
	}
	args = append(args, "--all-features", "--no-report", "--")
	for _, name := range localSkippedTests {
		args = append(args, "--skip", name)
	}

	var env []string
	if opts.ConfigFile != "" {
		t.log.Info("Using config", "config", opts.ConfigFile)
		env = MergeEnv(os.Environ(), map[string]string{ConfigEnvVar: opts.ConfigFile})
	}

	err := t.run(ctx, args, env)
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return 0, fmt.Errorf("failed to run instrumented tests: %w", err)
}

// reportBase is the prefix of every report emission command. The report
// subcommand does not support --workspace, so the generic form with --no-run
// is used to make all workspace crates appear in the outputs.
func reportBase() []string {
	return []string{CargoBinary, "llvm-cov", "--no-run", "--workspace"}
}

func (t *cargoTool) EmitHTML(ctx context.Context, htmlDir string) error {
	args := append(reportBase(), "--html", "--output-dir", htmlDir)
	if err := t.run(ctx, args, nil); err != nil {
		return fmt.Errorf("failed to generate HTML report: %w", err)
	}
	return flattenNestedHTML(htmlDir)
}

// flattenNestedHTML lifts the html/ directory cargo-llvm-cov nests inside
// the output directory, so the entry point lands at <dir>/index.html.
func flattenNestedHTML(htmlDir string) error {
	nested := filepath.Join(htmlDir, "html")
	entries, err := os.ReadDir(nested)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		dest := filepath.Join(htmlDir, entry.Name())
		if err := os.RemoveAll(dest); err != nil {
			return err
		}
		if err := os.Rename(filepath.Join(nested, entry.Name()), dest); err != nil {
			return err
		}
	}
	return os.Remove(nested)
}

func (t *cargoTool) EmitSummary(ctx context.Context, outFile string) error {
	out, err := t.capture(ctx, append(reportBase(), "--summary-only"), nil)
	if err != nil {
		return fmt.Errorf("failed to generate text summary: %w", err)
	}
	if err := os.WriteFile(outFile, out, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", outFile, err)
	}
	return nil
}

func (t *cargoTool) EmitLCOV(ctx context.Context, outFile string) error {
	args := append(reportBase(), "--lcov", "--output-path", outFile)
	if err := t.run(ctx, args, nil); err != nil {
		return fmt.Errorf("failed to generate LCOV report: %w", err)
	}
	return nil
}

func (t *cargoTool) ExportJSON(ctx context.Context) ([]byte, error) {
	out, err := t.capture(ctx, append(reportBase(), "--json"), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to export coverage JSON: %w", err)
	}
	return out, nil
}

func (t *cargoTool) ProfrawCount() (int, error) {
	target := t.TargetDir()
	if _, err := os.Stat(target); os.IsNotExist(err) {
		return 0, nil
	}
	count := 0
	err := filepath.WalkDir(target, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), ".profraw") {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// run executes a streamed command in the workspace. A nil env inherits the
// orchestrator's environment.
func (t *cargoTool) run(ctx context.Context, args []string, env []string) error {
	t.log.Info("Running command", "cmd", strings.Join(args, " "))
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = t.workspaceDir
	cmd.Env = env
	cmd.Stdout = t.stdout
	cmd.Stderr = t.stderr
	return cmd.Run()
}

// capture executes a command and returns its stdout; stderr is folded into
// the error on failure.
func (t *cargoTool) capture(ctx context.Context, args []string, env []string) ([]byte, error) {
	t.log.Info("Running command", "cmd", strings.Join(args, " "))
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = t.workspaceDir
	cmd.Env = env
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if stderr.Len() > 0 {
			return nil, fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
		}
		return nil, err
	}
	return stdout.Bytes(), nil
}

// ParseShellEnv extracts variables from `export K=V` lines as produced by
// `cargo llvm-cov show-env --sh`. Lines that are not export statements are
// skipped; a carriage return inside a value is rejected rather than passed
// on to a child process.
func ParseShellEnv(output string) (map[string]string, error) {
	env := make(map[string]string)
	for _, raw := range strings.Split(output, "\n") {
		line := strings.TrimSpace(raw)
		if !strings.HasPrefix(line, "export ") {
			continue
		}
		rest := strings.TrimSpace(strings.TrimPrefix(line, "export "))
		eq := strings.Index(rest, "=")
		if eq <= 0 {
			continue
		}
		key := rest[:eq]
		value := unquoteShell(rest[eq+1:])
		if strings.ContainsRune(value, '\r') {
			return nil, fmt.Errorf("unexpected carriage return in %s value", key)
		}
		env[key] = value
	}
	return env, nil
}

func unquoteShell(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && s[0] == '\'' && s[len(s)-1] == '\'' {
		return strings.ReplaceAll(s[1:len(s)-1], `'\''`, `'`)
	}
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		inner := s[1 : len(s)-1]
		inner = strings.ReplaceAll(inner, `\"`, `"`)
		return strings.ReplaceAll(inner, `\\`, `\`)
	}
	return s
}

// MergeEnv overlays extra onto base environ entries, replacing any existing
// values for the same keys. Added keys are appended in sorted order so the
// composed environment is deterministic.
func MergeEnv(base []string, extra map[string]string) []string {
	out := make([]string, 0, len(base)+len(extra))
	for _, kv := range base {
		key := kv
		if eq := strings.Index(kv, "="); eq >= 0 {
			key = kv[:eq]
		}
		if _, ok := extra[key]; ok {
			continue
		}
		out = append(out, kv)
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+extra[k])
	}
	return out
}
