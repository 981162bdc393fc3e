package cover

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/ethereum-optimism/infra/op-coverage/llvmcov"
	"github.com/ethereum-optimism/infra/op-coverage/reporting"
)

// fakeTool is an in-memory llvmcov.Tool that records invocations and serves
// canned data.
type fakeTool struct {
	mu    sync.Mutex
	calls []string

	verifyErr error
	cleanErr  error
	buildErr  error

	unitRC   int
	unitErr  error
	unitOpts []llvmcov.UnitOptions

	export    []byte
	exportErr error

	targetDir string
	binary    string
	profraw   int
}

var _ llvmcov.Tool = (*fakeTool)(nil)

func (f *fakeTool) record(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
}

func (f *fakeTool) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeTool) VerifyInstalled(context.Context) error {
	f.record("verify")
	return f.verifyErr
}

func (f *fakeTool) Clean(context.Context) error {
	f.record("clean")
	return f.cleanErr
}

func (f *fakeTool) InstrumentationEnv(context.Context) (map[string]string, error) {
	f.record("instrumentation-env")
	return map[string]string{"RUSTFLAGS": "-C instrument-coverage"}, nil
}

func (f *fakeTool) BuildServer(_ context.Context, _ []string, _ string) error {
	f.record("build-server")
	return f.buildErr
}

func (f *fakeTool) ServerBinary() string { return f.binary }
func (f *fakeTool) TargetDir() string    { return f.targetDir }

func (f *fakeTool) CollectUnit(_ context.Context, opts llvmcov.UnitOptions) (int, error) {
	f.record("collect-unit")
	f.mu.Lock()
	f.unitOpts = append(f.unitOpts, opts)
	f.mu.Unlock()
	return f.unitRC, f.unitErr
}

func (f *fakeTool) EmitHTML(_ context.Context, htmlDir string) error {
	f.record("emit-html")
	if err := os.MkdirAll(htmlDir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(htmlDir, "index.html"), []byte("<html></html>"), 0o644)
}

func (f *fakeTool) EmitSummary(_ context.Context, outFile string) error {
	f.record("emit-summary")
	return os.WriteFile(outFile, []byte("TOTAL 80.00%\n"), 0o644)
}

func (f *fakeTool) EmitLCOV(_ context.Context, outFile string) error {
	f.record("emit-lcov")
	return os.WriteFile(outFile, []byte("TN:\nend_of_record\n"), 0o644)
}

func (f *fakeTool) ExportJSON(context.Context) ([]byte, error) {
	f.record("export-json")
	return f.export, f.exportErr
}

func (f *fakeTool) ProfrawCount() (int, error) {
	f.record("profraw-count")
	return f.profraw, nil
}

// wsExport builds a minimal llvm-cov JSON export whose file paths live
// under the given workspace.
func wsExport(ws string) []byte {
	return []byte(fmt.Sprintf(`{
  "data": [
    {
      "files": [
        {"filename": %q, "summary": {"regions": {"count": 10, "covered": 8}, "functions": {"count": 4, "covered": 4}, "lines": {"count": 20, "covered": 16}}},
        {"filename": %q, "summary": {"regions": {"count": 100, "covered": 90}, "functions": {"count": 10, "covered": 9}, "lines": {"count": 200, "covered": 180}}},
        {"filename": %q, "summary": {"regions": {"count": 80, "covered": 40}, "functions": {"count": 8, "covered": 4}, "lines": {"count": 160, "covered": 80}}}
      ]
    }
  ],
  "type": "llvm.coverage.json.export",
  "version": "2.0.1"
}`,
		filepath.Join(ws, "apps/hyperspot/src/main.rs"),
		filepath.Join(ws, "libs/modkit/src/lib.rs"),
		filepath.Join(ws, "modules/chat/src/api.rs")))
}

func testWorkflowConfig(t *testing.T, mode Mode) *Config {
	t.Helper()
	ws := t.TempDir()
	cfg := &Config{
		Mode:         mode,
		WorkspaceDir: ws,
		Threshold:    80,
		CoverageDir:  filepath.Join(ws, "coverage"),
		Log:          log.NewLogger(log.DiscardHandler()),
	}
	if mode.NeedsServer() {
		cfg.ConfigFile = DefaultE2EConfigFile
	}
	return cfg
}

func newTestWorkflow(t *testing.T, cfg *Config, tool *fakeTool) (*Workflow, chan struct{}) {
	t.Helper()
	shutdown := make(chan struct{}, 1)
	w := &Workflow{
		config:  cfg,
		version: "test",
		tool:    tool,
		pytest:  NewPytestRunner(cfg.Log, cfg.WorkspaceDir, io.Discard, io.Discard),
		tracer:  otel.Tracer("coverage workflow test"),
		shutdownCallback: func(error) {
			shutdown <- struct{}{}
		},
	}
	return w, shutdown
}

func workflowFreePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func writeServerConfig(t *testing.T, ws string, port int) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(ws, "config"), 0o755))
	doc := fmt.Sprintf("modules:\n  api-gateway:\n    config:\n      bind_addr: 127.0.0.1:%d\n", port)
	require.NoError(t, os.WriteFile(filepath.Join(ws, "config", "e2e-local.yaml"), []byte(doc), 0o644))
}

func TestWorkflowUnitHappyPath(t *testing.T) {
	cfg := testWorkflowConfig(t, ModeUnit)
	tool := &fakeTool{export: wsExport(cfg.WorkspaceDir)}
	w, shutdown := newTestWorkflow(t, cfg, tool)

	require.NoError(t, w.Start(context.Background()))

	assert.Equal(t, []string{
		"verify", "clean", "collect-unit",
		"emit-html", "emit-summary", "emit-lcov", "export-json",
	}, tool.Calls())

	outDir := cfg.OutputDir()
	assert.FileExists(t, filepath.Join(outDir, "html", "index.html"))
	assert.FileExists(t, filepath.Join(outDir, "summary.txt"))
	assert.FileExists(t, filepath.Join(outDir, "lcov.info"))
	assert.FileExists(t, filepath.Join(outDir, "coverage.json"))
	assert.FileExists(t, filepath.Join(outDir, "coverage_report.txt"))

	require.NotNil(t, w.report)
	assert.Equal(t, 3, w.report.InstrumentedFiles)
	assert.Equal(t, uint64(380), w.report.Total.Lines.Total)

	saved, err := os.ReadFile(filepath.Join(outDir, reporting.ReportFileName))
	require.NoError(t, err)
	assert.Contains(t, string(saved), "COVERAGE REPORT")
	assert.Contains(t, string(saved), "libs/modkit/src/lib.rs")
	assert.Contains(t, string(saved), "lib/modkit")
	assert.Contains(t, string(saved), "module/chat")

	require.Len(t, w.phases, 4)
	for _, p := range w.phases {
		assert.Equal(t, PhaseStatusPass, p.Status, "phase %s", p.Name)
	}

	select {
	case <-shutdown:
	case <-time.After(time.Second):
		t.Fatal("shutdown callback was never invoked")
	}
}

func TestWorkflowUnitPassesFilterAndConfig(t *testing.T) {
	cfg := testWorkflowConfig(t, ModeUnit)
	cfg.Filter = "modkit-db"
	cfg.ConfigFile = "config/dev.yaml"
	tool := &fakeTool{export: wsExport(cfg.WorkspaceDir)}
	w, _ := newTestWorkflow(t, cfg, tool)

	require.NoError(t, w.Start(context.Background()))

	require.Len(t, tool.unitOpts, 1)
	assert.Equal(t, "modkit-db", tool.unitOpts[0].Package)
	assert.Equal(t, filepath.Join(cfg.WorkspaceDir, "config", "dev.yaml"), tool.unitOpts[0].ConfigFile)
}

func TestWorkflowUnitTestFailure(t *testing.T) {
	cfg := testWorkflowConfig(t, ModeUnit)
	tool := &fakeTool{unitRC: 4, export: wsExport(cfg.WorkspaceDir)}
	w, shutdown := newTestWorkflow(t, cfg, tool)

	err := w.Start(context.Background())
	require.Error(t, err)
	assert.True(t, IsTestFailureError(err))
	assert.Equal(t, 4, TestFailureCode(err))

	assert.NotContains(t, tool.Calls(), "export-json", "reports must not be generated after a failed run")
	assert.NoFileExists(t, filepath.Join(cfg.OutputDir(), "coverage.json"))

	select {
	case <-shutdown:
		t.Fatal("shutdown callback must not fire on failure")
	default:
	}
}

func TestWorkflowToolProbeFailure(t *testing.T) {
	cfg := testWorkflowConfig(t, ModeUnit)
	tool := &fakeTool{verifyErr: errors.New("cargo-llvm-cov is not installed")}
	w, _ := newTestWorkflow(t, cfg, tool)

	err := w.Start(context.Background())
	require.Error(t, err)
	assert.True(t, IsRuntimeError(err))
	assert.Contains(t, err.Error(), "cargo-llvm-cov is not installed")
	assert.Equal(t, []string{"verify"}, tool.Calls())
}

func TestWorkflowSkipToolCheck(t *testing.T) {
	cfg := testWorkflowConfig(t, ModeUnit)
	cfg.SkipToolCheck = true
	tool := &fakeTool{verifyErr: errors.New("poisoned"), export: wsExport(cfg.WorkspaceDir)}
	w, _ := newTestWorkflow(t, cfg, tool)

	require.NoError(t, w.Start(context.Background()))
	assert.NotContains(t, tool.Calls(), "verify")
}

func TestWorkflowSkipCollect(t *testing.T) {
	cfg := testWorkflowConfig(t, ModeUnit)
	cfg.SkipCollect = true
	tool := &fakeTool{export: wsExport(cfg.WorkspaceDir)}
	w, _ := newTestWorkflow(t, cfg, tool)

	require.NoError(t, w.Start(context.Background()))

	calls := tool.Calls()
	assert.NotContains(t, calls, "clean")
	assert.NotContains(t, calls, "collect-unit")
	assert.Contains(t, calls, "export-json", "reports are regenerated from existing data")

	var skipped bool
	for _, p := range w.phases {
		if p.Status == PhaseStatusSkip {
			skipped = true
		}
	}
	assert.True(t, skipped, "the skipped collection shows up in the run summary")
}

func TestWorkflowCombinedUnitFailureStopsBeforeServer(t *testing.T) {
	cfg := testWorkflowConfig(t, ModeCombined)
	stubPython(t, `echo "pytest 8.0.0"`)
	tool := &fakeTool{unitRC: 3}
	w, _ := newTestWorkflow(t, cfg, tool)

	err := w.Start(context.Background())
	require.Error(t, err)
	assert.True(t, IsTestFailureError(err))
	assert.Equal(t, 3, TestFailureCode(err))

	calls := tool.Calls()
	assert.Contains(t, calls, "collect-unit")
	assert.NotContains(t, calls, "build-server")

	require.Len(t, tool.unitOpts, 1)
	assert.Empty(t, tool.unitOpts[0].Package, "combined mode runs the full unit suite")
	assert.Equal(t, cfg.ConfigPath(), tool.unitOpts[0].ConfigFile)
}

func TestWorkflowE2EBuildFailure(t *testing.T) {
	cfg := testWorkflowConfig(t, ModeE2ELocal)
	writeServerConfig(t, cfg.WorkspaceDir, workflowFreePort(t))
	stubPython(t, `echo "pytest 8.0.0"`)
	tool := &fakeTool{buildErr: errors.New("linker exploded")}
	w, _ := newTestWorkflow(t, cfg, tool)

	err := w.Start(context.Background())
	require.Error(t, err)
	assert.True(t, IsRuntimeError(err))
	assert.Contains(t, err.Error(), "linker exploded")

	calls := tool.Calls()
	assert.Contains(t, calls, "instrumentation-env")
	assert.Contains(t, calls, "build-server")
	assert.NotContains(t, calls, "profraw-count", "collection never started, no profile sanity pass")
}

func TestWorkflowE2EPortConflict(t *testing.T) {
	cfg := testWorkflowConfig(t, ModeE2ELocal)
	port := workflowFreePort(t)
	writeServerConfig(t, cfg.WorkspaceDir, port)
	stubPython(t, `echo "pytest 8.0.0"`)

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	defer ln.Close()

	tool := &fakeTool{}
	w, _ := newTestWorkflow(t, cfg, tool)

	err = w.Start(context.Background())
	require.Error(t, err)
	assert.True(t, IsRuntimeError(err))
	assert.Contains(t, err.Error(), "already in use")
	assert.NotContains(t, tool.Calls(), "build-server", "the port check runs before the slow build")
}

func TestWorkflowStopLifecycle(t *testing.T) {
	cfg := testWorkflowConfig(t, ModeUnit)
	w, _ := newTestWorkflow(t, cfg, &fakeTool{})

	assert.True(t, w.Stopped(), "a workflow that never started reads as stopped")

	w.running.Store(true)
	require.NoError(t, w.Stop(context.Background()))
	assert.True(t, w.Stopped())
	require.NoError(t, w.Stop(context.Background()), "stopping twice is fine")
}
