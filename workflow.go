// Package cover orchestrates coverage collection for the HyperSpot Rust
// workspace: it drives cargo-llvm-cov through unit and server-backed e2e
// test passes and turns the raw profile data into HTML, LCOV, JSON and
// annotated text reports.
package cover

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/ethereum-optimism/infra/op-coverage/covdata"
	"github.com/ethereum-optimism/infra/op-coverage/exitcodes"
	"github.com/ethereum-optimism/infra/op-coverage/llvmcov"
	"github.com/ethereum-optimism/infra/op-coverage/metrics"
	"github.com/ethereum-optimism/infra/op-coverage/reporting"
	"github.com/ethereum-optimism/infra/op-coverage/session"
	"github.com/ethereum-optimism/optimism/op-service/cliapp"
)

const (
	// combinedHTTPReadyBudget bounds the health wait for combined-mode runs.
	combinedHTTPReadyBudget = 60 * time.Second

	// profileFlushDelay is how long collection lingers after teardown so
	// slow filesystems finish flushing raw profile data.
	profileFlushDelay = 500 * time.Millisecond
)

// Workflow implements the cliapp.Lifecycle interface.
var _ cliapp.Lifecycle = &Workflow{}

// Workflow runs one coverage collection pass and generates reports.
type Workflow struct {
	ctx     context.Context
	config  *Config
	version string
	tool    llvmcov.Tool
	pytest  *PytestRunner
	tracer  trace.Tracer
	report  *covdata.Report

	runID  string
	phases []PhaseResult

	running atomic.Bool

	shutdownCallback func(error) // Callback to signal application shutdown
}

func New(ctx context.Context, config *Config, version string, shutdownCallback func(error)) (*Workflow, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}

	config.Log.Debug("Creating coverage workflow",
		"version", version,
		"mode", config.Mode,
		"workspaceDir", config.WorkspaceDir,
		"configFile", config.ConfigFile,
		"coverageDir", config.CoverageDir,
		"threshold", config.Threshold)

	tool, err := llvmcov.New(llvmcov.Config{
		Log:          config.Log,
		WorkspaceDir: config.WorkspaceDir,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create coverage tooling: %w", err)
	}

	return &Workflow{
		ctx:              ctx,
		config:           config,
		version:          version,
		tool:             tool,
		pytest:           NewPytestRunner(config.Log, config.WorkspaceDir, nil, nil),
		tracer:           otel.Tracer("coverage workflow"),
		shutdownCallback: shutdownCallback,
	}, nil
}

// Start runs the configured coverage pipeline once and shuts the
// application down when it succeeds.
// Start implements the cliapp.Lifecycle interface.
func (w *Workflow) Start(ctx context.Context) error {
	// Set up panic recovery to ensure we exit with code 2 for runtime errors
	defer func() {
		if r := recover(); r != nil {
			w.config.Log.Error("Runtime error occurred", "error", r)
			os.Exit(exitcodes.RuntimeErr)
		}
	}()

	w.ctx = ctx
	w.running.Store(true)

	w.config.Log.Info("Starting op-coverage",
		"mode", w.config.Mode,
		"workspace", w.config.WorkspaceDir)

	if err := w.runCoverage(ctx); err != nil {
		if IsTestFailureError(err) {
			w.config.Log.Warn("Coverage run aborted by test failures", "error", err)
			return err
		}
		metrics.RecordErrorDetails("coverage_run", err)
		w.config.Log.Error("Runtime error collecting coverage", "error", err)
		if IsRuntimeError(err) {
			return err
		}
		return NewRuntimeError(err)
	}

	w.config.Log.Info("Coverage reports generated", "dir", w.config.OutputDir())

	go func() {
		w.shutdownCallback(nil)
	}()
	return nil // Success (exit code 0)
}

// Stop stops the op-coverage service.
// Stop implements the cliapp.Lifecycle interface.
func (w *Workflow) Stop(ctx context.Context) error {
	w.config.Log.Info("Stopping op-coverage")

	// Check if we're already stopped
	if !w.running.Load() {
		w.config.Log.Debug("Service already stopped, nothing to do")
		return nil
	}

	w.running.Store(false)

	w.config.Log.Info("op-coverage stopped successfully")
	return nil
}

// Stopped returns true if the op-coverage service is stopped.
// Stopped implements the cliapp.Lifecycle interface.
func (w *Workflow) Stopped() bool {
	return !w.running.Load()
}

// runCoverage drives the full pipeline for the configured mode and records
// the run outcome.
func (w *Workflow) runCoverage(ctx context.Context) (err error) {
	w.runID = uuid.New().String()
	w.phases = nil
	start := time.Now()

	w.config.Log.Info("Starting coverage run", "run_id", w.runID, "mode", w.config.Mode)

	defer func() {
		total := time.Since(start)
		result := metrics.ResultSuccess
		if err != nil {
			result = metrics.ResultError
			if IsTestFailureError(err) {
				result = metrics.ResultTestFailure
			}
		}
		metrics.RecordRun(w.runID, string(w.config.Mode), result)
		printPhaseTable(os.Stdout, w.config.Mode, w.phases, total)
		w.config.Log.Info("Coverage run completed",
			"run_id", w.runID,
			"result", result,
			"duration", total)
	}()

	if w.config.SkipToolCheck {
		w.config.Log.Warn("Skipping environment prerequisite validation; the run may fail if required tools are not installed")
	} else if err = w.phase(ctx, "verify-tools", w.verifyTools); err != nil {
		return err
	}

	switch w.config.Mode {
	case ModeUnit:
		err = w.runUnit(ctx)
	case ModeE2ELocal:
		err = w.runE2ELocal(ctx)
	case ModeCombined:
		err = w.runCombined(ctx)
	default:
		err = NewRuntimeError(fmt.Errorf("unknown coverage mode: %s", w.config.Mode))
	}
	if err != nil {
		return err
	}

	err = w.phase(ctx, "generate-reports", w.generateReports)
	return err
}

// phase runs one pipeline stage under a span, timing it into metrics and
// the run summary.
func (w *Workflow) phase(ctx context.Context, name string, fn func(context.Context) error) error {
	pctx, span := w.tracer.Start(ctx, fmt.Sprintf("phase %s", name))
	defer span.End()

	start := time.Now()
	err := fn(pctx)
	duration := time.Since(start)
	metrics.RecordPhaseDuration(w.runID, string(w.config.Mode), name, duration)

	result := PhaseResult{Name: name, Duration: duration, Status: PhaseStatusPass, Err: err}
	if err != nil {
		result.Status = PhaseStatusFail
	}
	w.phases = append(w.phases, result)

	if err != nil {
		w.config.Log.Error("Phase failed", "phase", name, "duration", duration, "error", err)
		return err
	}
	w.config.Log.Debug("Phase complete", "phase", name, "duration", duration)
	return nil
}

// verifyTools probes for the toolchain every mode needs plus the e2e test
// runner for server-backed modes.
func (w *Workflow) verifyTools(ctx context.Context) error {
	w.banner("Validating test environment")
	if err := w.tool.VerifyInstalled(ctx); err != nil {
		return NewRuntimeError(err)
	}
	if w.config.Mode.NeedsServer() {
		if err := w.pytest.VerifyInstalled(ctx); err != nil {
			return NewRuntimeError(err)
		}
	}
	w.config.Log.Info("Environment validation passed")
	return nil
}

func (w *Workflow) runUnit(ctx context.Context) error {
	if w.config.SkipCollect {
		w.skipCollection("collect-unit")
		return nil
	}

	w.banner("Collecting unit test coverage")

	if err := w.phase(ctx, "clean", w.tool.Clean); err != nil {
		return err
	}
	return w.phase(ctx, "collect-unit", func(ctx context.Context) error {
		return w.collectUnit(ctx, w.config.Filter)
	})
}

func (w *Workflow) runE2ELocal(ctx context.Context) error {
	if w.config.SkipCollect {
		w.skipCollection("collect-e2e")
		return nil
	}

	w.banner("Collecting local E2E test coverage")

	if err := w.phase(ctx, "clean", w.tool.Clean); err != nil {
		return err
	}
	return w.runServerBackedTests(ctx, w.config.Filter, session.DefaultHTTPReadyBudget, true)
}

func (w *Workflow) runCombined(ctx context.Context) error {
	if w.config.SkipCollect {
		w.skipCollection("collect-combined")
		return nil
	}
	if w.config.Filter != "" {
		w.config.Log.Warn("Combined mode runs the full suites, ignoring filter", "filter", w.config.Filter)
	}

	w.banner("Cleaning previous coverage data")
	if err := w.phase(ctx, "clean", w.tool.Clean); err != nil {
		return err
	}

	w.banner("Collecting unit test coverage")
	if err := w.phase(ctx, "collect-unit", func(ctx context.Context) error {
		return w.collectUnit(ctx, "")
	}); err != nil {
		return err
	}

	w.banner("Collecting E2E test coverage for combined mode")
	return w.runServerBackedTests(ctx, "", combinedHTTPReadyBudget, false)
}

// skipCollection records a skipped collection stage in the run summary.
func (w *Workflow) skipCollection(name string) {
	w.config.Log.Info("Skipping test execution, using existing coverage data")
	w.phases = append(w.phases, PhaseResult{Name: name, Status: PhaseStatusSkip})
}

// collectUnit runs the instrumented unit-test pass.
func (w *Workflow) collectUnit(ctx context.Context, filter string) error {
	rc, err := w.tool.CollectUnit(ctx, llvmcov.UnitOptions{
		Package:    filter,
		ConfigFile: w.config.ConfigPath(),
	})
	if err != nil {
		return err
	}
	if rc != 0 {
		w.config.Log.Error("Unit tests failed, aborting coverage", "exit_code", rc)
		return NewTestFailureError(fmt.Sprintf("unit tests exited with code %d", rc), rc)
	}
	w.config.Log.Info("Unit test coverage collected")
	return nil
}

// runServerBackedTests boots the instrumented server, runs the e2e suite
// against it and always tears the server down before deciding the outcome.
func (w *Workflow) runServerBackedTests(ctx context.Context, filter string, httpBudget time.Duration, profileSanity bool) error {
	features := ReadE2EFeatures(w.config.WorkspaceDir)

	sess, err := session.New(session.Config{
		Log:          w.config.Log,
		WorkspaceDir: w.config.WorkspaceDir,
		ConfigFile:   w.config.ConfigFile,
		LogDir:       w.config.OutputDir(),
		Features:     features,
		HTTPBudget:   httpBudget,
		Tool:         w.tool,
	})
	if err != nil {
		return NewRuntimeError(err)
	}

	if err := w.phase(ctx, "resolve-port", func(context.Context) error {
		port, err := sess.ResolveBindPort()
		if err != nil {
			return err
		}
		w.config.Log.Info("Resolved server bind port", "port", port)
		return sess.Preflight()
	}); err != nil {
		return err
	}

	if err := w.phase(ctx, "build-server", func(ctx context.Context) error {
		w.banner(fmt.Sprintf("Building %s with coverage instrumentation (features: %s)",
			llvmcov.ServerBinaryName, features))
		return sess.Build(ctx)
	}); err != nil {
		return err
	}

	if err := w.phase(ctx, "start-server", func(ctx context.Context) error {
		w.banner(fmt.Sprintf("Starting server with coverage instrumentation (config: %s)", w.config.ConfigFile))
		w.config.Log.Info("Server logs will be written",
			"path", filepath.Join(w.config.OutputDir(), session.ServerLogName))
		return sess.Start(ctx)
	}); err != nil {
		if terr := sess.Teardown(); terr != nil {
			w.config.Log.Error("Failed to tear down server", "error", terr)
		}
		return err
	}

	testsErr := w.phase(ctx, "run-e2e-tests", func(ctx context.Context) error {
		w.banner("Running E2E tests")
		if err := w.pytest.VerifyInstalled(ctx); err != nil {
			return NewRuntimeError(err)
		}
		sess.BeginTesting()
		rc, err := w.pytest.Run(ctx, sess.BaseURL(), filter)
		if err != nil {
			return err
		}
		if rc != 0 {
			w.config.Log.Error("E2E tests failed, aborting coverage", "exit_code", rc)
			return NewTestFailureError(fmt.Sprintf("e2e tests exited with code %d", rc), rc)
		}
		w.config.Log.Info("E2E tests passed")
		return nil
	})

	stopErr := w.phase(ctx, "stop-server", func(context.Context) error {
		w.banner("Stopping server")
		return sess.Teardown()
	})

	if profileSanity {
		count, err := w.tool.ProfrawCount()
		if err != nil {
			w.config.Log.Warn("Failed to count profile files", "error", err)
		} else {
			w.config.Log.Info("Profile files found", "count", count, "dir", w.tool.TargetDir())
			metrics.RecordProfileFiles(w.runID, string(w.config.Mode), count)
			if count == 0 && testsErr == nil {
				w.config.Log.Warn("No raw profile data was produced; reports will be empty")
			}
		}
		time.Sleep(profileFlushDelay)
	}

	if testsErr != nil {
		return testsErr
	}
	return stopErr
}

// generateReports turns the collected raw profile data into every report
// format and prints the annotated console report.
func (w *Workflow) generateReports(ctx context.Context) error {
	outDir := w.config.OutputDir()
	w.banner(fmt.Sprintf("Generating coverage reports (%s)", w.config.Mode.Description()))

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("failed to create coverage output directory: %w", err)
	}

	w.config.Log.Info("Generating HTML report")
	htmlDir := filepath.Join(outDir, reporting.HTMLDirName)
	if err := w.tool.EmitHTML(ctx, htmlDir); err != nil {
		return err
	}
	w.config.Log.Info("HTML report written", "path", filepath.Join(htmlDir, "index.html"))

	w.config.Log.Info("Generating text report")
	summaryFile := filepath.Join(outDir, reporting.SummaryFileName)
	if err := w.tool.EmitSummary(ctx, summaryFile); err != nil {
		return err
	}
	w.config.Log.Info("Text report written", "path", summaryFile)

	w.config.Log.Info("Generating LCOV report")
	lcovFile := filepath.Join(outDir, reporting.LCOVFileName)
	if err := w.tool.EmitLCOV(ctx, lcovFile); err != nil {
		return err
	}
	w.config.Log.Info("LCOV report written", "path", lcovFile)

	w.config.Log.Info("Generating JSON report")
	raw, err := w.tool.ExportJSON(ctx)
	if err != nil {
		return err
	}
	jsonFile := filepath.Join(outDir, reporting.JSONFileName)
	if err := os.WriteFile(jsonFile, raw, 0o644); err != nil {
		return fmt.Errorf("failed to write JSON report: %w", err)
	}
	w.config.Log.Info("JSON report written", "path", jsonFile)

	files, err := llvmcov.ParseExport(raw)
	if err != nil {
		return err
	}
	report, err := covdata.Aggregate(files, covdata.Options{
		WorkspaceDir:      w.config.WorkspaceDir,
		ExpandToWorkspace: w.config.Mode.ExpandsToWorkspace(),
	})
	if err != nil {
		return err
	}
	w.report = report

	renderer := reporting.Renderer{Threshold: w.config.Threshold, Color: w.config.Color}
	reportFile := filepath.Join(outDir, reporting.ReportFileName)
	if err := reporting.Save(reportFile, renderer, report); err != nil {
		return err
	}
	w.config.Log.Info("Annotated report written", "path", reportFile)

	fmt.Printf("\n%s\n", renderer.Render(report))

	metrics.RecordReport(w.runID, string(w.config.Mode), report)
	return nil
}

// banner prints a full-width step marker around major pipeline stages.
func (w *Workflow) banner(msg string) {
	sep := strings.Repeat("=", reporting.SeparatorWidth)
	fmt.Printf("\n%s\n  %s\n%s\n\n", sep, msg, sep)
}
