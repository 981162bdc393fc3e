package cover

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/ethereum/go-ethereum/log"
)

const (
	// PythonBinary launches the e2e suite, which is authored in python.
	PythonBinary = "python3"

	// E2ETestDir is the pytest suite location relative to the workspace.
	E2ETestDir = "testing/e2e"

	// PytestInstallHint is the remediation surfaced when pytest is absent.
	PytestInstallHint = "pip install -r testing/e2e/requirements.txt"

	// BaseURLEnvVar tells the suite where the instrumented server listens.
	BaseURLEnvVar = "E2E_BASE_URL"
)

// PytestRunner shells out to the workspace's python e2e suite.
type PytestRunner struct {
	log          log.Logger
	workspaceDir string
	stdout       io.Writer
	stderr       io.Writer
}

// NewPytestRunner returns a runner bound to one workspace. Nil writers
// default to the process's own streams.
func NewPytestRunner(logger log.Logger, workspaceDir string, stdout, stderr io.Writer) *PytestRunner {
	if logger == nil {
		logger = log.Root()
	}
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}
	return &PytestRunner{
		log:          logger,
		workspaceDir: workspaceDir,
		stdout:       stdout,
		stderr:       stderr,
	}
}

// VerifyInstalled probes for pytest with a version check.
func (r *PytestRunner) VerifyInstalled(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, PythonBinary, "-m", "pytest", "--version")
	cmd.Dir = r.workspaceDir
	if out, err := cmd.CombinedOutput(); err != nil {
		r.log.Debug("pytest probe failed", "output", strings.TrimSpace(string(out)))
		return fmt.Errorf("pytest is not installed (install with: %s): %w", PytestInstallHint, err)
	}
	return nil
}

// Run executes the e2e suite against baseURL and returns the pytest exit
// code. Test output streams through untouched. A nonzero exit from the
// suite lands in the returned code, not the error; the error covers spawn
// failures only.
func (r *PytestRunner) Run(ctx context.Context, baseURL string, filter string) (int, error) {
	args := []string{"-m", "pytest", E2ETestDir, "-vv"}
	if filter != "" {
		args = append(args, "-k", filter)
	}

	r.log.Info("Running E2E tests", "base_url", baseURL, "filter", filter)

	cmd := exec.CommandContext(ctx, PythonBinary, args...)
	cmd.Dir = r.workspaceDir
	cmd.Env = append(os.Environ(), fmt.Sprintf("%s=%s", BaseURLEnvVar, baseURL))
	cmd.Stdout = r.stdout
	cmd.Stderr = r.stderr

	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return 0, fmt.Errorf("failed to run pytest: %w", err)
}
