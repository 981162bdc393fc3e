package flags

import (
	"fmt"

	opservice "github.com/ethereum-optimism/optimism/op-service"
	oplog "github.com/ethereum-optimism/optimism/op-service/log"
	opmetrics "github.com/ethereum-optimism/optimism/op-service/metrics"
	"github.com/urfave/cli/v2"
)

const EnvVarPrefix = "OP_COVERAGE"

var (
	WorkspaceDir = &cli.StringFlag{
		Name:    "workspace-dir",
		Value:   ".",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "WORKSPACE_DIR"),
		Usage:   "Path to the Rust workspace root (the directory containing Cargo.toml)",
	}
	ConfigFile = &cli.StringFlag{
		Name:    "config",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "CONFIG"),
		Usage:   "Server config file to use, relative to the workspace (e.g. config/e2e-local.yaml)",
	}
	Filter = &cli.StringFlag{
		Name:    "filter",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "FILTER"),
		Usage:   "Filter tests: a package name for unit runs (e.g. modkit-db), a pytest -k expression for e2e runs",
	}
	SkipCollect = &cli.BoolFlag{
		Name:    "skip-collect",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "SKIP_COLLECT"),
		Usage:   "Skip test execution and only regenerate reports from existing raw coverage data",
	}
	Threshold = &cli.IntFlag{
		Name:    "threshold",
		Value:   80,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "THRESHOLD"),
		Usage:   "Coverage threshold percentage for warnings",
	}
	CoverageDir = &cli.StringFlag{
		Name:    "coverage-dir",
		Value:   "coverage",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "COVERAGE_DIR"),
		Usage:   "Directory to write coverage artifacts to, one subdirectory per mode",
	}
	Color = &cli.StringFlag{
		Name:    "color",
		Value:   "auto",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "COLOR"),
		Usage:   "Color the console report: auto, always or never",
	}
	SkipToolCheck = &cli.BoolFlag{
		Name:    "skip-tool-check",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "SKIP_TOOL_CHECK"),
		Usage:   "Skip the cargo llvm-cov availability probe (not recommended)",
	}
)

var requiredFlags = []cli.Flag{}

var optionalFlags = []cli.Flag{
	WorkspaceDir,
	ConfigFile,
	Filter,
	SkipCollect,
	Threshold,
	CoverageDir,
	Color,
	SkipToolCheck,
}

// Flags contains the list of configuration options available to the binary.
var Flags []cli.Flag

func init() {
	optionalFlags = append(optionalFlags, oplog.CLIFlags(EnvVarPrefix)...)
	optionalFlags = append(optionalFlags, opmetrics.CLIFlags(EnvVarPrefix)...)

	Flags = append(requiredFlags, optionalFlags...)
}

func CheckRequired(ctx *cli.Context) error {
	for _, f := range requiredFlags {
		if !ctx.IsSet(f.Names()[0]) {
			return fmt.Errorf("flag %s is required", f.Names()[0])
		}
	}
	return nil
}
