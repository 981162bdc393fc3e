package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/log"
	"github.com/honeycombio/otel-config-go/otelconfig"
	"github.com/urfave/cli/v2"

	cover "github.com/ethereum-optimism/infra/op-coverage"
	"github.com/ethereum-optimism/infra/op-coverage/exitcodes"
	"github.com/ethereum-optimism/infra/op-coverage/flags"
	"github.com/ethereum-optimism/infra/op-coverage/service"
	"github.com/ethereum-optimism/optimism/devnet-sdk/telemetry"
	"github.com/ethereum-optimism/optimism/op-service/cliapp"
	"github.com/ethereum-optimism/optimism/op-service/ctxinterrupt"
	oplog "github.com/ethereum-optimism/optimism/op-service/log"
)

var (
	Version   = "v0.1.0"
	GitCommit = ""
	GitDate   = ""
)

func main() {
	app := cli.NewApp()
	app.Version = fmt.Sprintf("%s-%s-%s", Version, GitCommit, GitDate)
	app.Name = "op-coverage"
	app.Usage = "HyperSpot Coverage Collection Orchestrator"
	app.Description = "op-coverage collects test coverage for the HyperSpot workspace and renders reports"
	app.Commands = []*cli.Command{
		{
			Name:   "unit",
			Usage:  "Generate coverage from unit tests only",
			Flags:  cliapp.ProtectFlags(flags.Flags),
			Action: cliapp.LifecycleCmd(makeRun(cover.ModeUnit)),
		},
		{
			Name:   "e2e-local",
			Usage:  "Generate coverage from e2e tests only",
			Flags:  cliapp.ProtectFlags(flags.Flags),
			Action: cliapp.LifecycleCmd(makeRun(cover.ModeE2ELocal)),
		},
		{
			Name:   "combined",
			Usage:  "Generate combined coverage (unit + e2e)",
			Flags:  cliapp.ProtectFlags(flags.Flags),
			Action: cliapp.LifecycleCmd(makeRun(cover.ModeCombined)),
		},
	}
	app.Action = func(ctx *cli.Context) error {
		if err := cli.ShowAppHelp(ctx); err != nil {
			return err
		}
		return cli.Exit("a coverage mode is required: unit, e2e-local or combined", exitcodes.RuntimeErr)
	}
	app.ExitErrHandler = func(c *cli.Context, err error) {
		var exitErr cli.ExitCoder
		if errors.As(err, &exitErr) {
			// Use the exit code from the ExitCoder
			cli.HandleExitCoder(exitErr)
		} else if err != nil {
			// Check for typed runtime errors
			if cover.IsRuntimeError(err) {
				cli.HandleExitCoder(cli.Exit(err.Error(), exitcodes.RuntimeErr))
			} else if cover.IsTestFailureError(err) {
				// Propagate the failing suite's own exit code
				cli.HandleExitCoder(cli.Exit(err.Error(), cover.TestFailureCode(err)))
			} else {
				// For other unspecified errors, default to exit code 1
				cli.HandleExitCoder(cli.Exit(err.Error(), exitcodes.TestFailure))
			}
		}
	}

	// Start telemetry
	ctx, shutdown, err := telemetry.SetupOpenTelemetry(
		context.Background(),
		otelconfig.WithServiceName(app.Name),
		otelconfig.WithServiceVersion(app.Version),
	)
	if err != nil {
		log.Crit("Failed to setup open telemetry", "message", err)
	}
	defer shutdown()

	// Start the monitoring sidecar (opt-in via environment)
	svc := service.New(service.FromEnv())
	svc.Start(ctx)
	defer svc.Shutdown()

	// Start CLI
	ctx = ctxinterrupt.WithSignalWaiterMain(ctx)
	err = app.RunContext(ctx, os.Args)
	if err != nil {
		log.Crit("Application failed", "message", err)
	}
}

func makeRun(mode cover.Mode) func(*cli.Context, context.CancelCauseFunc) (cliapp.Lifecycle, error) {
	return func(ctx *cli.Context, closeApp context.CancelCauseFunc) (cliapp.Lifecycle, error) {
		logCfg := oplog.ReadCLIConfig(ctx)
		log := oplog.NewLogger(oplog.AppOut(ctx), logCfg)
		oplog.SetGlobalLogHandler(log.Handler())
		oplog.SetupDefaults()

		cfg, err := cover.NewConfig(ctx, log, mode)
		if err != nil {
			// Wrap in RuntimeError to signal this should exit with code 2
			return nil, cover.NewRuntimeError(fmt.Errorf("failed to create config: %w", err))
		}

		cfg.Log.Debug("Config",
			"mode", cfg.Mode,
			"workspaceDir", cfg.WorkspaceDir,
			"configFile", cfg.ConfigFile,
			"coverageDir", cfg.CoverageDir)

		workflow, err := cover.New(ctx.Context, cfg, Version, closeApp)
		if err != nil {
			// Wrap in RuntimeError to signal this should exit with code 2
			return nil, cover.NewRuntimeError(fmt.Errorf("failed to create workflow: %w", err))
		}

		return workflow, nil
	}
}
