// Package main provides the sluice-runtime CLI entrypoint.
//
// Usage:
//
//	sluice-runtime run --payload <path-or-url> [options] -- <user command>
//
// Exit codes:
//   - 0: success
//   - 1: initializer error (bad payload, bad config)
//   - 2: user function error or invalid procedure call
//   - 3: conditional successor with no user return value
//   - 4: lock acquire timeout or lock store unavailable
//   - 5: provider transport failure (OpenWhisk contract)
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/justapithecus/sluice/config"
	"github.com/justapithecus/sluice/lock"
	"github.com/justapithecus/sluice/payload"
	"github.com/justapithecus/sluice/runtime"
	"github.com/justapithecus/sluice/scheduler"
	"github.com/justapithecus/sluice/types"
)

const (
	exitSuccess          = 0
	exitInitError        = 1
	exitUserError        = 2
	exitMissingCondition = 3
	exitLockTimeout      = 4
	exitTransportFatal   = 5
)

func main() {
	app := &cli.App{
		Name:    "sluice-runtime",
		Usage:   "sluice invocation runtime - serves the RPC sidecar, runs the user function, triggers successors",
		Version: types.Version,
		Commands: []*cli.Command{
			runCommand(),
		},
		ExitErrHandler: exitErrHandler,
	}

	if err := app.Run(os.Args); err != nil {
		// ExitErrHandler already handled the exit; this branch is only
		// reached if it didn't.
		os.Exit(exitInitError)
	}
}

// exitErrHandler handles errors from the CLI, respecting cli.ExitCoder.
func exitErrHandler(c *cli.Context, err error) {
	if err == nil {
		return
	}

	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		code := exitCoder.ExitCode()
		msg := exitCoder.Error()

		// cli.Exit("", N).Error() returns "exit status N"; skip those.
		if msg != "" && msg != fmt.Sprintf("exit status %d", code) {
			fmt.Fprintln(os.Stderr, msg)
		}
		os.Exit(code)
	}

	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(exitInitError)
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "Run one workflow invocation",
		ArgsUsage: "-- <user function command>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "payload",
				Usage:    "workflow document `PATH` or URL",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "config",
				Usage: "runtime configuration `FILE`",
				Value: "sluice.yaml",
			},
			&cli.StringFlag{
				Name:  "overwritten",
				Usage: "serialized override set `JSON` from the dispatching predecessor",
			},
			&cli.IntFlag{
				Name:  "port",
				Usage: "sidecar loopback `PORT` (overrides config)",
			},
			&cli.BoolFlag{
				Name:  "skip-real-triggers",
				Usage: "log simulated triggers instead of invoking providers",
			},
			&cli.StringFlag{
				Name:  "local-dir",
				Usage: "write put-file objects under `DIR` instead of the object store",
			},
		},
		Action: runAction,
	}
}

func runAction(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return cli.Exit(fmt.Sprintf("sluice-runtime: %v", err), exitInitError)
	}

	// Flags override config values.
	if c.IsSet("port") {
		cfg.ServerPort = c.Int("port")
	}
	if c.Bool("skip-real-triggers") {
		cfg.SkipRealTriggers = true
	}
	if dir := c.String("local-dir"); dir != "" {
		cfg.UseLocalFileSystem = true
		cfg.LocalFileSystemDir = dir
	}
	if err := cfg.Validate(); err != nil {
		return cli.Exit(fmt.Sprintf("sluice-runtime: %v", err), exitInitError)
	}

	if c.Args().Len() == 0 {
		return cli.Exit("sluice-runtime: no user function command given", exitInitError)
	}

	wf, err := payload.Load(c.Context, c.String("payload"), cfg.HTTPTimeout.Duration)
	if err != nil {
		return cli.Exit(fmt.Sprintf("sluice-runtime: %v", err), exitInitError)
	}
	if err := payload.ApplyOverrides(wf, []byte(c.String("overwritten"))); err != nil {
		return cli.Exit(fmt.Sprintf("sluice-runtime: %v", err), exitInitError)
	}

	orchestrator, err := runtime.NewOrchestrator(&runtime.RunConfig{
		Workflow: wf,
		Runtime:  cfg,
		Command:  c.Args().Slice(),
	})
	if err != nil {
		return cli.Exit(fmt.Sprintf("sluice-runtime: %v", err), exitInitError)
	}

	result, err := orchestrator.Execute(c.Context)
	if err != nil {
		return cli.Exit(fmt.Sprintf("sluice-runtime: %v", err), exitCodeFor(err))
	}
	if result.Terminal.Error {
		return cli.Exit(fmt.Sprintf("sluice-runtime: %s", result.Terminal.Message), exitUserError)
	}
	return nil
}

// exitCodeFor maps fatal runtime errors to the documented exit codes.
func exitCodeFor(err error) int {
	switch {
	case errors.Is(err, scheduler.ErrMissingConditionValue):
		return exitMissingCondition
	case errors.Is(err, lock.ErrTimeout):
		return exitLockTimeout
	case errors.Is(err, lock.ErrStoreUnavailable):
		return exitLockTimeout
	case errors.Is(err, scheduler.ErrTransportFatal):
		return exitTransportFatal
	default:
		return exitInitError
	}
}
