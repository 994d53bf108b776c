package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/justapithecus/sluice/config"
	"github.com/justapithecus/sluice/iox"
	"github.com/justapithecus/sluice/lock"
	"github.com/justapithecus/sluice/log"
	"github.com/justapithecus/sluice/metrics"
	"github.com/justapithecus/sluice/scheduler"
	"github.com/justapithecus/sluice/sidecar"
	"github.com/justapithecus/sluice/store"
	"github.com/justapithecus/sluice/types"
)

// RunConfig configures a single invocation.
type RunConfig struct {
	// Workflow is the loaded payload document.
	Workflow *types.Workflow
	// Runtime is the process configuration.
	Runtime config.Runtime
	// Command is the user-function command line.
	Command []string
	// ExecutorFactory overrides executor creation (for testing).
	// If nil, uses NewProcessExecutor.
	ExecutorFactory ExecutorFactory
	// BucketOpener overrides object-store construction (for testing).
	BucketOpener store.BucketOpener
	// ServerPort overrides Runtime.ServerPort: 0 keeps the configured port,
	// -1 binds an ephemeral port (tests).
	ServerPort int
}

// RunResult represents the result of one invocation.
type RunResult struct {
	// Terminal is the user function's collected end state.
	Terminal sidecar.Terminal
	// ExitCode is the user process exit code.
	ExitCode int
	// StderrOutput is the captured user-process stderr.
	StderrOutput string
	// Duration is the total invocation duration.
	Duration time.Duration
	// Metrics is the invocation counter snapshot.
	Metrics metrics.Snapshot
}

// Orchestrator orchestrates a single invocation.
type Orchestrator struct {
	config    *RunConfig
	logger    *log.Logger
	collector *metrics.Collector
	startTime time.Time
}

// NewOrchestrator creates an orchestrator for one invocation.
// Returns an error if the payload document is invalid.
func NewOrchestrator(cfg *RunConfig) (*Orchestrator, error) {
	if err := cfg.Workflow.Validate(); err != nil {
		return nil, fmt.Errorf("invalid workflow payload: %w", err)
	}

	wf := cfg.Workflow
	rank := ""
	if spec, ok := wf.FunctionList[wf.FunctionInvoke]; ok {
		rank = spec.Rank
	}
	logger := log.NewLogger(log.Context{
		InvocationID: wf.InvocationID,
		Function:     wf.FunctionInvoke,
		Rank:         rank,
	})

	return &Orchestrator{
		config:    cfg,
		logger:    logger,
		collector: metrics.NewCollector(wf.InvocationID, wf.FunctionInvoke),
	}, nil
}

// Execute runs the invocation end-to-end.
//
// Execution flow:
//  1. Start the RPC sidecar and wait for readiness
//  2. Run the user function to completion
//  3. Collect the terminal return/exit state
//  4. Trigger the successor set, serializing fan-in joins
func (o *Orchestrator) Execute(ctx context.Context) (*RunResult, error) {
	o.startTime = time.Now()
	wf := o.config.Workflow

	storeOpts := []store.Option{store.WithCollector(o.collector)}
	if o.config.BucketOpener != nil {
		storeOpts = append(storeOpts, store.WithBucketOpener(o.config.BucketOpener))
	}
	files := store.NewClient(wf, o.config.Runtime, o.logger, storeOpts...)

	server, err := sidecar.New(wf, files, o.logger, sidecar.WithCollector(o.collector))
	if err != nil {
		return nil, fmt.Errorf("sidecar setup: %w", err)
	}

	port := o.config.Runtime.ServerPort
	if o.config.ServerPort != 0 {
		port = max(o.config.ServerPort, 0)
	}
	if err := server.Start(port); err != nil {
		return nil, err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			o.logger.Warn("sidecar shutdown failed", map[string]any{"error": err.Error()})
		}
	}()

	readyCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := sidecar.WaitReady(readyCtx, server.Addr()); err != nil {
		return nil, fmt.Errorf("sidecar not ready: %w", err)
	}

	o.logger.Info("starting user function", map[string]any{"command": o.config.Command})

	factory := o.config.ExecutorFactory
	if factory == nil {
		factory = func(cfg *ExecutorConfig) Executor { return NewProcessExecutor(cfg) }
	}
	executor := factory(&ExecutorConfig{
		Command:      o.config.Command,
		RPCAddr:      server.Addr(),
		InvocationID: wf.InvocationID,
	})

	if err := executor.Start(ctx); err != nil {
		return nil, err
	}
	execResult, err := executor.Wait()
	if err != nil {
		iox.DiscardErr(executor.Kill)
		return nil, err
	}

	terminal := server.Terminal()
	result := &RunResult{
		Terminal:     terminal,
		ExitCode:     execResult.ExitCode,
		StderrOutput: string(execResult.StderrBytes),
	}

	if execResult.ExitCode != 0 && !terminal.Error {
		result.Terminal.Error = true
		result.Terminal.Message = fmt.Sprintf("user function exited with code %d", execResult.ExitCode)
	}

	if result.Terminal.Error {
		files.Emit(ctx, "runtime", fmt.Sprintf("function %s failed: %s", wf.FunctionInvoke, result.Terminal.Message))
		o.finish(result)
		return result, nil
	}

	if err := o.trigger(ctx, files, result.Terminal); err != nil {
		o.finish(result)
		return result, err
	}

	o.finish(result)
	return result, nil
}

// trigger dispatches the successor set, wiring fan-in serialization through
// the lock service over the logging store.
func (o *Orchestrator) trigger(ctx context.Context, files *store.Client, terminal sidecar.Terminal) error {
	wf := o.config.Workflow

	logBucket, err := files.LogBucket(ctx)
	if err != nil {
		return fmt.Errorf("lock store: %w", err)
	}
	joinLock := lock.New(logBucket, wf, o.logger, lock.WithCollector(o.collector))

	sched := scheduler.New(wf, o.config.Runtime, o.logger, files,
		scheduler.WithLocker(joinLock),
		scheduler.WithCollector(o.collector),
	)

	var result any
	if terminal.HasResult {
		result = terminal.Result
	}
	return sched.Trigger(ctx, result)
}

func (o *Orchestrator) finish(result *RunResult) {
	result.Duration = time.Since(o.startTime)
	result.Metrics = o.collector.Snapshot()
	o.logger.Info("invocation finished", map[string]any{
		"duration_ms": result.Duration.Milliseconds(),
		"error":       result.Terminal.Error,
	})
}
