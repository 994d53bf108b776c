// Package scheduler computes and dispatches the successor set of the current
// DAG node: conditional selection on the user return value, rank fan-out,
// fan-in serialization through the lock service, and per-provider invocation
// via the driver registry.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/justapithecus/sluice/config"
	"github.com/justapithecus/sluice/log"
	"github.com/justapithecus/sluice/metrics"
	"github.com/justapithecus/sluice/types"
)

// Sentinel errors for dispatch failures.
var (
	// ErrMissingConditionValue indicates a conditional successor with no user
	// return value. Fatal per the workflow contract.
	ErrMissingConditionValue = errors.New("invoke next contains conditionals but function did not return a value")

	// ErrTransportFatal indicates a connection-level provider failure on a
	// driver that aborts the whole dispatch (historically, OpenWhisk).
	ErrTransportFatal = errors.New("provider transport failure")
)

// Emitter appends user-visible wire-form log lines to the durable run log.
// Satisfied by store.Client.
type Emitter interface {
	Emit(ctx context.Context, subsystem, message string)
}

// Locker serializes fan-in dispatch. Satisfied by lock.Lock: the lock key
// follows the payload's FunctionInvoke, which dispatch points at the
// successor before acquiring.
type Locker interface {
	Acquire(ctx context.Context) error
	Release(ctx context.Context)
}

// Driver performs exactly one provider invocation attempt for a successor.
type Driver interface {
	Invoke(ctx context.Context, server *types.ComputeServer, function string) error
}

// Scheduler triggers the next actions in the DAG.
type Scheduler struct {
	wf        *types.Workflow
	cfg       config.Runtime
	logger    *log.Logger
	emitter   Emitter
	drivers   map[string]Driver
	locker    Locker
	collector *metrics.Collector
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithDriver overrides the driver for one FaaSType (for tests).
func WithDriver(faasType string, driver Driver) Option {
	return func(s *Scheduler) { s.drivers[faasType] = driver }
}

// WithLocker enables fan-in serialization through the given lock.
func WithLocker(locker Locker) Option {
	return func(s *Scheduler) { s.locker = locker }
}

// WithCollector attaches a metrics collector.
func WithCollector(collector *metrics.Collector) Option {
	return func(s *Scheduler) { s.collector = collector }
}

// New creates a Scheduler with the production driver registry.
func New(wf *types.Workflow, cfg config.Runtime, logger *log.Logger, emitter Emitter, opts ...Option) *Scheduler {
	s := &Scheduler{
		wf:      wf,
		cfg:     cfg,
		logger:  logger,
		emitter: emitter,
		drivers: map[string]Driver{
			types.FaaSTypeOpenWhisk:     NewOpenWhiskDriver(wf, cfg, emitter),
			types.FaaSTypeLambda:        NewLambdaDriver(wf, cfg, emitter),
			types.FaaSTypeGitHubActions: NewGitHubActionsDriver(wf, cfg, emitter),
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Trigger dispatches the successors of the current node. The result argument
// is the user function's return value; it gates conditional successors and is
// required whenever one is present. Per-successor failures are logged and do
// not stop later successors; only transport-fatal driver errors and fan-in
// lock acquisition failures abort.
func (s *Scheduler) Trigger(ctx context.Context, result any) error {
	current := s.wf.FunctionInvoke
	spec, ok := s.wf.FunctionList[current]
	if !ok {
		return fmt.Errorf("trigger: unknown node %q", current)
	}
	nexts := spec.InvokeNext

	if len(nexts) == 0 {
		s.emitter.Emit(ctx, "trigger", fmt.Sprintf("no triggers for %s", current))
		return nil
	}

	if nexts.HasConditional() && result == nil {
		s.emitter.Emit(ctx, "trigger", "ERROR -- InvokeNext contains conditionals but function did not return a value")
		return ErrMissingConditionValue
	}

	for _, succ := range nexts {
		if succ.Ref != nil {
			if err := s.dispatch(ctx, *succ.Ref); err != nil {
				return err
			}
			continue
		}
		// Conditional element: only the branch keyed by the stringified
		// return value fires. A missing key dispatches nothing.
		for _, ref := range succ.Cond[conditionKey(result)] {
			if err := s.dispatch(ctx, ref); err != nil {
				return err
			}
		}
	}
	return nil
}

// dispatch invokes one successor reference, fanning out over its ranks.
// Unknown servers skip the reference; driver failures are fatal only when the
// driver reports a transport-fatal error and the configuration keeps those
// fatal.
func (s *Scheduler) dispatch(ctx context.Context, ref types.Ref) error {
	s.wf.SetFunctionInvoke(ref.Name)

	spec, ok := s.wf.FunctionList[ref.Name]
	if !ok {
		s.emitter.Emit(ctx, "trigger", fmt.Sprintf("unknown function: %s", ref.Name))
		return nil
	}
	serverName := spec.FaaSServer
	server, ok := s.wf.ComputeServers[serverName]
	if !ok {
		s.emitter.Emit(ctx, "trigger", fmt.Sprintf("invalid server name: %s", serverName))
		return nil
	}

	// Joins are serialized: concurrent predecessors of the same successor
	// race here, and the lock guarantees the successor's critical dispatch
	// region runs one contender at a time.
	if s.locker != nil && s.wf.PredecessorCount(ref.Name) > 1 {
		if err := s.locker.Acquire(ctx); err != nil {
			return err
		}
		defer s.locker.Release(ctx)
	}

	for k := 1; k <= ref.Rank; k++ {
		if ref.Rank > 1 {
			s.wf.SetRank(ref.Name, fmt.Sprintf("%d/%d", k, ref.Rank))
		}

		if s.cfg.SkipRealTriggers {
			line := "SIMULATED TRIGGER: " + ref.Name
			if ref.Rank > 1 {
				line = fmt.Sprintf("%s.%d", line, k)
			}
			s.emitter.Emit(ctx, "trigger", line)
			s.collector.IncDispatchSimulated()
			continue
		}

		driver, ok := s.drivers[server.FaaSType]
		if !ok {
			s.emitter.Emit(ctx, "trigger", fmt.Sprintf("unknown FaaS type: %s", server.FaaSType))
			return nil
		}

		s.collector.IncDispatchAttempted()
		if err := driver.Invoke(ctx, server, ref.Name); err != nil {
			s.collector.IncDispatchFailed()
			if errors.Is(err, ErrTransportFatal) && s.cfg.TransportErrorsFatal {
				return err
			}
			s.logger.Warn("dispatch failed", map[string]any{
				"function": ref.Name,
				"error":    err.Error(),
			})
			continue
		}
		s.collector.IncDispatchSucceeded()
	}
	return nil
}

// conditionKey stringifies the user return value for conditional lookup.
// Booleans and numbers take their JSON form; strings are used as-is.
func conditionKey(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		if t {
			return "true"
		}
		return "false"
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(raw)
	}
}
