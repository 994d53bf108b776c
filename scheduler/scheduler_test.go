package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"

	"github.com/justapithecus/sluice/config"
	"github.com/justapithecus/sluice/log"
	"github.com/justapithecus/sluice/types"
)

// recordingEmitter captures wire-form log lines in order.
type recordingEmitter struct {
	mu    sync.Mutex
	lines []string
}

func (e *recordingEmitter) Emit(_ context.Context, subsystem, message string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lines = append(e.lines, message)
}

func (e *recordingEmitter) messages() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.lines...)
}

// recordingDriver captures each invocation with the rank label in effect.
type recordingDriver struct {
	wf    *types.Workflow
	err   error
	mu    sync.Mutex
	calls []string
}

func (d *recordingDriver) Invoke(_ context.Context, _ *types.ComputeServer, function string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	rank := d.wf.FunctionList[function].Rank
	if rank == "" {
		rank = "1/1"
	}
	d.calls = append(d.calls, fmt.Sprintf("%s@%s", function, rank))
	return d.err
}

func (d *recordingDriver) invocations() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

func schedulerWorkflow(t *testing.T, invokeNext string) *types.Workflow {
	t.Helper()
	doc := fmt.Sprintf(`{
		"FunctionInvoke": "A",
		"InvocationID": "inv-1",
		"FaaSrLog": "faasr-log",
		"DefaultDataStore": "minio",
		"FunctionList": {
			"A": {"FaaSServer": "ow1", "InvokeNext": %s},
			"B": {"FaaSServer": "ow1"},
			"C": {"FaaSServer": "lam1"},
			"D": {"FaaSServer": "lam1"}
		},
		"ComputeServers": {
			"ow1": {"FaaSType": "OpenWhisk", "Endpoint": "ow.example.com", "Namespace": "ns", "API.key": "u:p"},
			"lam1": {"FaaSType": "Lambda", "AccessKey": "ak", "SecretKey": "sk", "Region": "us-east-1"}
		},
		"DataStores": {
			"minio": {"Endpoint": "http://minio:9000", "Region": "us-east-1", "Bucket": "faasr"}
		}
	}`, invokeNext)
	var wf types.Workflow
	if err := json.Unmarshal([]byte(doc), &wf); err != nil {
		t.Fatalf("unmarshal workflow: %v", err)
	}
	return &wf
}

func newTestScheduler(t *testing.T, wf *types.Workflow, cfg config.Runtime) (*Scheduler, *recordingEmitter, *recordingDriver) {
	t.Helper()
	emitter := &recordingEmitter{}
	driver := &recordingDriver{wf: wf}
	logger := log.NewLogger(log.Context{InvocationID: "inv-1", Function: "A"}).WithOutput(&bytes.Buffer{})
	s := New(wf, cfg, logger, emitter,
		WithDriver(types.FaaSTypeOpenWhisk, driver),
		WithDriver(types.FaaSTypeLambda, driver),
		WithDriver(types.FaaSTypeGitHubActions, driver),
	)
	return s, emitter, driver
}

func TestTriggerDispatchCompleteness(t *testing.T) {
	wf := schedulerWorkflow(t, `["B", "C(3)"]`)
	s, _, driver := newTestScheduler(t, wf, config.Default())

	if err := s.Trigger(t.Context(), nil); err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}

	want := []string{"B@1/1", "C@1/3", "C@2/3", "C@3/3"}
	if got := driver.invocations(); !reflect.DeepEqual(got, want) {
		t.Errorf("dispatches = %v, want %v", got, want)
	}
}

func TestTriggerSimulated(t *testing.T) {
	wf := schedulerWorkflow(t, `["B", "C(3)"]`)
	cfg := config.Default()
	cfg.SkipRealTriggers = true
	s, emitter, driver := newTestScheduler(t, wf, cfg)

	if err := s.Trigger(t.Context(), nil); err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}

	if calls := driver.invocations(); len(calls) != 0 {
		t.Errorf("debug gate still invoked drivers: %v", calls)
	}
	want := []string{
		"SIMULATED TRIGGER: B",
		"SIMULATED TRIGGER: C.1",
		"SIMULATED TRIGGER: C.2",
		"SIMULATED TRIGGER: C.3",
	}
	if got := emitter.messages(); !reflect.DeepEqual(got, want) {
		t.Errorf("simulated lines = %v, want %v", got, want)
	}
}

func TestTriggerNoSuccessors(t *testing.T) {
	wf := schedulerWorkflow(t, `[]`)
	s, emitter, driver := newTestScheduler(t, wf, config.Default())

	if err := s.Trigger(t.Context(), nil); err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}
	if calls := driver.invocations(); len(calls) != 0 {
		t.Errorf("empty successor list dispatched: %v", calls)
	}
	want := []string{"no triggers for A"}
	if got := emitter.messages(); !reflect.DeepEqual(got, want) {
		t.Errorf("log lines = %v, want %v", got, want)
	}
}

func TestTriggerConditionalSelection(t *testing.T) {
	tests := []struct {
		name   string
		result any
		want   []string
	}{
		{name: "true branch", result: true, want: []string{"B@1/1"}},
		{name: "false branch in order", result: false, want: []string{"C@1/1", "D@1/1"}},
		{name: "missing key dispatches nothing", result: "maybe", want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wf := schedulerWorkflow(t, `[{"true": "B", "false": ["C", "D"]}]`)
			s, _, driver := newTestScheduler(t, wf, config.Default())

			if err := s.Trigger(t.Context(), tt.result); err != nil {
				t.Fatalf("Trigger failed: %v", err)
			}
			if got := driver.invocations(); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("dispatches = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTriggerConditionalRequiresResult(t *testing.T) {
	wf := schedulerWorkflow(t, `[{"true": "B", "false": ["C", "D"]}]`)
	s, _, driver := newTestScheduler(t, wf, config.Default())

	err := s.Trigger(t.Context(), nil)
	if !errors.Is(err, ErrMissingConditionValue) {
		t.Fatalf("Trigger(nil) = %v, want ErrMissingConditionValue", err)
	}
	if calls := driver.invocations(); len(calls) != 0 {
		t.Errorf("dispatched despite missing condition value: %v", calls)
	}
}

func TestDispatchSkipsInvalidServer(t *testing.T) {
	wf := schedulerWorkflow(t, `["B", "C"]`)
	wf.FunctionList["B"].FaaSServer = "ghost"
	s, emitter, driver := newTestScheduler(t, wf, config.Default())

	if err := s.Trigger(t.Context(), nil); err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}

	// B is skipped with a log line; C still dispatches.
	if got := driver.invocations(); !reflect.DeepEqual(got, []string{"C@1/1"}) {
		t.Errorf("dispatches = %v, want only C", got)
	}
	found := false
	for _, line := range emitter.messages() {
		if line == "invalid server name: ghost" {
			found = true
		}
	}
	if !found {
		t.Errorf("invalid-server line missing: %v", emitter.messages())
	}
}

func TestDriverFailureDoesNotStopRemaining(t *testing.T) {
	wf := schedulerWorkflow(t, `["B", "C"]`)
	s, _, driver := newTestScheduler(t, wf, config.Default())
	driver.err = errors.New("provider exploded")

	if err := s.Trigger(t.Context(), nil); err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}
	if got := driver.invocations(); !reflect.DeepEqual(got, []string{"B@1/1", "C@1/1"}) {
		t.Errorf("dispatches = %v, want both attempts", got)
	}
}

func TestTransportFatalAbortsDispatch(t *testing.T) {
	wf := schedulerWorkflow(t, `["B", "C"]`)
	s, _, driver := newTestScheduler(t, wf, config.Default())
	driver.err = fmt.Errorf("%w: openwhisk B: connection refused", ErrTransportFatal)

	err := s.Trigger(t.Context(), nil)
	if !errors.Is(err, ErrTransportFatal) {
		t.Fatalf("Trigger = %v, want ErrTransportFatal", err)
	}
	if got := driver.invocations(); !reflect.DeepEqual(got, []string{"B@1/1"}) {
		t.Errorf("dispatches = %v, want abort after B", got)
	}
}

func TestTransportFatalContinuesWhenDisabled(t *testing.T) {
	wf := schedulerWorkflow(t, `["B", "C"]`)
	cfg := config.Default()
	cfg.TransportErrorsFatal = false
	s, _, driver := newTestScheduler(t, wf, cfg)
	driver.err = fmt.Errorf("%w: openwhisk B: connection refused", ErrTransportFatal)

	if err := s.Trigger(t.Context(), nil); err != nil {
		t.Fatalf("Trigger = %v, want log-and-continue", err)
	}
	if got := driver.invocations(); !reflect.DeepEqual(got, []string{"B@1/1", "C@1/1"}) {
		t.Errorf("dispatches = %v, want both attempts", got)
	}
}

// countingLocker records acquire/release pairs.
type countingLocker struct {
	acquired int
	released int
}

func (l *countingLocker) Acquire(context.Context) error { l.acquired++; return nil }
func (l *countingLocker) Release(context.Context)       { l.released++ }

func TestFanInSuccessorIsSerialized(t *testing.T) {
	// B and C both invoke D: D is a join node, so dispatching D takes the lock.
	doc := `{
		"FunctionInvoke": "B",
		"InvocationID": "inv-1",
		"FaaSrLog": "faasr-log",
		"FunctionList": {
			"B": {"FaaSServer": "ow1", "InvokeNext": ["D"]},
			"C": {"FaaSServer": "ow1", "InvokeNext": ["D"]},
			"D": {"FaaSServer": "ow1"}
		},
		"ComputeServers": {
			"ow1": {"FaaSType": "OpenWhisk", "Endpoint": "ow.example.com", "Namespace": "ns", "API.key": "u:p"}
		},
		"DataStores": {}
	}`
	var wf types.Workflow
	if err := json.Unmarshal([]byte(doc), &wf); err != nil {
		t.Fatal(err)
	}

	emitter := &recordingEmitter{}
	driver := &recordingDriver{wf: &wf}
	locker := &countingLocker{}
	logger := log.NewLogger(log.Context{InvocationID: "inv-1", Function: "B"}).WithOutput(&bytes.Buffer{})
	s := New(&wf, config.Default(), logger, emitter,
		WithDriver(types.FaaSTypeOpenWhisk, driver),
		WithLocker(locker),
	)

	if err := s.Trigger(t.Context(), nil); err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}
	if locker.acquired != 1 || locker.released != 1 {
		t.Errorf("lock acquire/release = %d/%d, want 1/1", locker.acquired, locker.released)
	}
}

func TestNonJoinSuccessorSkipsLock(t *testing.T) {
	wf := schedulerWorkflow(t, `["B"]`)
	emitter := &recordingEmitter{}
	driver := &recordingDriver{wf: wf}
	locker := &countingLocker{}
	logger := log.NewLogger(log.Context{InvocationID: "inv-1", Function: "A"}).WithOutput(&bytes.Buffer{})
	s := New(wf, config.Default(), logger, emitter,
		WithDriver(types.FaaSTypeOpenWhisk, driver),
		WithLocker(locker),
	)

	if err := s.Trigger(t.Context(), nil); err != nil {
		t.Fatal(err)
	}
	if locker.acquired != 0 {
		t.Errorf("single-predecessor successor took the lock %d times", locker.acquired)
	}
}

func TestConditionKey(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  string
	}{
		{name: "true", value: true, want: "true"},
		{name: "false", value: false, want: "false"},
		{name: "string as-is", value: "done", want: "done"},
		{name: "integer", value: float64(3), want: "3"},
		{name: "fraction", value: 2.5, want: "2.5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := conditionKey(tt.value); got != tt.want {
				t.Errorf("conditionKey(%v) = %q, want %q", tt.value, got, tt.want)
			}
		})
	}
}
