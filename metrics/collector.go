// Package metrics provides per-invocation metrics collection.
//
// The Collector accumulates counters during a single invocation. It is a leaf
// package with no internal dependencies. All increment methods are nil-receiver
// safe so callers never guard instrumentation sites.
package metrics

import "sync"

// Snapshot is an immutable point-in-time view of the invocation counters.
// Returned by Collector.Snapshot(). Safe to read concurrently after creation.
type Snapshot struct {
	// Dispatch
	DispatchesAttempted int64
	DispatchesSucceeded int64
	DispatchesFailed    int64
	DispatchesSimulated int64

	// Lock service
	LockAcquired int64
	LockRetries  int64

	// RPC sidecar
	RPCCalls    int64
	RPCFailures int64

	// Object store
	StoreReads        int64
	StoreWrites       int64
	StoreWriteFailures int64

	// Dimensions (informational, set at construction)
	InvocationID string
	Function     string
}

// Collector accumulates metrics during a single invocation.
// Thread-safe via sync.Mutex.
type Collector struct {
	mu sync.Mutex

	dispatchesAttempted int64
	dispatchesSucceeded int64
	dispatchesFailed    int64
	dispatchesSimulated int64

	lockAcquired int64
	lockRetries  int64

	rpcCalls    int64
	rpcFailures int64

	storeReads         int64
	storeWrites        int64
	storeWriteFailures int64

	invocationID string
	function     string
}

// NewCollector creates a Collector with dimension labels.
func NewCollector(invocationID, function string) *Collector {
	return &Collector{
		invocationID: invocationID,
		function:     function,
	}
}

// IncDispatchAttempted records one dispatch attempt.
func (c *Collector) IncDispatchAttempted() {
	if c == nil {
		return
	}
	c.inc(&c.dispatchesAttempted)
}

// IncDispatchSucceeded records one successful provider invocation.
func (c *Collector) IncDispatchSucceeded() {
	if c == nil {
		return
	}
	c.inc(&c.dispatchesSucceeded)
}

// IncDispatchFailed records one failed provider invocation.
func (c *Collector) IncDispatchFailed() {
	if c == nil {
		return
	}
	c.inc(&c.dispatchesFailed)
}

// IncDispatchSimulated records one dispatch suppressed by the debug gate.
func (c *Collector) IncDispatchSimulated() {
	if c == nil {
		return
	}
	c.inc(&c.dispatchesSimulated)
}

// IncLockAcquired records one successful lock acquisition.
func (c *Collector) IncLockAcquired() {
	if c == nil {
		return
	}
	c.inc(&c.lockAcquired)
}

// IncLockRetry records one lock retry (backoff round).
func (c *Collector) IncLockRetry() {
	if c == nil {
		return
	}
	c.inc(&c.lockRetries)
}

// IncRPCCall records one sidecar procedure call.
func (c *Collector) IncRPCCall() {
	if c == nil {
		return
	}
	c.inc(&c.rpcCalls)
}

// IncRPCFailure records one failed sidecar procedure call.
func (c *Collector) IncRPCFailure() {
	if c == nil {
		return
	}
	c.inc(&c.rpcFailures)
}

// IncStoreRead records one object-store read.
func (c *Collector) IncStoreRead() {
	if c == nil {
		return
	}
	c.inc(&c.storeReads)
}

// IncStoreWrite records one object-store write.
func (c *Collector) IncStoreWrite() {
	if c == nil {
		return
	}
	c.inc(&c.storeWrites)
}

// IncStoreWriteFailure records one failed object-store write.
func (c *Collector) IncStoreWriteFailure() {
	if c == nil {
		return
	}
	c.inc(&c.storeWriteFailures)
}

func (c *Collector) inc(counter *int64) {
	c.mu.Lock()
	*counter++
	c.mu.Unlock()
}

// Snapshot returns a point-in-time copy of all counters.
// A nil Collector returns a zero Snapshot.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		DispatchesAttempted: c.dispatchesAttempted,
		DispatchesSucceeded: c.dispatchesSucceeded,
		DispatchesFailed:    c.dispatchesFailed,
		DispatchesSimulated: c.dispatchesSimulated,
		LockAcquired:        c.lockAcquired,
		LockRetries:         c.lockRetries,
		RPCCalls:            c.rpcCalls,
		RPCFailures:         c.rpcFailures,
		StoreReads:          c.storeReads,
		StoreWrites:         c.storeWrites,
		StoreWriteFailures:  c.storeWriteFailures,
		InvocationID:        c.invocationID,
		Function:            c.function,
	}
}
