package metrics

import (
	"sync"
	"testing"
)

func TestCollectorCounts(t *testing.T) {
	c := NewCollector("inv-1", "A")

	c.IncDispatchAttempted()
	c.IncDispatchAttempted()
	c.IncDispatchSucceeded()
	c.IncDispatchFailed()
	c.IncLockAcquired()
	c.IncLockRetry()
	c.IncLockRetry()
	c.IncRPCCall()
	c.IncStoreWrite()
	c.IncStoreWriteFailure()

	snap := c.Snapshot()
	if snap.DispatchesAttempted != 2 {
		t.Errorf("DispatchesAttempted = %d, want 2", snap.DispatchesAttempted)
	}
	if snap.DispatchesSucceeded != 1 || snap.DispatchesFailed != 1 {
		t.Errorf("dispatch outcome counters = %d/%d, want 1/1",
			snap.DispatchesSucceeded, snap.DispatchesFailed)
	}
	if snap.LockRetries != 2 {
		t.Errorf("LockRetries = %d, want 2", snap.LockRetries)
	}
	if snap.InvocationID != "inv-1" || snap.Function != "A" {
		t.Errorf("dimensions = %q/%q", snap.InvocationID, snap.Function)
	}
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	// Must not panic.
	c.IncDispatchAttempted()
	c.IncLockRetry()
	c.IncStoreRead()
	if snap := c.Snapshot(); snap != (Snapshot{}) {
		t.Errorf("nil collector snapshot not zero: %+v", snap)
	}
}

func TestCollectorConcurrent(t *testing.T) {
	c := NewCollector("inv-1", "A")
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				c.IncRPCCall()
			}
		}()
	}
	wg.Wait()
	if snap := c.Snapshot(); snap.RPCCalls != 800 {
		t.Errorf("RPCCalls = %d, want 800", snap.RPCCalls)
	}
}
