// Package lock implements distributed mutual exclusion over the shared
// object store. It serializes concurrent arrivals of the same node (fan-in
// joins) with a two-phase flag-then-lock protocol: the store offers no
// compare-and-swap, so ties are resolved through list-after-write visibility
// of per-attempt flag objects.
//
// The protocol is safe under arbitrary staleness in listing: a false-positive
// "competitor seen" only delays acquisition, and a missed competitor is caught
// by the lock-existence check. Liveness is protected by the acquire timeout,
// not by flag cleanup — crashed contenders may leave flags behind, and readers
// treat unknown flags as live contenders.
package lock

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/justapithecus/sluice/log"
	"github.com/justapithecus/sluice/metrics"
	"github.com/justapithecus/sluice/store"
	"github.com/justapithecus/sluice/types"
)

// Sentinel errors for lock failures.
var (
	// ErrTimeout indicates the retry budget was exhausted before acquisition.
	ErrTimeout = errors.New("lock acquire timeout")
	// ErrStoreUnavailable indicates a flag or lock write failed.
	ErrStoreUnavailable = errors.New("lock store unavailable")
)

const (
	// maxBackoffExp saturates the exponential backoff at 2^maxBackoffExp seconds.
	maxBackoffExp = 4
	// maxWait is the backoff-round budget; exceeding it fails with ErrTimeout.
	maxWait = 13
)

// Lock is a distributed mutex for one (InvocationID, FunctionInvoke) tuple.
// Contenders across the fleet share it through the logging store's bucket.
type Lock struct {
	bucket    store.Bucket
	wf        *types.Workflow
	logger    *log.Logger
	collector *metrics.Collector

	// sleep and nonce are injectable for tests.
	sleep func(time.Duration)
	nonce func() int32
}

// Option configures a Lock.
type Option func(*Lock)

// WithSleep overrides the backoff sleep (for tests).
func WithSleep(sleep func(time.Duration)) Option {
	return func(l *Lock) { l.sleep = sleep }
}

// WithNonce overrides nonce generation (for tests).
func WithNonce(nonce func() int32) Option {
	return func(l *Lock) { l.nonce = nonce }
}

// WithCollector attaches a metrics collector.
func WithCollector(collector *metrics.Collector) Option {
	return func(l *Lock) { l.collector = collector }
}

// New creates a Lock over the given bucket for the workflow's current node.
func New(bucket store.Bucket, wf *types.Workflow, logger *log.Logger, opts ...Option) *Lock {
	l := &Lock{
		bucket: bucket,
		wf:     wf,
		logger: logger,
		sleep:  time.Sleep,
		nonce: func() int32 {
			// Random positive 31-bit integer, 1..2^31-1.
			return rand.Int32N(math.MaxInt32) + 1
		},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// flagPrefix is the listing prefix holding one flag object per live attempt.
func (l *Lock) flagPrefix() string {
	return fmt.Sprintf("%s/%s/%s/flag/", l.wf.FaaSrLog, l.wf.InvocationID, l.wf.FunctionInvoke)
}

// lockKey is the lock object key. The "./" between the function id and
// "lock" is part of the compatibility contract with existing deployments.
func (l *Lock) lockKey() string {
	return fmt.Sprintf("%s/%s/%s./lock", l.wf.FaaSrLog, l.wf.InvocationID, l.wf.FunctionInvoke)
}

// backoff returns the sleep for the given retry round: 2^cnt seconds,
// saturating at 2^maxBackoffExp.
func backoff(cnt int) time.Duration {
	if cnt > maxBackoffExp {
		cnt = maxBackoffExp
	}
	return time.Duration(1<<cnt) * time.Second
}

// Acquire spins over rsm attempts until the lock is held. Between attempts it
// backs off exponentially; exhausting the retry budget fails with ErrTimeout.
func (l *Lock) Acquire(ctx context.Context) error {
	cnt := 0
	for {
		acquired, err := l.rsm(ctx)
		if err != nil {
			return err
		}
		if acquired {
			l.collector.IncLockAcquired()
			return nil
		}

		// A previous holder is active; spin until it releases.
		l.collector.IncLockRetry()
		l.sleep(backoff(cnt))
		cnt++
		if cnt > maxWait {
			l.logger.Error("lock acquire timeout", map[string]any{"key": l.lockKey()})
			return fmt.Errorf("%w: %s", ErrTimeout, l.lockKey())
		}
	}
}

// rsm is a single attempt of the flag-then-lock protocol:
//
//  1. Write our flag under the flag prefix.
//  2. List the prefix; any other flag means a competitor is mid-attempt.
//     Delete our flag, back off, and retry from the top.
//  3. No competitors: if the lock object exists we lost to an active holder —
//     report false and let Acquire spin.
//  4. Otherwise write the lock with our nonce as body, remove our flag, and
//     report acquisition.
func (l *Lock) rsm(ctx context.Context) (bool, error) {
	cnt := 0
	for {
		nonce := l.nonce()
		flagKey := l.flagPrefix() + strconv.FormatInt(int64(nonce), 10)

		if err := l.bucket.Put(ctx, flagKey, nil); err != nil {
			return false, fmt.Errorf("%w: flag put: %v", ErrStoreUnavailable, err)
		}

		contested, err := l.anyoneElseInterested(ctx, flagKey)
		if err != nil {
			return false, fmt.Errorf("%w: flag list: %v", ErrStoreUnavailable, err)
		}
		if contested {
			if err := l.bucket.Delete(ctx, flagKey); err != nil {
				l.logger.Warn("flag cleanup failed", map[string]any{"key": flagKey, "error": err.Error()})
			}
			l.collector.IncLockRetry()
			l.sleep(backoff(cnt))
			cnt++
			if cnt > maxWait {
				l.logger.Error("lock timeout", map[string]any{"key": l.lockKey()})
				return false, fmt.Errorf("%w: %s", ErrTimeout, l.lockKey())
			}
			continue
		}

		held, err := l.bucket.List(ctx, l.lockKey())
		if err != nil {
			return false, fmt.Errorf("%w: lock list: %v", ErrStoreUnavailable, err)
		}
		if len(held) > 0 {
			l.logger.Debug("lock held by another contender", map[string]any{"key": l.lockKey()})
			if err := l.bucket.Delete(ctx, flagKey); err != nil {
				l.logger.Warn("flag cleanup failed", map[string]any{"key": flagKey, "error": err.Error()})
			}
			return false, nil
		}

		if err := l.bucket.Put(ctx, l.lockKey(), []byte(strconv.FormatInt(int64(nonce), 10))); err != nil {
			return false, fmt.Errorf("%w: lock put: %v", ErrStoreUnavailable, err)
		}
		if err := l.bucket.Delete(ctx, flagKey); err != nil {
			l.logger.Warn("flag cleanup failed", map[string]any{"key": flagKey, "error": err.Error()})
		}
		return true, nil
	}
}

// anyoneElseInterested lists the flag prefix and reports whether any flag
// other than ours is present. Unknown flags, including stale ones left by
// crashes, count as live contenders.
func (l *Lock) anyoneElseInterested(ctx context.Context, flagKey string) (bool, error) {
	keys, err := l.bucket.List(ctx, l.flagPrefix())
	if err != nil {
		return false, err
	}
	if len(keys) == 1 && keys[0] == flagKey {
		return false, nil
	}
	return true, nil
}

// Release deletes the lock object. Best-effort: releasing an already-deleted
// lock is a no-op, and failures are logged rather than raised — liveness is
// protected by the acquire timeout.
func (l *Lock) Release(ctx context.Context) {
	if err := l.bucket.Delete(ctx, l.lockKey()); err != nil {
		l.logger.Warn("lock release failed", map[string]any{"key": l.lockKey(), "error": err.Error()})
	}
}
