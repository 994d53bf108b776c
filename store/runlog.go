package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// LogKey returns the run-log object key for the current invocation:
// {FaaSrLog}/{InvocationID}/{FunctionInvoke}.txt. Stable per invocation.
func (c *Client) LogKey() string {
	return fmt.Sprintf("%s/%s/%s.txt", c.wf.FaaSrLog, c.wf.InvocationID, c.wf.FunctionInvoke)
}

// AppendLog appends one line to the run-log object in the logging store.
// The store has no append primitive, so this is a read-modify-write; the
// sidecar serializes callers within an invocation, and cross-function lines
// land in per-function objects, so lost updates are not a concern.
func (c *Client) AppendLog(ctx context.Context, message string) error {
	bucket, err := c.LogBucket(ctx)
	if err != nil {
		return err
	}

	key := c.LogKey()
	existing, err := bucket.Get(ctx, key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	line := message
	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}
	if err := bucket.Put(ctx, key, append(existing, line...)); err != nil {
		c.collector.IncStoreWriteFailure()
		return err
	}
	c.collector.IncStoreWrite()
	return nil
}

// Emit writes a user-visible runtime log line in the wire form
// {"faasr_<subsystem>":"<message>"} to both the structured logger and the
// durable run log. Run-log failures are reported on the logger but do not
// fail the caller: the line already reached stderr.
func (c *Client) Emit(ctx context.Context, subsystem, message string) {
	line := fmt.Sprintf("{%q:%q}", "faasr_"+subsystem, message)
	c.logger.Info(line, nil)
	if err := c.AppendLog(ctx, line); err != nil {
		c.logger.Warn("run log append failed", map[string]any{"error": err.Error()})
	}
}
