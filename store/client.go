package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/justapithecus/sluice/config"
	"github.com/justapithecus/sluice/log"
	"github.com/justapithecus/sluice/metrics"
	"github.com/justapithecus/sluice/types"
)

// BucketOpener builds a Bucket for one data-store entry. The default opener
// creates S3 clients; tests swap in MemoryBucket instances.
type BucketOpener func(ctx context.Context, ds *types.DataStore) (Bucket, error)

// Client provides the payload-scoped object-store operations: user file
// transfers, folder listing, and the durable run log. One Client serves one
// invocation; buckets are opened lazily per data store and cached.
type Client struct {
	wf        *types.Workflow
	cfg       config.Runtime
	logger    *log.Logger
	collector *metrics.Collector

	mu      sync.Mutex
	buckets map[string]Bucket
	opener  BucketOpener
}

// Option configures a Client.
type Option func(*Client)

// WithBucketOpener overrides bucket construction (for tests).
func WithBucketOpener(opener BucketOpener) Option {
	return func(c *Client) { c.opener = opener }
}

// WithCollector attaches a metrics collector.
func WithCollector(collector *metrics.Collector) Option {
	return func(c *Client) { c.collector = collector }
}

// NewClient creates a store client for one invocation.
func NewClient(wf *types.Workflow, cfg config.Runtime, logger *log.Logger, opts ...Option) *Client {
	c := &Client{
		wf:      wf,
		cfg:     cfg,
		logger:  logger,
		buckets: make(map[string]Bucket),
		opener: func(ctx context.Context, ds *types.DataStore) (Bucket, error) {
			return NewS3Bucket(ctx, ds)
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// bucketFor resolves a data-store name (empty means DefaultDataStore) to an
// open Bucket plus its config entry.
func (c *Client) bucketFor(ctx context.Context, storeName string) (Bucket, *types.DataStore, error) {
	if storeName == "" {
		storeName = c.wf.DefaultDataStore
	}
	ds, ok := c.wf.DataStores[storeName]
	if !ok {
		return nil, nil, fmt.Errorf("store: invalid data server name: %s", storeName)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if bucket, ok := c.buckets[storeName]; ok {
		return bucket, ds, nil
	}
	bucket, err := c.opener(ctx, ds)
	if err != nil {
		return nil, nil, fmt.Errorf("store: open %s: %w", storeName, err)
	}
	c.buckets[storeName] = bucket
	return bucket, ds, nil
}

// LogBucket resolves the bucket that holds run logs, locks and flags. The
// lock service shares this bucket so contenders from every node observe the
// same keys.
func (c *Client) LogBucket(ctx context.Context) (Bucket, error) {
	bucket, _, err := c.bucketFor(ctx, c.wf.LogStoreName())
	return bucket, err
}
