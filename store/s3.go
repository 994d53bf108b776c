package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/justapithecus/sluice/iox"
	"github.com/justapithecus/sluice/types"
)

// S3Bucket is the S3-compatible Bucket implementation. Credentials come from
// the data-store entry in the workflow payload, never from the ambient
// environment: the runtime may talk to several stores with different keys in
// one invocation.
type S3Bucket struct {
	client *s3.Client
	bucket string
}

// NewS3Bucket builds an S3 client for one data-store entry. Custom endpoints
// (MinIO, R2, and other S3-compatible providers) get path-style addressing,
// which most of them require.
func NewS3Bucket(ctx context.Context, ds *types.DataStore) (*S3Bucket, error) {
	if ds.Bucket == "" {
		return nil, fmt.Errorf("s3: data store has no bucket")
	}

	opts := []func(*awsconfig.LoadOptions) error{}
	if ds.Region != "" {
		opts = append(opts, awsconfig.WithRegion(ds.Region))
	}
	if ds.IsAnonymous() {
		opts = append(opts, awsconfig.WithCredentialsProvider(aws.AnonymousCredentials{}))
	} else {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(ds.AccessKey, ds.SecretKey, "")))
	}

	awsConfig, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3: load config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if ds.Endpoint != "" {
		endpoint := ds.Endpoint
		if !strings.HasPrefix(endpoint, "http") {
			endpoint = "https://" + endpoint
		}
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = &endpoint
			o.UsePathStyle = true
		})
	}

	return &S3Bucket{
		client: s3.NewFromConfig(awsConfig, s3Opts...),
		bucket: ds.Bucket,
	}, nil
}

// Put writes body under key.
func (b *S3Bucket) Put(ctx context.Context, key string, body []byte) error {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(body),
	})
	return wrapOpError(err, "put", key)
}

// Get reads the object at key.
func (b *S3Bucket) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, wrapOpError(err, "get", key)
	}
	defer iox.DiscardClose(out.Body)

	body, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, wrapOpError(err, "get", key)
	}
	return body, nil
}

// Delete removes the object at key.
func (b *S3Bucket) Delete(ctx context.Context, key string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	return wrapOpError(err, "delete", key)
}

// List returns the keys under prefix, sorted by S3's lexicographic order.
func (b *S3Bucket) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, wrapOpError(err, "list", prefix)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

// Verify S3Bucket implements Bucket.
var _ Bucket = (*S3Bucket)(nil)
