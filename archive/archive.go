// Package archive uploads written receipts to object storage.
//
// Archival is optional and best-effort: the telemetry façade logs a
// failed upload and keeps going. The receipt on local disk remains the
// source of truth.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// DefaultPrefix is the object key prefix when none is configured.
const DefaultPrefix = "receipts"

// Client is the minimal object-store surface the archiver needs.
// *s3.Client satisfies it; tests inject a stub.
type Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Config configures the receipt archiver.
type Config struct {
	// Bucket is the target bucket (required).
	Bucket string
	// Prefix is the object key prefix (default "receipts").
	Prefix string
	// Region is the AWS region (optional, uses default chain if empty).
	Region string
	// Endpoint is a custom S3 endpoint URL for S3-compatible providers
	// (e.g. MinIO). Empty uses the default AWS endpoint.
	Endpoint string
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.Bucket == "" {
		return errors.New("archive bucket is required")
	}
	return nil
}

// Archiver uploads receipt files keyed by script and run id.
type Archiver struct {
	client Client
	bucket string
	prefix string
}

// New creates an archiver backed by a real S3 client.
// Uses the AWS SDK default credential chain (env vars, shared config,
// IAM role).
func New(ctx context.Context, cfg Config) (*Archiver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}

	awsConfig, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("archive: load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = &endpoint
			// S3-compatible providers generally require path-style keys.
			o.UsePathStyle = true
		})
	}

	return NewWithClient(s3.NewFromConfig(awsConfig, s3Opts...), cfg), nil
}

// NewWithClient creates an archiver over an injected client. Tests use
// this with a stub.
func NewWithClient(client Client, cfg Config) *Archiver {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Archiver{client: client, bucket: cfg.Bucket, prefix: prefix}
}

// Key returns the object key for a run's receipt.
func (a *Archiver) Key(script, runID string) string {
	return path.Join(a.prefix, script, runID+".json")
}

// Upload reads the receipt at receiptPath and puts it under
// prefix/script/runID.json. Returns the object key.
func (a *Archiver) Upload(ctx context.Context, script, runID, receiptPath string) (string, error) {
	raw, err := os.ReadFile(receiptPath)
	if err != nil {
		return "", fmt.Errorf("archive: read receipt %s: %w", receiptPath, err)
	}

	key := a.Key(script, runID)
	contentType := "application/json"
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &a.bucket,
		Key:         &key,
		Body:        bytes.NewReader(raw),
		ContentType: &contentType,
	})
	if err != nil {
		return "", fmt.Errorf("archive: put %s: %w", key, err)
	}
	return key, nil
}
