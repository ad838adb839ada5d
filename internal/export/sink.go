// Package export publishes rendered database exports to a local directory or
// an S3-compatible bucket.
package export

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"

	"github.com/pooltrace-server/internal/domain"
)

const markdownContentType = "text/markdown; charset=utf-8"

// Sink stores a named export and returns where it landed.
type Sink interface {
	Put(ctx context.Context, name string, body io.Reader) (string, error)
}

// FileSink writes exports into a directory, creating it on demand.
type FileSink struct {
	Dir string
}

// Put writes body to Dir/name atomically via a temp file and rename.
func (f FileSink) Put(ctx context.Context, name string, body io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := checkName(name); err != nil {
		return "", err
	}
	if err := os.MkdirAll(f.Dir, 0o755); err != nil {
		return "", fmt.Errorf("creating export dir: %w", err)
	}

	tmp, err := os.CreateTemp(f.Dir, ".export-*")
	if err != nil {
		return "", fmt.Errorf("creating temp export: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		return "", fmt.Errorf("writing export: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("closing export: %w", err)
	}

	dest := filepath.Join(f.Dir, name)
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return "", fmt.Errorf("publishing export: %w", err)
	}
	return dest, nil
}

// S3Sink uploads exports to a bucket under a key prefix.
type S3Sink struct {
	client *s3.Client
	bucket string
	prefix string
	logger *logrus.Logger
}

// NewS3Sink builds a sink from export configuration. Credentials come from the
// default AWS chain.
func NewS3Sink(ctx context.Context, cfg domain.ExportConfig, logger *logrus.Logger) (*S3Sink, error) {
	if cfg.S3Bucket == "" {
		return nil, domain.NewValidationError("export.s3_bucket", "is required for S3 export", cfg.S3Bucket)
	}
	region := cfg.S3Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.S3PathStyle
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
	})
	return NewS3SinkFromClient(client, cfg.S3Bucket, cfg.S3Prefix, logger), nil
}

// NewS3SinkFromClient wraps an existing client.
func NewS3SinkFromClient(client *s3.Client, bucket, prefix string, logger *logrus.Logger) *S3Sink {
	return &S3Sink{client: client, bucket: bucket, prefix: prefix, logger: logger}
}

// Put uploads body as prefix+name and returns its s3:// location. The body is
// buffered so the request can be signed and retried.
func (s *S3Sink) Put(ctx context.Context, name string, body io.Reader) (string, error) {
	if err := checkName(name); err != nil {
		return "", err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return "", fmt.Errorf("reading export: %w", err)
	}

	key := path.Join(s.prefix, name)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(markdownContentType),
	})
	if err != nil {
		return "", fmt.Errorf("uploading export to s3://%s/%s: %w", s.bucket, key, err)
	}

	location := fmt.Sprintf("s3://%s/%s", s.bucket, key)
	s.logger.WithFields(logrus.Fields{
		"location": location,
		"bytes":    len(data),
	}).Info("Export uploaded")
	return location, nil
}

func checkName(name string) error {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return domain.NewValidationError("name", "must be a plain file name", name)
	}
	return nil
}
