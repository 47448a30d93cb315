// Package artifacts offloads oversized task results to S3-compatible
// object storage so the engine's reply channel and event stream only ever
// carry a small reference rather than a multi-megabyte payload.
package artifacts

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Config configures the S3 client backing a Store.
type Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Prefix          string
	UsePathStyle    bool
}

// Store puts and fetches archived task results under a bucket/prefix.
type Store struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewStore builds a Store from Config, the teacher's S3 node way: static
// credentials plus an optional path-style endpoint override for
// S3-compatible backends (MinIO and similar).
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("artifacts: load aws config: %w", err)
	}

	var opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		opts = append(opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = cfg.UsePathStyle
		})
	}

	return &Store{
		client: s3.NewFromConfig(awsCfg, opts...),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

// Ref is the reference a caller keeps in place of an archived value.
type Ref struct {
	Bucket      string `json:"bucket"`
	Key         string `json:"key"`
	Size        int    `json:"size"`
	ContentType string `json:"contentType"`
}

func (s *Store) buildKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return fmt.Sprintf("%s/%s", s.prefix, key)
}

// Put uploads body under key and returns the reference to keep instead of
// the raw bytes. Content type is sniffed from the body when not given.
func (s *Store) Put(ctx context.Context, key string, body []byte, contentType string) (Ref, error) {
	if contentType == "" {
		contentType = http.DetectContentType(body)
	}

	fullKey := s.buildKey(key)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(fullKey),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return Ref{}, fmt.Errorf("artifacts: put %s: %w", fullKey, err)
	}

	return Ref{Bucket: s.bucket, Key: fullKey, Size: len(body), ContentType: contentType}, nil
}

// Get fetches the bytes behind a Ref.
func (s *Store) Get(ctx context.Context, ref Ref) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(ref.Bucket),
		Key:    aws.String(ref.Key),
	})
	if err != nil {
		return nil, fmt.Errorf("artifacts: get %s: %w", ref.Key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("artifacts: read %s: %w", ref.Key, err)
	}
	return data, nil
}

// Delete removes the object behind a Ref.
func (s *Store) Delete(ctx context.Context, ref Ref) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(ref.Bucket),
		Key:    aws.String(ref.Key),
	})
	if err != nil {
		return fmt.Errorf("artifacts: delete %s: %w", ref.Key, err)
	}
	return nil
}

// PresignGetURL returns a time-limited download URL for a Ref, for clients
// that want to fetch the archived payload directly rather than round-trip
// it through the engine process.
func (s *Store) PresignGetURL(ctx context.Context, ref Ref, expiresIn time.Duration) (string, error) {
	presignClient := s3.NewPresignClient(s.client)
	result, err := presignClient.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(ref.Bucket),
		Key:    aws.String(ref.Key),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = expiresIn
	})
	if err != nil {
		return "", fmt.Errorf("artifacts: presign %s: %w", ref.Key, err)
	}
	return result.URL, nil
}
