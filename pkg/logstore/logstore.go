// Package logstore archives a crashed worker's captured stdio somewhere
// durable so an operator can pull it up after the fact — the only thing the
// crash path in component D does with the buffer drained off the IPC
// channel. Adapted from the teacher's storage.S3LogStore/LocalLogStore pair.
package logstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

// Store archives one job's crash stdio and returns a reference the operator
// can use to pull it back up later.
type Store interface {
	Archive(ctx context.Context, jobID uuid.UUID, stdio []byte) (reference string, err error)
}

// S3Store archives crash stdio to an S3-compatible bucket, with an optional
// local cache for fast re-reads.
type S3Store struct {
	client     *s3.Client
	bucket     string
	prefix     string
	localCache string
}

// S3Config mirrors the teacher's S3LogStoreConfig.
type S3Config struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string // for MinIO / local S3-compatible stand-ins
	AccessKeyID     string
	SecretAccessKey string
	LocalCacheDir   string
}

func NewS3Store(cfg S3Config) (*S3Store, error) {
	optFns := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		optFns = append(optFns, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(context.Background(), optFns...)
	if err != nil {
		return nil, fmt.Errorf("logstore: load AWS config: %w", err)
	}

	var clientOpts []func(*s3.Options)
	if cfg.Endpoint != "" {
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}
	client := s3.NewFromConfig(awsCfg, clientOpts...)

	if cfg.LocalCacheDir != "" {
		if err := os.MkdirAll(cfg.LocalCacheDir, 0755); err != nil {
			return nil, fmt.Errorf("logstore: create cache directory: %w", err)
		}
	}

	return &S3Store{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix, localCache: cfg.LocalCacheDir}, nil
}

// Archive uploads stdio to S3 under a date-partitioned key and mirrors it
// into the local cache for fast access.
func (s *S3Store) Archive(ctx context.Context, jobID uuid.UUID, stdio []byte) (string, error) {
	key := s.buildKey(jobID)

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(stdio),
		ContentType: aws.String("text/plain"),
	})
	if err != nil {
		return "", fmt.Errorf("logstore: upload crash stdio: %w", err)
	}

	if s.localCache != "" {
		cachePath := filepath.Join(s.localCache, jobID.String()+".log")
		_ = os.WriteFile(cachePath, stdio, 0644)
	}

	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

// Retrieve fetches archived stdio back, checking the local cache first.
func (s *S3Store) Retrieve(ctx context.Context, reference string) ([]byte, error) {
	key := extractKey(reference)

	if s.localCache != "" {
		cachePath := filepath.Join(s.localCache, filepath.Base(key))
		if data, err := os.ReadFile(cachePath); err == nil {
			return data, nil
		}
	}

	output, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("logstore: fetch crash stdio: %w", err)
	}
	defer output.Body.Close()

	data, err := io.ReadAll(output.Body)
	if err != nil {
		return nil, fmt.Errorf("logstore: read crash stdio: %w", err)
	}

	if s.localCache != "" {
		cachePath := filepath.Join(s.localCache, filepath.Base(key))
		_ = os.WriteFile(cachePath, data, 0644)
	}
	return data, nil
}

func (s *S3Store) buildKey(jobID uuid.UUID) string {
	timestamp := time.Now().Format("2006/01/02")
	return fmt.Sprintf("%s%s/%s.log", s.prefix, timestamp, jobID.String())
}

func extractKey(reference string) string {
	const s3Prefix = "s3://"
	if len(reference) > len(s3Prefix) && reference[:len(s3Prefix)] == s3Prefix {
		rest := reference[len(s3Prefix):]
		for i, c := range rest {
			if c == '/' {
				return rest[i+1:]
			}
		}
	}
	return reference
}

// LocalStore archives crash stdio to the local filesystem — the fallback
// for single-node deployments with no S3-compatible endpoint configured.
type LocalStore struct {
	basePath string
}

func NewLocalStore(basePath string) (*LocalStore, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("logstore: create log directory: %w", err)
	}
	return &LocalStore{basePath: basePath}, nil
}

func (l *LocalStore) Archive(ctx context.Context, jobID uuid.UUID, stdio []byte) (string, error) {
	path := filepath.Join(l.basePath, jobID.String()+".log")
	if err := os.WriteFile(path, stdio, 0644); err != nil {
		return "", fmt.Errorf("logstore: write crash stdio: %w", err)
	}
	return path, nil
}

func (l *LocalStore) Retrieve(ctx context.Context, reference string) ([]byte, error) {
	return os.ReadFile(reference)
}
