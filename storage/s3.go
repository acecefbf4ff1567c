package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"rc_tracker/models"
)

// S3Config holds configuration for S3-compatible storage
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string // Optional: for DO Spaces, R2, MinIO
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
}

// RunArchive is a finished run as written to object storage.
type RunArchive struct {
	State   models.RunState      `json:"state"`
	Entries []models.RunLogEntry `json:"entries"`
}

// S3Archiver writes finished run summaries to an S3-compatible bucket.
type S3Archiver struct {
	client *s3.Client
	bucket string
	prefix string
}

func NewS3Archiver(ctx context.Context, cfg S3Config) (*S3Archiver, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	var client *s3.Client
	if cfg.Endpoint != "" {
		client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	} else {
		client = s3.NewFromConfig(awsCfg)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "runs"
	}
	return &S3Archiver{client: client, bucket: cfg.Bucket, prefix: prefix}, nil
}

// ArchiveKey is runs/YYYY/MM/DD/<run id>.json under the configured prefix.
func ArchiveKey(prefix string, state models.RunState) string {
	day := "unknown"
	if state.StartedAt != nil {
		day = state.StartedAt.UTC().Format("2006/01/02")
	}
	return path.Join(prefix, day, state.RunID+".json")
}

func (a *S3Archiver) Archive(ctx context.Context, state models.RunState, entries []models.RunLogEntry) error {
	body, err := json.MarshalIndent(RunArchive{State: state, Entries: entries}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(ArchiveKey(a.prefix, state)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}
