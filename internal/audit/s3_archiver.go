package audit

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"time"

	"github.com/ILLUVRSE/kernel/internal/canonical"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Archiver uploads canonical audit event JSON to object storage.
type Archiver interface {
	// ArchiveEvent uploads the event envelope and returns the object key.
	ArchiveEvent(ctx context.Context, ev *AuditEvent) (string, error)
}

// S3Archiver writes canonicalized audit envelopes to S3 keys like:
//
//	<prefix>/audit/YYYY/MM/DD/<eventID>.json
type S3Archiver struct {
	bucket   string
	prefix   string
	client   *s3.Client
	uploader *manager.Uploader
}

// NewS3Archiver creates an S3Archiver. Region and credentials come from the
// standard AWS environment (AWS_REGION, AWS_PROFILE, access keys, IAM role).
func NewS3Archiver(ctx context.Context, bucket string, prefix string) (*S3Archiver, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket required")
	}
	cfg, err := awsConfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg)

	return &S3Archiver{
		bucket:   bucket,
		prefix:   prefix,
		client:   client,
		uploader: manager.NewUploader(client),
	}, nil
}

// objectKey derives the dated key for an event. The event timestamp fixes the
// date partition; a zero ts falls back to now.
func (s *S3Archiver) objectKey(ev *AuditEvent) string {
	ts := time.Now().UTC()
	if !ev.Ts.IsZero() {
		ts = ev.Ts
	}
	year, month, day := ts.Date()
	return path.Join(s.prefix, "audit",
		fmt.Sprintf("%04d", year),
		fmt.Sprintf("%02d", int(month)),
		fmt.Sprintf("%02d", day),
		fmt.Sprintf("%s.json", ev.ID),
	)
}

// ArchiveEvent canonicalizes the full event envelope, uploads it with SSE-S3
// encryption, and returns the object key for persistence against the row.
func (s *S3Archiver) ArchiveEvent(ctx context.Context, ev *AuditEvent) (string, error) {
	if ev == nil {
		return "", fmt.Errorf("nil event")
	}

	canonBytes, err := canonical.MarshalCanonical(ev.Envelope())
	if err != nil {
		return "", fmt.Errorf("canonicalize envelope: %w", err)
	}

	key := s.objectKey(ev)
	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(s.bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(canonBytes),
		ContentType:          aws.String("application/json"),
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
	})
	if err != nil {
		return "", fmt.Errorf("s3 upload failed: %w", err)
	}
	return key, nil
}
