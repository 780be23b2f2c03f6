package audit

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/fleetgov/gatekeeper/internal/canonical"
)

// Archiver uploads canonical decision JSON to object storage.
type Archiver interface {
	ArchiveDecision(ctx context.Context, d *Decision) error
}

// S3Archiver writes canonicalized decisions to S3 paths like:
//
//	s3://<bucket>/<prefix>/decisions/YYYY/MM/DD/<id>.json
type S3Archiver struct {
	bucket   string
	prefix   string
	client   *s3.Client
	uploader *manager.Uploader
}

// NewS3Archiver creates an S3Archiver. Region/credentials come from the
// standard AWS environment (AWS_REGION, AWS_PROFILE, key pair, etc.).
func NewS3Archiver(ctx context.Context, bucket, prefix string) (*S3Archiver, error) {
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

func (s *S3Archiver) objectKey(d *Decision) string {
	ts := time.Now().UTC()
	if !d.Ts.IsZero() {
		ts = d.Ts
	}
	year, month, day := ts.Date()
	return path.Join(s.prefix, "decisions",
		fmt.Sprintf("%04d", year),
		fmt.Sprintf("%02d", int(month)),
		fmt.Sprintf("%02d", day),
		fmt.Sprintf("%s.json", d.ID),
	)
}

// ArchiveDecision canonicalizes the full decision envelope and uploads it.
func (s *S3Archiver) ArchiveDecision(ctx context.Context, d *Decision) error {
	if d == nil {
		return fmt.Errorf("nil decision")
	}
	canonBytes, err := canonical.Marshal(Envelope(d))
	if err != nil {
		return fmt.Errorf("canonicalize decision: %w", err)
	}
	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(s.bucket),
		Key:                  aws.String(s.objectKey(d)),
		Body:                 bytes.NewReader(canonBytes),
		ContentType:          aws.String("application/json"),
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
	})
	if err != nil {
		return fmt.Errorf("s3 upload failed: %w", err)
	}
	return nil
}

// ArchiveDecisionAndReturnKey uploads and returns the object key so callers
// can persist the S3 pointer next to the decision row.
func (s *S3Archiver) ArchiveDecisionAndReturnKey(ctx context.Context, d *Decision) (string, error) {
	if d == nil {
		return "", fmt.Errorf("nil decision")
	}
	if err := s.ArchiveDecision(ctx, d); err != nil {
		return "", err
	}
	return s.objectKey(d), nil
}

// Envelope is the canonical wire/archive representation of a decision.
func Envelope(d *Decision) map[string]interface{} {
	return map[string]interface{}{
		"id":            d.ID,
		"kind":          d.Kind,
		"actorId":       d.ActorID,
		"correlationId": d.CorrelationID,
		"allowed":       d.Allowed,
		"reason":        d.Reason,
		"detail":        d.Detail,
		"prevHash":      d.PrevHash,
		"hash":          d.Hash,
		"ts":            d.Ts.Format(time.RFC3339Nano),
	}
}
