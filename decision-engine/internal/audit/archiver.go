// Package audit archives terminal operations to object storage as canonical JSON.
package audit

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/ILLUVRSE/adops/decision-engine/internal/canonical"
	"github.com/ILLUVRSE/adops/decision-engine/internal/models"
	"github.com/ILLUVRSE/adops/decision-engine/internal/signing"
)

// Archiver stores an operation record and returns where it went.
type Archiver interface {
	ArchiveOperation(ctx context.Context, op models.Operation) (string, error)
}

// Uploader is the part of manager.Uploader the archiver uses.
type Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

type S3Config struct {
	Bucket string
	Prefix string
	Region string
	// Endpoint overrides the S3 endpoint, e.g. for MinIO. Path-style addressing is used when set.
	Endpoint string
}

// S3Archiver writes objects to
//
//	s3://<bucket>/<prefix>/operations/YYYY/MM/DD/<entityID>/<operationID>.json
type S3Archiver struct {
	bucket   string
	prefix   string
	uploader Uploader
	signer   signing.Signer
}

func NewS3Archiver(ctx context.Context, cfg S3Config) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket required")
	}
	var loadOpts []func(*awsConfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsConfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsConfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3ArchiverWithUploader(cfg.Bucket, cfg.Prefix, manager.NewUploader(client)), nil
}

func NewS3ArchiverWithUploader(bucket, prefix string, uploader Uploader) *S3Archiver {
	return &S3Archiver{bucket: bucket, prefix: prefix, uploader: uploader}
}

// WithSigner makes every archived record carry an Ed25519 signature over the canonical
// encoding of the record without its signature fields.
func (s *S3Archiver) WithSigner(signer signing.Signer) *S3Archiver {
	s.signer = signer
	return s
}

// ObjectKey is the key an operation is archived under.
func (s *S3Archiver) ObjectKey(op models.Operation) string {
	ts := op.UpdatedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	year, month, day := ts.UTC().Date()
	return path.Join(s.prefix, "operations",
		fmt.Sprintf("%04d", year),
		fmt.Sprintf("%02d", int(month)),
		fmt.Sprintf("%02d", day),
		op.EntityID,
		fmt.Sprintf("%s.json", op.ID),
	)
}

func (s *S3Archiver) ArchiveOperation(ctx context.Context, op models.Operation) (string, error) {
	doc := envelope(op)
	body, err := canonical.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("canonicalize operation: %w", err)
	}
	if s.signer != nil {
		sig, err := s.signer.Sign(ctx, body)
		if err != nil {
			return "", fmt.Errorf("sign operation: %w", err)
		}
		doc["signature"] = base64.StdEncoding.EncodeToString(sig)
		doc["signerId"] = s.signer.SignerID()
		if body, err = canonical.Marshal(doc); err != nil {
			return "", fmt.Errorf("canonicalize signed operation: %w", err)
		}
	}
	key := s.ObjectKey(op)
	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(s.bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(body),
		ContentType:          aws.String("application/json"),
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
	})
	if err != nil {
		return "", fmt.Errorf("s3 upload failed: %w", err)
	}
	return key, nil
}

func envelope(op models.Operation) map[string]interface{} {
	return map[string]interface{}{
		"operation":   op,
		"beforeValue": op.BeforeValue(),
		"afterValue":  op.AfterValue(),
		"archivedAt":  time.Now().UTC().Format(time.RFC3339Nano),
	}
}
