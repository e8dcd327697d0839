package sink

import (
	"bytes"
	"context"
	"fmt"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/chainproof/verifier/internal/config"
	"github.com/chainproof/verifier/internal/models"
	"github.com/chainproof/verifier/internal/verification"
)

// S3Sink mirrors the filesystem repository layout into an S3-compatible
// bucket.
type S3Sink struct {
	cfg    config.ObjectStoreConfig
	client *minio.Client
}

// NewS3Sink creates the S3 repository sink.
func NewS3Sink(cfg config.ObjectStoreConfig) *S3Sink {
	return &S3Sink{cfg: cfg}
}

// Identifier implements WriteSink.
func (s *S3Sink) Identifier() Identifier {
	return S3Repository
}

// Init connects to the object store and verifies the bucket exists.
func (s *S3Sink) Init(ctx context.Context) error {
	client, err := minio.New(s.cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(s.cfg.AccessKey, s.cfg.SecretKey, ""),
		Secure: s.cfg.UseSSL,
		Region: s.cfg.Region,
	})
	if err != nil {
		return fmt.Errorf("s3: connect: %w", err)
	}

	exists, err := client.BucketExists(ctx, s.cfg.Bucket)
	if err != nil {
		return fmt.Errorf("s3: check bucket: %w", err)
	}
	if !exists {
		return fmt.Errorf("s3: bucket %q does not exist", s.cfg.Bucket)
	}
	s.client = client
	return nil
}

// StoreVerification implements WriteSink.
func (s *S3Sink) StoreVerification(ctx context.Context, result *verification.Result, jobCtx *JobContext) error {
	if s.client == nil {
		return fmt.Errorf("s3: sink not initialized")
	}
	if !result.Matched() {
		return fmt.Errorf("s3: refusing to store an unmatched verification")
	}

	matchDir := "partial_match"
	if overall(result) == models.MatchPerfect {
		matchDir = "full_match"
	}
	prefix := path.Join("contracts", matchDir, fmt.Sprintf("%d", result.ChainID), result.Address.Hex())

	files, err := buildRepositoryFiles(result)
	if err != nil {
		return fmt.Errorf("s3: %w", err)
	}
	for name, content := range files {
		key := path.Join(prefix, name)
		if _, err := s.client.PutObject(ctx, s.cfg.Bucket, key,
			bytes.NewReader(content), int64(len(content)),
			minio.PutObjectOptions{ContentType: contentType(name)},
		); err != nil {
			return fmt.Errorf("s3: put %s: %w", key, err)
		}
	}
	return nil
}

func contentType(name string) string {
	if path.Ext(name) == ".json" {
		return "application/json"
	}
	return "text/plain"
}

var _ WriteSink = (*S3Sink)(nil)
