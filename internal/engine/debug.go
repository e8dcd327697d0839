package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/gzip"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/chainproof/verifier/internal/config"
)

// DebugStore uploads the raw input of failed verifications so operators can
// replay them. All failures here are warned, never propagated.
type DebugStore struct {
	cfg    config.ObjectStoreConfig
	client *minio.Client
}

// NewDebugStore connects to the configured object store. Returns nil when the
// store is not configured.
func NewDebugStore(cfg config.ObjectStoreConfig) (*DebugStore, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("debug store: connect: %w", err)
	}
	return &DebugStore{cfg: cfg, client: client}, nil
}

// Dump uploads the gzipped raw verification input keyed by the job id.
func (s *DebugStore) Dump(ctx context.Context, jobID string, input json.RawMessage) error {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(input); err != nil {
		return err
	}
	if err := gz.Close(); err != nil {
		return err
	}

	key := fmt.Sprintf("failed-verification-inputs/%s.json.gz", jobID)
	_, err := s.client.PutObject(ctx, s.cfg.Bucket, key,
		bytes.NewReader(buf.Bytes()), int64(buf.Len()),
		minio.PutObjectOptions{
			ContentType:     "application/json",
			ContentEncoding: "gzip",
		},
	)
	if err != nil {
		return fmt.Errorf("debug store: put %s: %w", key, err)
	}
	return nil
}
