package artifact

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// DefaultURLExpiry is how long presigned artifact URLs stay valid
const DefaultURLExpiry = 7 * 24 * time.Hour

// MinioConfig holds object storage configuration
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Region    string
	Bucket    string
	URLExpiry time.Duration
}

// MinioStore uploads artifacts to an S3-compatible bucket and returns presigned GET URLs
type MinioStore struct {
	client *minio.Client
	logger *slog.Logger
	bucket string
	region string
	expiry time.Duration

	mu    sync.Mutex
	ready bool
}

// NewMinioStore creates the client. The bucket is created on first upload.
func NewMinioStore(cfg *MinioConfig, logger *slog.Logger) (*MinioStore, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("storage endpoint is required")
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	s := &MinioStore{
		client: client,
		logger: logger,
		bucket: cfg.Bucket,
		region: cfg.Region,
		expiry: cfg.URLExpiry,
	}
	if s.bucket == "" {
		s.bucket = DefaultBucket
	}
	if s.expiry <= 0 {
		s.expiry = DefaultURLExpiry
	}
	return s, nil
}

// EnsureBucket creates the bucket if it does not exist yet
func (s *MinioStore) EnsureBucket(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ready {
		return nil
	}

	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", s.bucket, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", s.bucket, err)
		}
		s.logger.Info("Created artifact bucket", slog.String("bucket", s.bucket))
	}
	s.ready = true
	return nil
}

func (s *MinioStore) Upload(ctx context.Context, key, filePath string) (string, error) {
	if err := s.EnsureBucket(ctx); err != nil {
		return "", err
	}

	if _, err := s.client.FPutObject(ctx, s.bucket, key, filePath, minio.PutObjectOptions{
		ContentType: contentType(filePath),
	}); err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", key, err)
	}

	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, s.expiry, nil)
	if err != nil {
		return "", fmt.Errorf("failed to presign %s: %w", key, err)
	}
	return u.String(), nil
}

// HealthCheck verifies the endpoint answers
func (s *MinioStore) HealthCheck(ctx context.Context) error {
	if _, err := s.client.BucketExists(ctx, s.bucket); err != nil {
		return fmt.Errorf("storage health check failed: %w", err)
	}
	return nil
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
