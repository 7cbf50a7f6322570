// Package r2 stores report artifacts in a Cloudflare R2 bucket over the S3 API.
package r2

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Config describes the bucket and credentials.
type Config struct {
	AccountID string
	// Endpoint overrides the host derived from AccountID, mainly for tests.
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	Prefix          string
	// PublicBaseURL, when set, is used to build returned URIs instead of r2://.
	PublicBaseURL string
	Insecure      bool
}

type objectPutter interface {
	PutObject(
		ctx context.Context,
		bucketName, objectName string,
		reader io.Reader,
		objectSize int64,
		opts minio.PutObjectOptions,
	) (minio.UploadInfo, error)
}

// BlobStore writes objects to R2.
type BlobStore struct {
	client     objectPutter
	bucket     string
	prefix     string
	publicBase string
}

// New builds an R2 client from cfg.
func New(cfg Config) (*BlobStore, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket name is required")
	}
	if cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		return nil, errors.New("r2 access key id and secret are required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		if cfg.AccountID == "" {
			return nil, errors.New("r2 account id or endpoint is required")
		}
		endpoint = cfg.AccountID + ".r2.cloudflarestorage.com"
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: !cfg.Insecure,
		Region: "auto",
	})
	if err != nil {
		return nil, fmt.Errorf("create r2 client: %w", err)
	}
	return newWithClient(client, cfg)
}

func newWithClient(client objectPutter, cfg Config) (*BlobStore, error) {
	publicBase := strings.TrimRight(cfg.PublicBaseURL, "/")
	if publicBase != "" {
		if u, err := url.Parse(publicBase); err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("invalid public base url %q", cfg.PublicBaseURL)
		}
	}
	return &BlobStore{
		client:     client,
		bucket:     cfg.Bucket,
		prefix:     strings.Trim(cfg.Prefix, "/"),
		publicBase: publicBase,
	}, nil
}

// PutObject uploads data and returns its URI.
func (s *BlobStore) PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error) {
	key := strings.TrimLeft(strings.TrimSpace(path), "/")
	if key == "" {
		return "", errors.New("path is required")
	}
	if s.prefix != "" {
		key = s.prefix + "/" + key
	}
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("put r2 object %s: %w", key, err)
	}
	if s.publicBase != "" {
		return s.publicBase + "/" + key, nil
	}
	return fmt.Sprintf("r2://%s/%s", s.bucket, key), nil
}
