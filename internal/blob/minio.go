package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"squash/internal/config"
)

// Minio stores artifacts as objects in a single bucket. Uploads and
// compressed outputs are separated by key prefix.
type Minio struct {
	client           *minio.Client
	bucket           string
	uploadsPrefix    string
	compressedPrefix string
}

// NewMinio connects to the configured endpoint and makes sure the bucket
// exists.
func NewMinio(ctx context.Context, cfg config.StorageConfig) (*Minio, error) {
	client, err := minio.New(cfg.Minio.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.Minio.AccessKey, cfg.Minio.SecretKey, ""),
		Secure: cfg.Minio.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Minio.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Minio.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}

	return &Minio{
		client:           client,
		bucket:           cfg.Minio.Bucket,
		uploadsPrefix:    keyPrefix(cfg.UploadsDir, "uploads"),
		compressedPrefix: keyPrefix(cfg.CompressedDir, "compressed"),
	}, nil
}

func keyPrefix(dir, fallback string) string {
	p := strings.Trim(path.Clean("/"+strings.ReplaceAll(dir, `\`, "/")), "/")
	if p == "" {
		return fallback
	}
	return p
}

func (m *Minio) UploadPath(fileRef string) (string, error) {
	if err := checkRef(fileRef); err != nil {
		return "", err
	}
	return path.Join(m.uploadsPrefix, fileRef), nil
}

func (m *Minio) InputPath(ctx context.Context, fileRef string) (string, error) {
	key, err := m.UploadPath(fileRef)
	if err != nil {
		return "", err
	}
	if _, err := m.client.StatObject(ctx, m.bucket, key, minio.StatObjectOptions{}); err != nil {
		if isNoSuchKey(err) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("stat object: %w", err)
	}
	return key, nil
}

// OutputPath has nothing to prepare: the bucket was ensured at startup.
func (m *Minio) OutputPath(_ context.Context, outputRef string) (string, error) {
	if err := checkRef(outputRef); err != nil {
		return "", err
	}
	return path.Join(m.compressedPrefix, outputRef), nil
}

func (m *Minio) Read(ctx context.Context, location string) ([]byte, error) {
	obj, err := m.client.GetObject(ctx, m.bucket, location, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object: %w", err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if isNoSuchKey(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read object: %w", err)
	}
	return data, nil
}

func (m *Minio) Write(ctx context.Context, location string, data []byte) error {
	_, err := m.client.PutObject(
		ctx,
		m.bucket,
		location,
		bytes.NewReader(data),
		int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"},
	)
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}

func isNoSuchKey(err error) bool {
	return minio.ToErrorResponse(err).Code == "NoSuchKey"
}
