// Package media stores project images in S3-compatible object storage.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MaxImageSize caps uploads at 5MB.
const MaxImageSize = 5 << 20

var (
	ErrNotImage = errors.New("only image files are accepted")
	ErrTooLarge = errors.New("image exceeds the 5MB limit")
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	PublicURL string
}

type Service struct {
	client    *minio.Client
	bucket    string
	publicURL string
}

func NewService(ctx context.Context, cfg Config) (*Service, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create object storage client: %w", err)
	}

	s := &Service{
		client:    client,
		bucket:    cfg.Bucket,
		publicURL: strings.TrimRight(cfg.PublicURL, "/"),
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
		log.Printf("media: created bucket %s", cfg.Bucket)
	}

	return s, nil
}

// UploadProjectImage stores an image under the project's prefix and
// returns a URL clients can load it from.
func (s *Service) UploadProjectImage(ctx context.Context, projectID, filename, contentType string, size int64, r io.Reader) (string, error) {
	if !strings.HasPrefix(contentType, "image/") {
		return "", ErrNotImage
	}
	if size > MaxImageSize {
		return "", ErrTooLarge
	}

	objectName := fmt.Sprintf("%s/%d_%s", projectID, time.Now().UnixMilli(), sanitizeFilename(filename))

	if _, err := s.client.PutObject(ctx, s.bucket, objectName, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	}); err != nil {
		return "", fmt.Errorf("store image: %w", err)
	}

	return s.objectURL(ctx, objectName)
}

func (s *Service) objectURL(ctx context.Context, objectName string) (string, error) {
	if s.publicURL != "" {
		escaped := (&url.URL{Path: "/" + s.bucket + "/" + objectName}).EscapedPath()
		return s.publicURL + escaped, nil
	}

	// No public base configured: hand out a long-lived presigned link.
	presigned, err := s.client.PresignedGetObject(ctx, s.bucket, objectName, 7*24*time.Hour, nil)
	if err != nil {
		return "", fmt.Errorf("presign image url: %w", err)
	}
	return presigned.String(), nil
}

func sanitizeFilename(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "image"
	}
	// Strip any path components a browser might sneak in.
	if idx := strings.LastIndexAny(name, "/\\"); idx >= 0 {
		name = name[idx+1:]
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
