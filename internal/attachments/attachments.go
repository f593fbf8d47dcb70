// Package attachments stores image comment payloads in an S3-compatible
// bucket and hands out short-lived read URLs.
package attachments

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"inkwell/api/internal/util"
)

const MaxSize = 10 << 20

var (
	ErrTooLarge        = errors.New("attachment exceeds 10 MiB")
	ErrEmpty           = errors.New("attachment is empty")
	ErrUnsupportedType = errors.New("unsupported attachment type")
	ErrNotConfigured   = errors.New("attachment storage is not configured")
)

var allowedTypes = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

// objectStore is the subset of *minio.Client used here.
type objectStore interface {
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	PresignedGetObject(ctx context.Context, bucket, key string, expiry time.Duration, params url.Values) (*url.URL, error)
	RemoveObject(ctx context.Context, bucket, key string, opts minio.RemoveObjectOptions) error
}

type Object struct {
	Key         string `json:"key"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
	URL         string `json:"url,omitempty"`
}

type Store struct {
	client objectStore
	bucket string
	ttl    time.Duration
}

type Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	URLTTL    time.Duration
}

// New connects to the bucket, creating it when missing.
func New(ctx context.Context, opts Options) (*Store, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	exists, err := client.BucketExists(ctx, opts.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", opts.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, opts.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", opts.Bucket, err)
		}
	}
	return newWithClient(client, opts.Bucket, opts.URLTTL), nil
}

func newWithClient(client objectStore, bucket string, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Store{client: client, bucket: bucket, ttl: ttl}
}

// Put validates and uploads an image for documentID. declaredType may be
// empty; the sniffed type must agree with it when present.
func (s *Store) Put(ctx context.Context, documentID, declaredType string, r io.Reader) (Object, error) {
	if s == nil {
		return Object{}, ErrNotConfigured
	}
	data, contentType, err := readImage(r, declaredType)
	if err != nil {
		return Object{}, err
	}

	key := fmt.Sprintf("%s/%s%s", documentID, util.NewID("att"), allowedTypes[contentType])
	info, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return Object{}, fmt.Errorf("upload attachment: %w", err)
	}

	obj := Object{Key: key, ContentType: contentType, Size: info.Size}
	if obj.Size == 0 {
		obj.Size = int64(len(data))
	}
	if obj.URL, err = s.URL(ctx, key); err != nil {
		return Object{}, err
	}
	return obj, nil
}

// URL returns a presigned GET URL for key.
func (s *Store) URL(ctx context.Context, key string) (string, error) {
	if s == nil {
		return "", ErrNotConfigured
	}
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, s.ttl, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return u.String(), nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if s == nil {
		return ErrNotConfigured
	}
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	return nil
}

// OwnedBy reports whether key was issued for documentID.
func OwnedBy(key, documentID string) bool {
	return strings.HasPrefix(key, documentID+"/") && !strings.Contains(key, "..")
}

func readImage(r io.Reader, declaredType string) ([]byte, string, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxSize+1))
	if err != nil {
		return nil, "", fmt.Errorf("read attachment: %w", err)
	}
	if len(data) == 0 {
		return nil, "", ErrEmpty
	}
	if len(data) > MaxSize {
		return nil, "", ErrTooLarge
	}

	sniffed := http.DetectContentType(data)
	if _, ok := allowedTypes[sniffed]; !ok {
		return nil, "", fmt.Errorf("%w: %s", ErrUnsupportedType, sniffed)
	}
	if declared := normalizeType(declaredType); declared != "" && declared != sniffed {
		return nil, "", fmt.Errorf("%w: declared %s but content is %s", ErrUnsupportedType, declared, sniffed)
	}
	return data, sniffed, nil
}

func normalizeType(ct string) string {
	ct = strings.ToLower(strings.TrimSpace(ct))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	if ct == "image/jpg" {
		return "image/jpeg"
	}
	return ct
}
