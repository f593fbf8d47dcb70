package attachments

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pngHeader = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0x0d, 'I', 'H', 'D', 'R'}

type fakeObjects struct {
	puts    map[string][]byte
	types   map[string]string
	removed []string
	expiry  time.Duration
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{puts: map[string][]byte{}, types: map[string]string{}}
}

func (f *fakeObjects) PutObject(_ context.Context, bucket, key string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	f.puts[key] = data
	f.types[key] = opts.ContentType
	return minio.UploadInfo{Bucket: bucket, Key: key, Size: size}, nil
}

func (f *fakeObjects) PresignedGetObject(_ context.Context, bucket, key string, expiry time.Duration, _ url.Values) (*url.URL, error) {
	f.expiry = expiry
	return &url.URL{Scheme: "https", Host: "objects.test", Path: "/" + bucket + "/" + key, RawQuery: "X-Amz-Signature=sig"}, nil
}

func (f *fakeObjects) RemoveObject(_ context.Context, _, key string, _ minio.RemoveObjectOptions) error {
	f.removed = append(f.removed, key)
	return nil
}

func TestPutStoresImageUnderDocumentPrefix(t *testing.T) {
	objects := newFakeObjects()
	s := newWithClient(objects, "comments", 0)

	obj, err := s.Put(context.Background(), "doc-1", "image/png", bytes.NewReader(pngHeader))
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(obj.Key, "doc-1/att_"), obj.Key)
	assert.True(t, strings.HasSuffix(obj.Key, ".png"), obj.Key)
	assert.Equal(t, "image/png", obj.ContentType)
	assert.EqualValues(t, len(pngHeader), obj.Size)
	assert.Contains(t, obj.URL, "/comments/"+obj.Key)
	assert.Equal(t, 15*time.Minute, objects.expiry)
	assert.Equal(t, "image/png", objects.types[obj.Key])
	assert.True(t, OwnedBy(obj.Key, "doc-1"))
	assert.False(t, OwnedBy(obj.Key, "doc-2"))
}

func TestPutRejectsBadPayloads(t *testing.T) {
	s := newWithClient(newFakeObjects(), "comments", time.Minute)
	ctx := context.Background()

	cases := []struct {
		name     string
		declared string
		body     []byte
		want     error
	}{
		{name: "empty", body: nil, want: ErrEmpty},
		{name: "text", body: []byte("just some words"), want: ErrUnsupportedType},
		{name: "mismatch", declared: "image/gif", body: pngHeader, want: ErrUnsupportedType},
		{name: "too large", body: append(append([]byte{}, pngHeader...), make([]byte, MaxSize)...), want: ErrTooLarge},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.Put(ctx, "doc-1", tc.declared, bytes.NewReader(tc.body))
			assert.True(t, errors.Is(err, tc.want), "got %v", err)
		})
	}
}

func TestDeclaredTypeIsNormalised(t *testing.T) {
	_, ct, err := readImage(bytes.NewReader(pngHeader), " Image/PNG; charset=binary")
	require.NoError(t, err)
	assert.Equal(t, "image/png", ct)
	assert.Equal(t, "image/jpeg", normalizeType("image/jpg"))
}

func TestNilStoreIsNotConfigured(t *testing.T) {
	var s *Store
	_, err := s.Put(context.Background(), "doc-1", "", bytes.NewReader(pngHeader))
	assert.ErrorIs(t, err, ErrNotConfigured)
	_, err = s.URL(context.Background(), "doc-1/x.png")
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestDeleteRemovesObject(t *testing.T) {
	objects := newFakeObjects()
	s := newWithClient(objects, "comments", time.Minute)
	require.NoError(t, s.Delete(context.Background(), "doc-1/att_1.png"))
	assert.Equal(t, []string{"doc-1/att_1.png"}, objects.removed)
}
