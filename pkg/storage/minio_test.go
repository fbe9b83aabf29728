package storage

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	data := []byte("%PDF-1.7 body")
	require.NoError(t, s.PutObject(ctx, "documents/1/a.pdf", data, "application/pdf"))
	data[0] = 'X'

	got, err := s.GetObject(ctx, "documents/1/a.pdf")
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.7 body", string(got))

	require.NoError(t, s.RemoveObject(ctx, "documents/1/a.pdf"))
	require.NoError(t, s.RemoveObject(ctx, "documents/1/a.pdf"))
	_, err = s.GetObject(ctx, "documents/1/a.pdf")
	assert.ErrorIs(t, err, ErrObjectNotFound)
}

// fakeS3 只实现 PUT 与 DELETE 两个对象接口。
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string]string
	types   map[string]string
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch r.Method {
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		f.objects[r.URL.Path] = string(body)
		f.types[r.URL.Path] = r.Header.Get("Content-Type")
		w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
		w.WriteHeader(http.StatusOK)
	case http.MethodDelete:
		delete(f.objects, r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusNotImplemented)
	}
}

func TestMinioStorePutAndRemove(t *testing.T) {
	fake := &fakeS3{objects: map[string]string{}, types: map[string]string{}}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	client, err := minio.New(strings.TrimPrefix(srv.URL, "http://"), &minio.Options{
		Creds:  credentials.NewStaticV4("key", "secret", ""),
		Secure: false,
		Region: "us-east-1",
	})
	require.NoError(t, err)
	s := NewMinioStore(client, "documents")

	ctx := context.Background()
	require.NoError(t, s.PutObject(ctx, "documents/7/abc.pdf", []byte("%PDF-1.4"), "application/pdf"))

	fake.mu.Lock()
	assert.Contains(t, fake.objects["/documents/documents/7/abc.pdf"], "%PDF-1.4")
	assert.Equal(t, "application/pdf", fake.types["/documents/documents/7/abc.pdf"])
	fake.mu.Unlock()

	require.NoError(t, s.RemoveObject(ctx, "documents/7/abc.pdf"))
	fake.mu.Lock()
	assert.Empty(t, fake.objects)
	fake.mu.Unlock()
}
