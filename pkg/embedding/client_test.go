package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"doc-intel-go/internal/config"
	"doc-intel-go/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAPI 对每个输入返回 [len(text), index, 1]，并按逆序返回 data 以检验排序。
func fakeAPI(t *testing.T, failFirst int32, calls *int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(calls, 1)
		assert.Equal(t, "/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		if n <= failFirst {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		var req embeddingRequest
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) {
			return
		}

		type item struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		}
		data := make([]item, 0, len(req.Input))
		for i := len(req.Input) - 1; i >= 0; i-- {
			data = append(data, item{Index: i, Embedding: []float32{float32(len(req.Input[i])), float32(i), 1}})
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": data})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(url string) config.EmbeddingConfig {
	return config.EmbeddingConfig{
		APIKey:      "test-key",
		BaseURL:     url,
		Model:       "text-embedding-v4",
		Dimensions:  3,
		BatchSize:   2,
		Concurrency: 2,
		MaxAttempts: 2,
	}
}

func TestEmbed(t *testing.T) {
	var calls int32
	srv := fakeAPI(t, 0, &calls)
	c := NewClient(testConfig(srv.URL))

	v, err := c.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{5, 0, 1}, v)
	assert.Equal(t, "text-embedding-v4", c.ModelVersion())
	assert.Equal(t, 3, c.Dimensions())
}

func TestEmbedBatchKeepsOrder(t *testing.T) {
	var calls int32
	srv := fakeAPI(t, 0, &calls)
	c := NewClient(testConfig(srv.URL))

	texts := []string{"a", "bb", "ccc", "dddd", "eeeee"}
	vectors, err := c.EmbedBatch(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, vectors, len(texts))
	for i, text := range texts {
		assert.Equal(t, float32(len(text)), vectors[i][0])
	}
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestEmbedRetriesOnce(t *testing.T) {
	var calls int32
	srv := fakeAPI(t, 1, &calls)
	c := NewClient(testConfig(srv.URL))

	_, err := c.Embed(context.Background(), "retry me")
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestEmbedUnavailableAfterBoundedRetries(t *testing.T) {
	var calls int32
	srv := fakeAPI(t, 100, &calls)
	c := NewClient(testConfig(srv.URL))

	_, err := c.Embed(context.Background(), "never")
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrEmbeddingUnavailable))
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestEmbedRejectsWrongDimension(t *testing.T) {
	var calls int32
	srv := fakeAPI(t, 0, &calls)
	cfg := testConfig(srv.URL)
	cfg.Dimensions = 8
	c := NewClient(cfg)

	_, err := c.Embed(context.Background(), "x")
	assert.True(t, errors.Is(err, model.ErrEmbeddingUnavailable))
}

func TestEmbedHonoursCancellation(t *testing.T) {
	var calls int32
	srv := fakeAPI(t, 0, &calls)
	c := NewClient(testConfig(srv.URL))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Embed(ctx, "x")
	assert.True(t, errors.Is(err, context.Canceled))
	assert.False(t, errors.Is(err, model.ErrEmbeddingUnavailable))
}

func TestEmbedBatchEmpty(t *testing.T) {
	c := NewClient(testConfig("http://127.0.0.1:1"))
	vectors, err := c.EmbedBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, vectors)
}
