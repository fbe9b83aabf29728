// Package embedding provides a client for interacting with embedding models.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"doc-intel-go/internal/config"
	"doc-intel-go/internal/model"
	"doc-intel-go/pkg/log"

	"golang.org/x/sync/errgroup"
)

// Client defines the interface for an embedding client.
// The same instance must serve ingestion and queries so that vectors share one model version.
type Client interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	ModelVersion() string
	Dimensions() int
}

type openAICompatibleClient struct {
	cfg     config.EmbeddingConfig
	client  *http.Client
	backoff time.Duration
}

// NewClient creates a new embedding client for an OpenAI-compatible /embeddings endpoint.
func NewClient(cfg config.EmbeddingConfig) Client {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 16
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 2
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &openAICompatibleClient{
		cfg:     cfg,
		client:  &http.Client{Timeout: timeout},
		backoff: time.Duration(cfg.RetryBackoffMs) * time.Millisecond,
	}
}

type embeddingRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (c *openAICompatibleClient) ModelVersion() string { return c.cfg.Version() }

func (c *openAICompatibleClient) Dimensions() int { return c.cfg.Dimensions }

// Embed returns the vector for a single text.
func (c *openAICompatibleClient) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.embedWithRetry(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch embeds texts in batches of cfg.BatchSize with bounded concurrency.
// The result is aligned with texts.
func (c *openAICompatibleClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	log.Infof("[EmbeddingClient] 开始批量向量化, model: %s, texts: %d, batch_size: %d", c.cfg.Model, len(texts), c.cfg.BatchSize)

	results := make([][]float32, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Concurrency)
	for start := 0; start < len(texts); start += c.cfg.BatchSize {
		start := start
		end := start + c.cfg.BatchSize
		if end > len(texts) {
			end = len(texts)
		}
		g.Go(func() error {
			vectors, err := c.embedWithRetry(gctx, texts[start:end])
			if err != nil {
				return err
			}
			copy(results[start:end], vectors)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// embedWithRetry calls the API at most cfg.MaxAttempts times with linear backoff.
func (c *openAICompatibleClient) embedWithRetry(ctx context.Context, inputs []string) ([][]float32, error) {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		vectors, err := c.embedOnce(ctx, inputs)
		if err == nil {
			return vectors, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		lastErr = err
		log.Warnf("[EmbeddingClient] 第 %d/%d 次调用失败: %v", attempt, c.cfg.MaxAttempts, err)
		if attempt == c.cfg.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.backoff * time.Duration(attempt)):
		}
	}
	log.Errorf("[EmbeddingClient] 向量化失败, 已重试 %d 次: %v", c.cfg.MaxAttempts, lastErr)
	return nil, fmt.Errorf("%w: %v", model.ErrEmbeddingUnavailable, lastErr)
}

func (c *openAICompatibleClient) embedOnce(ctx context.Context, inputs []string) ([][]float32, error) {
	reqBytes, err := json.Marshal(embeddingRequest{
		Model:      c.cfg.Model,
		Input:      inputs,
		Dimensions: c.cfg.Dimensions,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/embeddings", bytes.NewReader(reqBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call embedding api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("embedding api returned non-200 status: %s, body: %s", resp.Status, string(body))
	}

	var embeddingResp embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&embeddingResp); err != nil {
		return nil, fmt.Errorf("failed to decode embedding response: %w", err)
	}
	if len(embeddingResp.Data) != len(inputs) {
		return nil, fmt.Errorf("embedding api returned %d vectors for %d inputs", len(embeddingResp.Data), len(inputs))
	}

	sort.Slice(embeddingResp.Data, func(i, j int) bool { return embeddingResp.Data[i].Index < embeddingResp.Data[j].Index })
	vectors := make([][]float32, len(inputs))
	for i, d := range embeddingResp.Data {
		if err := c.checkVector(d.Embedding); err != nil {
			return nil, err
		}
		vectors[i] = d.Embedding
	}
	return vectors, nil
}

var errEmptyVector = errors.New("received empty embedding from api")

func (c *openAICompatibleClient) checkVector(v []float32) error {
	if len(v) == 0 {
		return errEmptyVector
	}
	if c.cfg.Dimensions > 0 && len(v) != c.cfg.Dimensions {
		return fmt.Errorf("embedding dimension %d does not match configured %d", len(v), c.cfg.Dimensions)
	}
	return nil
}
