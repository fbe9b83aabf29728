package service

import (
	"context"
	"testing"

	"doc-intel-go/internal/model"
	"doc-intel-go/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyIntent(t *testing.T) {
	cases := map[string]model.Intent{
		"Summarize this contract":             model.IntentSummary,
		"Can you give me an OVERVIEW?":        model.IntentSummary,
		"What are the main points?":           model.IntentSummary,
		"tl;dr please":                        model.IntentSummary,
		"What is this document about?":        model.IntentSummary,
		"What is the termination clause?":     model.IntentTargeted,
		"Who signed the agreement on page 3?": model.IntentTargeted,
		"How long is the notice period":       model.IntentTargeted,
	}
	for q, want := range cases {
		assert.Equal(t, want, ClassifyIntent(q), q)
	}
}

func seedIndex(t *testing.T, index repository.VectorIndex, userID, docID uint, distances ...float64) {
	t.Helper()
	chunks := make([]model.IndexedChunk, len(distances))
	for i, d := range distances {
		chunks[i] = model.IndexedChunk{
			DocumentID:   docID,
			UserID:       userID,
			Index:        i,
			Page:         i + 1,
			Text:         "chunk",
			Vector:       unitAt(d),
			ModelVersion: testModelVersion,
		}
	}
	require.NoError(t, index.Upsert(context.Background(), chunks))
}

func newRetrieval(index repository.VectorIndex) (RetrievalService, *stubEmbedder) {
	embedder := newStubEmbedder()
	return NewRetrievalService(embedder, index, testRAGConfig()), embedder
}

func TestRetrieveGroundedForRelevantDocument(t *testing.T) {
	index := repository.NewMemoryVectorIndex()
	// 问题向量为 [1, 0]，最近分块距离 0.8
	seedIndex(t, index, 1, 10, 0.8, 1.2, 1.95)
	r, _ := newRetrieval(index)

	result, err := r.Retrieve(context.Background(), 1, 10, "What is the termination clause?")
	require.NoError(t, err)
	assert.Equal(t, model.ModeGrounded, result.Mode)
	assert.Equal(t, model.IntentTargeted, result.Intent)
	require.NotNil(t, result.BestDistance)
	assert.InDelta(t, 0.8, *result.BestDistance, 1e-5)
	assert.Len(t, result.Matches, 3)
	assert.Equal(t, 2, result.ChunksUsed(), "chunks beyond threshold+margin are not used as context")
}

func TestRetrieveFallbackForUnrelatedDocument(t *testing.T) {
	index := repository.NewMemoryVectorIndex()
	seedIndex(t, index, 1, 20, 1.9, 1.95)
	r, _ := newRetrieval(index)

	result, err := r.Retrieve(context.Background(), 1, 20, "What is the termination clause?")
	require.NoError(t, err)
	assert.Equal(t, model.ModeFallback, result.Mode)
	require.NotNil(t, result.BestDistance)
	assert.InDelta(t, 1.9, *result.BestDistance, 1e-5)
	assert.Zero(t, result.ChunksUsed())
}

func TestRetrieveFallbackWithoutChunks(t *testing.T) {
	r, _ := newRetrieval(repository.NewMemoryVectorIndex())

	result, err := r.Retrieve(context.Background(), 1, 30, "anything")
	require.NoError(t, err)
	assert.Equal(t, model.ModeFallback, result.Mode)
	assert.Nil(t, result.BestDistance)
	assert.Zero(t, result.ChunksUsed())
}

func TestRetrieveThresholdMonotonicity(t *testing.T) {
	index := repository.NewMemoryVectorIndex()
	seedIndex(t, index, 1, 10, 0)
	r, embedder := newRetrieval(index)
	embedder.set("close", unitAt(1.5))
	embedder.set("far", unitAt(1.7))

	near, err := r.Retrieve(context.Background(), 1, 10, "close")
	require.NoError(t, err)
	far, err := r.Retrieve(context.Background(), 1, 10, "far")
	require.NoError(t, err)

	require.Less(t, *near.BestDistance, 1.63)
	require.Greater(t, *far.BestDistance, 1.63)
	assert.Equal(t, model.ModeGrounded, near.Mode)
	assert.Equal(t, model.ModeFallback, far.Mode)
}

func TestRetrieveSummaryUsesBroaderContext(t *testing.T) {
	index := repository.NewMemoryVectorIndex()
	distances := make([]float64, 20)
	for i := range distances {
		distances[i] = 0.1 * float64(i)
	}
	seedIndex(t, index, 1, 10, distances...)
	r, _ := newRetrieval(index)

	summary, err := r.Retrieve(context.Background(), 1, 10, "Please summarize the document")
	require.NoError(t, err)
	assert.Equal(t, model.IntentSummary, summary.Intent)
	assert.Equal(t, 15, summary.ChunksUsed(), "summary keeps every hit")

	targeted, err := r.Retrieve(context.Background(), 1, 10, "What does section 2 say?")
	require.NoError(t, err)
	assert.Equal(t, 5, targeted.ChunksUsed())
}

func TestRetrieveIsolatesUsers(t *testing.T) {
	index := repository.NewMemoryVectorIndex()
	seedIndex(t, index, 1, 10, 0.1)
	r, _ := newRetrieval(index)

	result, err := r.Retrieve(context.Background(), 2, 10, "What is the termination clause?")
	require.NoError(t, err)
	assert.Equal(t, model.ModeFallback, result.Mode)
	assert.Empty(t, result.Matches)
}

func TestRetrieveErrors(t *testing.T) {
	index := &flakyIndex{VectorIndex: repository.NewMemoryVectorIndex(), queryErr: errBoom}
	r, embedder := newRetrieval(index)

	_, err := r.Retrieve(context.Background(), 1, 10, "q")
	assert.ErrorIs(t, err, model.ErrStorageFailure)

	embedder.err = model.ErrEmbeddingUnavailable
	_, err = r.Retrieve(context.Background(), 1, 10, "q")
	assert.ErrorIs(t, err, model.ErrEmbeddingUnavailable)
}
