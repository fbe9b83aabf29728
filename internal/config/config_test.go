package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  port: "9000"
database:
  driver: sqlite
embedding:
  model: text-embedding-v4
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.Server.Port)
	assert.Equal(t, 1000, cfg.RAG.ChunkSize)
	assert.Equal(t, 200, cfg.RAG.ChunkOverlap)
	assert.Equal(t, 400, cfg.RAG.MinChunkSize)
	assert.InDelta(t, 1.63, cfg.RAG.DistanceThreshold, 1e-9)
	assert.Equal(t, 5, cfg.RAG.DefaultTopK)
	assert.Equal(t, 15, cfg.RAG.SummaryTopK)
	assert.Equal(t, int64(10<<20), cfg.Upload.MaxBytes())
	assert.Equal(t, "text-embedding-v4", cfg.Embedding.Version())
	assert.Equal(t, "elasticsearch", cfg.VectorIndex.Backend)
	assert.NotEmpty(t, cfg.LLM.Prompt.ApologyText)
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeConfig(t, `
database:
  driver: sqlite
rag:
  distance_threshold: 1.63
`)
	t.Setenv("DOCINTEL_RAG_DISTANCE_THRESHOLD", "1.2")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.InDelta(t, 1.2, cfg.RAG.DistanceThreshold, 1e-9)
}

func TestLoadRejectsInvalidRAGSettings(t *testing.T) {
	cases := map[string]string{
		"overlap not below size": `
database: {driver: sqlite}
rag: {chunk_size: 500, chunk_overlap: 500}
`,
		"threshold out of range": `
database: {driver: sqlite}
rag: {distance_threshold: 2.5}
`,
		"unknown driver": `
database: {driver: oracle}
`,
		"unknown vector backend": `
database: {driver: sqlite}
vector_index: {backend: faiss}
`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestModelVersionOverridesModel(t *testing.T) {
	cfg := EmbeddingConfig{Model: "m", ModelVersion: "m@2024-06"}
	assert.Equal(t, "m@2024-06", cfg.Version())
}

func TestInitPanicsOnMissingFile(t *testing.T) {
	assert.Panics(t, func() { Init(filepath.Join(t.TempDir(), "missing.yaml")) })
}
