package pipeline

import (
	"strings"
	"testing"

	"doc-intel-go/internal/config"
	"doc-intel-go/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// letters 生成不含空白的确定性文本。
func letters(n int, seed int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		b.WriteByte(byte('a' + (i+seed)%26))
	}
	return b.String()
}

func defaultChunker() *Chunker {
	return NewChunker(config.RAGConfig{ChunkSize: 1000, ChunkOverlap: 200, MinChunkSize: 400})
}

func TestChunkThreePageDocument(t *testing.T) {
	// 1498 + 2 + 1500 + 2 + 1498 = 4500 个字符
	pages := []model.Page{
		{Number: 1, Text: letters(1498, 0)},
		{Number: 2, Text: letters(1500, 7)},
		{Number: 3, Text: letters(1498, 13)},
	}

	spans := defaultChunker().Chunk(pages)

	require.Len(t, spans, 5)
	for i := 0; i < 4; i++ {
		assert.Len(t, []rune(spans[i].Text), 1000, "chunk %d", i)
	}
	// 末尾不足下限的 300 个字符并入最后一个分块
	assert.Len(t, []rune(spans[4].Text), 1300)
	assert.Equal(t, []int{1, 1, 2, 2, 3}, []int{spans[0].Page, spans[1].Page, spans[2].Page, spans[3].Page, spans[4].Page})
	for i, s := range spans {
		assert.Equal(t, i, s.Index)
	}
}

func TestChunkOverlapBetweenNeighbours(t *testing.T) {
	text := letters(2500, 3)
	spans := defaultChunker().Chunk([]model.Page{{Number: 1, Text: text}})
	require.GreaterOrEqual(t, len(spans), 2)

	first := []rune(spans[0].Text)
	second := []rune(spans[1].Text)
	assert.Equal(t, string(first[800:]), string(second[:200]))
}

func TestChunkIsDeterministic(t *testing.T) {
	pages := []model.Page{
		{Number: 1, Text: "Payment is due within thirty days. " + letters(1700, 1)},
		{Number: 2, Text: ""},
		{Number: 3, Text: "Either party may terminate with notice. " + letters(900, 5)},
	}
	c := defaultChunker()
	assert.Equal(t, c.Chunk(pages), c.Chunk(pages))
}

func TestChunkShortDocumentIsSingleChunk(t *testing.T) {
	spans := defaultChunker().Chunk([]model.Page{{Number: 1, Text: "  short contract text  "}})
	require.Len(t, spans, 1)
	assert.Equal(t, "short contract text", spans[0].Text)
	assert.Equal(t, 1, spans[0].Page)
}

func TestChunkWhitespaceOnlyDocument(t *testing.T) {
	spans := defaultChunker().Chunk([]model.Page{{Number: 1, Text: " \n\t "}, {Number: 2, Text: ""}})
	assert.Empty(t, spans)
}

func TestChunkSkipsEmptyLeadingPages(t *testing.T) {
	spans := defaultChunker().Chunk([]model.Page{
		{Number: 1, Text: ""},
		{Number: 2, Text: ""},
		{Number: 3, Text: "Scanned pages before this one had no text."},
	})
	require.Len(t, spans, 1)
	assert.Equal(t, 3, spans[0].Page)
}

func TestChunkExtendsShortMiddleWindow(t *testing.T) {
	c := NewChunker(config.RAGConfig{ChunkSize: 10, ChunkOverlap: 0, MinChunkSize: 4})
	text := "aaaaaaaaaa" + strings.Repeat(" ", 8) + "bbbbbbbbbbbb"

	spans := c.Chunk([]model.Page{{Number: 1, Text: text}})

	var got []string
	for _, s := range spans {
		got = append(got, s.Text)
	}
	assert.Equal(t, []string{"aaaaaaaaaa", "bbbb", "bbbbbbbbbb"}, got)
	for _, s := range spans[:len(spans)-1] {
		assert.GreaterOrEqual(t, len(s.Text), 4)
	}
}

func TestChunkDropsWhitespaceWindows(t *testing.T) {
	c := NewChunker(config.RAGConfig{ChunkSize: 10, ChunkOverlap: 0, MinChunkSize: 0})
	text := "aaaaaaaaaa" + strings.Repeat(" ", 10) + "bbbbbbbbbb"

	spans := c.Chunk([]model.Page{{Number: 1, Text: text}})

	require.Len(t, spans, 2)
	assert.Equal(t, "aaaaaaaaaa", spans[0].Text)
	assert.Equal(t, "bbbbbbbbbb", spans[1].Text)
	assert.Equal(t, 1, spans[1].Index)
}

func TestNewChunkerFixesInvalidOverlap(t *testing.T) {
	c := NewChunker(config.RAGConfig{ChunkSize: 100, ChunkOverlap: 150})
	spans := c.Chunk([]model.Page{{Number: 1, Text: letters(250, 0)}})
	assert.Len(t, spans, 3)
}
