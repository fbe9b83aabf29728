package pipeline

import (
	"strings"
	"unicode"

	"doc-intel-go/internal/config"
	"doc-intel-go/internal/model"
)

// pageSeparator 在拼接页面文本时插入，保证跨页的词不会粘连。
const pageSeparator = "\n\n"

// Chunker 按固定字符窗口和重叠长度切分页面文本。
// 相同输入总是得到相同的分块边界。
type Chunker struct {
	size    int
	overlap int
	minSize int
}

// NewChunker 根据 RAG 配置创建分块器。
func NewChunker(cfg config.RAGConfig) *Chunker {
	c := &Chunker{size: cfg.ChunkSize, overlap: cfg.ChunkOverlap, minSize: cfg.MinChunkSize}
	if c.size <= 0 {
		c.size = 1000
	}
	if c.overlap < 0 || c.overlap >= c.size {
		c.overlap = 0
	}
	if c.minSize < 0 || c.minSize > c.size {
		c.minSize = 0
	}
	return c
}

// Chunk 将页面拼接后切分为带重叠的片段。
//
// 窗口以 size-overlap 为步长前进。若某个窗口之后剩余的文本不足 minSize，
// 剩余部分并入该窗口，避免在文档末尾产生碎片。非末尾窗口去除首尾空白后
// 若非空但短于 minSize，则向后延伸直到满足下限。纯空白的窗口被丢弃。
func (c *Chunker) Chunk(pages []model.Page) []model.ChunkSpan {
	runes, starts := joinPages(pages)
	n := len(runes)
	if n == 0 {
		return nil
	}

	step := c.size - c.overlap
	var spans []model.ChunkSpan
	for start := 0; start < n; start += step {
		end := start + c.size
		if end > n {
			end = n
		}
		if end < n && n-end < c.minSize {
			end = n
		}
		for end < n {
			if l := trimmedLen(runes[start:end]); l == 0 || l >= c.minSize {
				break
			}
			end++
		}

		text := strings.TrimSpace(string(runes[start:end]))
		if text != "" {
			spans = append(spans, model.ChunkSpan{
				Index: len(spans),
				Text:  text,
				Page:  pageAt(starts, pages, firstNonSpace(runes, start, end)),
			})
		}
		if end == n {
			break
		}
	}
	return spans
}

// joinPages 返回拼接后的字符序列以及每一页在其中的起始偏移。
func joinPages(pages []model.Page) ([]rune, []int) {
	var runes []rune
	starts := make([]int, len(pages))
	for i, p := range pages {
		if i > 0 {
			runes = append(runes, []rune(pageSeparator)...)
		}
		starts[i] = len(runes)
		runes = append(runes, []rune(p.Text)...)
	}
	if strings.TrimSpace(string(runes)) == "" {
		return nil, starts
	}
	return runes, starts
}

// pageAt 返回偏移 offset 所在页的页码。
func pageAt(starts []int, pages []model.Page, offset int) int {
	page := 0
	for i, s := range starts {
		if s > offset {
			break
		}
		page = pages[i].Number
	}
	return page
}

func firstNonSpace(runes []rune, start, end int) int {
	for i := start; i < end; i++ {
		if !unicode.IsSpace(runes[i]) {
			return i
		}
	}
	return start
}

func trimmedLen(runes []rune) int {
	lo, hi := 0, len(runes)
	for lo < hi && unicode.IsSpace(runes[lo]) {
		lo++
	}
	for hi > lo && unicode.IsSpace(runes[hi-1]) {
		hi--
	}
	return hi - lo
}
