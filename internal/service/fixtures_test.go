package service

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"doc-intel-go/internal/config"
	"doc-intel-go/internal/model"
	"doc-intel-go/internal/pipeline"
	"doc-intel-go/internal/repository"
	"doc-intel-go/pkg/llm"
	"doc-intel-go/pkg/storage"
	"doc-intel-go/pkg/tasks"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/go-redis/redis/v8"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testModelVersion = "test-embed-v1"

// unitAt 返回与 [1, 0] 的余弦距离恰为 distance 的单位向量。
func unitAt(distance float64) []float32 {
	cos := 1 - distance
	return []float32{float32(cos), float32(math.Sqrt(1 - cos*cos))}
}

// stubEmbedder 按问题文本返回预设向量，未登记的文本返回 [1, 0]。
type stubEmbedder struct {
	mu      sync.Mutex
	vectors map[string][]float32
	err     error
}

func newStubEmbedder() *stubEmbedder {
	return &stubEmbedder{vectors: map[string][]float32{}}
}

func (s *stubEmbedder) set(text string, v []float32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vectors[text] = v
}

func (s *stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := s.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

func (s *stubEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if v, ok := s.vectors[t]; ok {
			out[i] = v
			continue
		}
		out[i] = []float32{1, 0}
	}
	return out, nil
}

func (s *stubEmbedder) ModelVersion() string { return testModelVersion }
func (s *stubEmbedder) Dimensions() int      { return 2 }

// stubLLM 按顺序返回预设结果，并记录每次调用的消息。
type stubLLM struct {
	mu       sync.Mutex
	calls    [][]llm.Message
	errs     []error
	reply    string
	chunks   []string
	streamFn func(writer llm.MessageWriter) error
}

func (s *stubLLM) next() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.errs) == 0 {
		return nil
	}
	err := s.errs[0]
	s.errs = s.errs[1:]
	return err
}

func (s *stubLLM) record(messages []llm.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, messages)
}

func (s *stubLLM) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *stubLLM) lastSystemPrompt() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.calls) == 0 {
		return ""
	}
	return s.calls[len(s.calls)-1][0].Content
}

func (s *stubLLM) Chat(ctx context.Context, messages []llm.Message, gen *llm.GenerationParams) (string, error) {
	s.record(messages)
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := s.next(); err != nil {
		return "", err
	}
	return s.reply, nil
}

func (s *stubLLM) StreamChatMessages(ctx context.Context, messages []llm.Message, gen *llm.GenerationParams, writer llm.MessageWriter) error {
	s.record(messages)
	if s.streamFn != nil {
		return s.streamFn(writer)
	}
	if err := s.next(); err != nil {
		return err
	}
	for _, c := range s.chunks {
		if err := writer.WriteMessage(websocket.TextMessage, []byte(c)); err != nil {
			return err
		}
	}
	return nil
}

// chunkRecorder 收集流式写出的分块。
type chunkRecorder struct {
	mu     sync.Mutex
	chunks []string
}

func (r *chunkRecorder) WriteMessage(messageType int, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunks = append(r.chunks, string(data))
	return nil
}

type stubExtractor struct {
	pages []model.Page
	err   error
}

func (s *stubExtractor) ExtractPages(ctx context.Context, data []byte, fileName string) ([]model.Page, error) {
	return s.pages, s.err
}

type stubProducer struct {
	mu    sync.Mutex
	tasks []tasks.IngestionTask
	err   error
}

func (p *stubProducer) ProduceIngestionTask(ctx context.Context, task tasks.IngestionTask) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.tasks = append(p.tasks, task)
	return nil
}

// flakyIndex 可以让 Delete 失败，其余操作委托给内存索引。
type flakyIndex struct {
	repository.VectorIndex
	deleteErr error
	queryErr  error
}

func (f *flakyIndex) Delete(ctx context.Context, userID, documentID uint) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	return f.VectorIndex.Delete(ctx, userID, documentID)
}

func (f *flakyIndex) Query(ctx context.Context, q model.VectorQuery) ([]model.ScoredChunk, error) {
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return f.VectorIndex.Query(ctx, q)
}

func testRAGConfig() config.RAGConfig {
	return config.RAGConfig{
		ChunkSize:         1000,
		ChunkOverlap:      200,
		MinChunkSize:      400,
		DefaultTopK:       5,
		SummaryTopK:       15,
		DistanceThreshold: 1.63,
		ContextMargin:     0.1,
	}
}

func testLLMConfig() config.LLMConfig {
	return config.LLMConfig{
		MaxAttempts:    2,
		RetryBackoffMs: 1,
		Prompt: config.LLMPromptConfig{
			Rules:         "Answer only from the reference.",
			RefStart:      "<<REF>>",
			RefEnd:        "<<END>>",
			FallbackRules: "The document does not cover this; answer from general knowledge.",
			ApologyText:   "Sorry, please try again later.",
		},
	}
}

// engine 把所有服务接在真实的仓储（SQLite、miniredis、内存索引）上。
type engine struct {
	db            *gorm.DB
	mr            *miniredis.Miniredis
	docRepo       repository.DocumentRepository
	queryRepo     repository.QueryRepository
	conversations repository.ConversationRepository
	locker        repository.DocumentLocker
	index         *flakyIndex
	objects       storage.ObjectStore
	extractor     *stubExtractor
	embedder      *stubEmbedder
	llm           *stubLLM
	producer      *stubProducer
	documents     DocumentService
	queries       QueryService
}

func newEngine(t *testing.T, async bool) *engine {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "service.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, repository.Migrate(db))

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	e := &engine{
		db:            db,
		mr:            mr,
		docRepo:       repository.NewDocumentRepository(db),
		queryRepo:     repository.NewQueryRepository(db),
		conversations: repository.NewConversationRepository(rdb),
		locker:        repository.NewDocumentLocker(rdb, time.Minute),
		index:         &flakyIndex{VectorIndex: repository.NewMemoryVectorIndex()},
		objects:       storage.NewMemoryStore(),
		extractor:     &stubExtractor{},
		embedder:      newStubEmbedder(),
		llm:           &stubLLM{reply: "The termination clause requires 30 days notice."},
		producer:      &stubProducer{},
	}

	rag := testRAGConfig()
	processor := pipeline.NewProcessor(e.extractor, pipeline.NewChunker(rag), e.embedder, e.index, e.docRepo, e.objects, e.locker, nil)
	var producer TaskProducer
	if async {
		producer = e.producer
	}
	e.documents = NewDocumentService(e.docRepo, e.conversations, e.index, e.locker, e.objects, processor, producer,
		testModelVersion, config.UploadConfig{MaxSizeMB: 1}, config.IngestConfig{TimeoutSeconds: 30})

	retrieval := NewRetrievalService(e.embedder, e.index, rag)
	answers := NewAnswerService(e.llm, testLLMConfig())
	e.queries = NewQueryService(e.docRepo, e.queryRepo, e.conversations, retrieval, answers, testModelVersion, nil)
	return e
}

func pdfBytes() []byte {
	return []byte("%PDF-1.4\n% test document\n")
}

func contractPages() []model.Page {
	return []model.Page{
		{Number: 1, Text: strings.Repeat("a", 1500)},
		{Number: 2, Text: strings.Repeat("b", 1500)},
		{Number: 3, Text: strings.Repeat("c", 1496)},
	}
}

// ingestContract 入库一个三页文档，所有分块向量都为 [1, 0]。
func (e *engine) ingestContract(t *testing.T, userID uint) *model.Document {
	t.Helper()
	e.extractor.pages = contractPages()
	doc, err := e.documents.Ingest(context.Background(), userID, "contract.pdf", pdfBytes())
	require.NoError(t, err)
	return doc
}

var errBoom = errors.New("boom")
