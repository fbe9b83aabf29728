package repository

import (
	"context"
	"math"
	"sort"
	"sync"

	"doc-intel-go/internal/model"
)

// VectorIndex 是按用户、文档隔离的向量近邻索引。
// 所有读写都以 (userID, documentID) 为强制过滤条件，单个文档上的操作彼此原子。
type VectorIndex interface {
	// Upsert 按分块 ID 幂等写入。
	Upsert(ctx context.Context, chunks []model.IndexedChunk) error
	// Query 返回按余弦距离升序排列的前 K 个分块。
	Query(ctx context.Context, q model.VectorQuery) ([]model.ScoredChunk, error)
	// Delete 删除文档的全部分块，不存在时不报错。
	Delete(ctx context.Context, userID, documentID uint) error
	Count(ctx context.Context, userID, documentID uint) (int, error)
}

type shardKey struct {
	userID     uint
	documentID uint
}

// shard 保存单个文档的全部分块，拥有独立的读写锁。
type shard struct {
	mu     sync.RWMutex
	chunks map[int]model.IndexedChunk
}

type memoryVectorIndex struct {
	shards sync.Map // shardKey -> *shard
}

// NewMemoryVectorIndex 创建进程内的暴力检索索引，用于本地运行和测试。
func NewMemoryVectorIndex() VectorIndex {
	return &memoryVectorIndex{}
}

func (m *memoryVectorIndex) shard(userID, documentID uint) *shard {
	s, _ := m.shards.LoadOrStore(shardKey{userID, documentID}, &shard{chunks: make(map[int]model.IndexedChunk)})
	return s.(*shard)
}

func (m *memoryVectorIndex) Upsert(ctx context.Context, chunks []model.IndexedChunk) error {
	groups := make(map[shardKey][]model.IndexedChunk)
	for _, c := range chunks {
		k := shardKey{c.UserID, c.DocumentID}
		groups[k] = append(groups[k], c)
	}
	for k, group := range groups {
		if err := ctx.Err(); err != nil {
			return err
		}
		s := m.shard(k.userID, k.documentID)
		s.mu.Lock()
		for _, c := range group {
			c.Vector = append([]float32(nil), c.Vector...)
			s.chunks[c.Index] = c
		}
		s.mu.Unlock()
	}
	return nil
}

func (m *memoryVectorIndex) Query(ctx context.Context, q model.VectorQuery) ([]model.ScoredChunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v, ok := m.shards.Load(shardKey{q.UserID, q.DocumentID})
	if !ok || q.K <= 0 {
		return nil, nil
	}
	s := v.(*shard)

	s.mu.RLock()
	results := make([]model.ScoredChunk, 0, len(s.chunks))
	for _, c := range s.chunks {
		if q.ModelVersion != "" && c.ModelVersion != q.ModelVersion {
			continue
		}
		hit := c
		hit.Vector = nil
		results = append(results, model.ScoredChunk{Chunk: hit, Distance: CosineDistance(q.Vector, c.Vector)})
	}
	s.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool {
		if results[i].Distance != results[j].Distance {
			return results[i].Distance < results[j].Distance
		}
		return results[i].Chunk.Index < results[j].Chunk.Index
	})
	if len(results) > q.K {
		results = results[:q.K]
	}
	return results, nil
}

func (m *memoryVectorIndex) Delete(ctx context.Context, userID, documentID uint) error {
	v, ok := m.shards.Load(shardKey{userID, documentID})
	if !ok {
		return nil
	}
	// 只清空分块而保留 shard，避免与并发写入交错时丢失数据
	s := v.(*shard)
	s.mu.Lock()
	s.chunks = make(map[int]model.IndexedChunk)
	s.mu.Unlock()
	return nil
}

func (m *memoryVectorIndex) Count(ctx context.Context, userID, documentID uint) (int, error) {
	v, ok := m.shards.Load(shardKey{userID, documentID})
	if !ok {
		return 0, nil
	}
	s := v.(*shard)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chunks), nil
}

// CosineDistance 返回 1 - cos(a, b)，取值范围 [0, 2]。任一向量为零或维度不一致时返回 1。
func CosineDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 1
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 1
	}
	d := 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
	return math.Max(0, math.Min(2, d))
}
