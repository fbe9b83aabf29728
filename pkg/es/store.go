package es

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"

	"doc-intel-go/internal/model"
	"doc-intel-go/pkg/log"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
)

// Store 使用 dense_vector kNN 实现向量索引。
type Store struct {
	client    *elasticsearch.Client
	indexName string
}

// NewStore 创建一个基于 Elasticsearch 的向量索引。
func NewStore(client *elasticsearch.Client, indexName string) *Store {
	return &Store{client: client, indexName: indexName}
}

// Upsert 通过 bulk 接口写入分块，文档 ID 为 "{document_id}_{chunk_index}"，重复写入会覆盖。
func (s *Store) Upsert(ctx context.Context, chunks []model.IndexedChunk) error {
	if len(chunks) == 0 {
		return nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, c := range chunks {
		meta := map[string]interface{}{"index": map[string]interface{}{"_id": c.ID()}}
		if err := enc.Encode(meta); err != nil {
			return err
		}
		if err := enc.Encode(c.ToEsDocument()); err != nil {
			return err
		}
	}

	req := esapi.BulkRequest{
		Index:   s.indexName,
		Body:    &buf,
		Refresh: "true",
	}
	res, err := req.Do(ctx, s.client)
	if err != nil {
		return fmt.Errorf("bulk request failed: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("bulk request returned error: %s", res.String())
	}

	var bulkResp struct {
		Errors bool `json:"errors"`
		Items  []map[string]struct {
			Status int `json:"status"`
			Error  *struct {
				Type   string `json:"type"`
				Reason string `json:"reason"`
			} `json:"error"`
		} `json:"items"`
	}
	if err := json.NewDecoder(res.Body).Decode(&bulkResp); err != nil {
		return fmt.Errorf("failed to decode bulk response: %w", err)
	}
	if bulkResp.Errors {
		for _, item := range bulkResp.Items {
			for _, r := range item {
				if r.Error != nil {
					return fmt.Errorf("bulk item failed: %s: %s", r.Error.Type, r.Error.Reason)
				}
			}
		}
		return fmt.Errorf("bulk request reported errors")
	}
	log.Infof("[ESStore] 写入 %d 个分块到索引 '%s'", len(chunks), s.indexName)
	return nil
}

// Query 在 kNN 预过滤中限定用户、文档与模型版本，并把 cosine 得分换算为余弦距离。
func (s *Store) Query(ctx context.Context, q model.VectorQuery) ([]model.ScoredChunk, error) {
	if q.K <= 0 {
		return nil, nil
	}
	body := map[string]interface{}{
		"knn": map[string]interface{}{
			"field":          "vector",
			"query_vector":   q.Vector,
			"k":              q.K,
			"num_candidates": numCandidates(q.K),
			"filter":         ownerFilter(q.UserID, q.DocumentID, q.ModelVersion),
		},
		"size":    q.K,
		"_source": map[string]interface{}{"excludes": []string{"vector"}},
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return nil, fmt.Errorf("failed to encode es query: %w", err)
	}

	req := esapi.SearchRequest{Index: []string{s.indexName}, Body: &buf}
	res, err := req.Do(ctx, s.client)
	if err != nil {
		return nil, fmt.Errorf("elasticsearch search failed: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		bodyBytes, _ := io.ReadAll(res.Body)
		return nil, fmt.Errorf("elasticsearch returned an error: %s %s", res.Status(), string(bodyBytes))
	}

	var esResponse struct {
		Hits struct {
			Hits []struct {
				Source model.EsDocument `json:"_source"`
				Score  float64          `json:"_score"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&esResponse); err != nil {
		return nil, fmt.Errorf("failed to decode es response: %w", err)
	}

	results := make([]model.ScoredChunk, 0, len(esResponse.Hits.Hits))
	for _, hit := range esResponse.Hits.Hits {
		// 预过滤之外再校验一次归属
		if hit.Source.UserID != q.UserID || hit.Source.DocumentID != q.DocumentID {
			log.Warnf("[ESStore] 丢弃归属不符的命中: vector_id=%s", hit.Source.VectorID)
			continue
		}
		chunk := hit.Source.ToIndexedChunk()
		chunk.Vector = nil
		results = append(results, model.ScoredChunk{Chunk: chunk, Distance: scoreToDistance(hit.Score)})
	}
	return results, nil
}

// Delete 通过 delete_by_query 删除文档的全部分块。
func (s *Store) Delete(ctx context.Context, userID, documentID uint) error {
	refresh := true
	req := esapi.DeleteByQueryRequest{
		Index:     []string{s.indexName},
		Body:      queryBody(ownerFilter(userID, documentID, "")),
		Refresh:   &refresh,
		Conflicts: "proceed",
	}
	res, err := req.Do(ctx, s.client)
	if err != nil {
		return fmt.Errorf("delete_by_query failed: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("delete_by_query returned error: %s", res.String())
	}

	var resp struct {
		Deleted  int               `json:"deleted"`
		Failures []json.RawMessage `json:"failures"`
	}
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		return fmt.Errorf("failed to decode delete_by_query response: %w", err)
	}
	if len(resp.Failures) > 0 {
		return fmt.Errorf("delete_by_query reported %d failures", len(resp.Failures))
	}
	log.Infof("[ESStore] 删除文档 %d 的 %d 个分块", documentID, resp.Deleted)
	return nil
}

// Count 返回文档在索引中的分块数量。
func (s *Store) Count(ctx context.Context, userID, documentID uint) (int, error) {
	req := esapi.CountRequest{
		Index: []string{s.indexName},
		Body:  queryBody(ownerFilter(userID, documentID, "")),
	}
	res, err := req.Do(ctx, s.client)
	if err != nil {
		return 0, fmt.Errorf("count request failed: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return 0, fmt.Errorf("count request returned error: %s", res.String())
	}
	var resp struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		return 0, fmt.Errorf("failed to decode count response: %w", err)
	}
	return resp.Count, nil
}

func ownerFilter(userID, documentID uint, modelVersion string) map[string]interface{} {
	filters := []map[string]interface{}{
		{"term": map[string]interface{}{"user_id": userID}},
		{"term": map[string]interface{}{"document_id": documentID}},
	}
	if modelVersion != "" {
		filters = append(filters, map[string]interface{}{"term": map[string]interface{}{"model_version": modelVersion}})
	}
	return map[string]interface{}{"bool": map[string]interface{}{"filter": filters}}
}

func queryBody(filter map[string]interface{}) io.Reader {
	b, _ := json.Marshal(map[string]interface{}{"query": filter})
	return bytes.NewReader(b)
}

func numCandidates(k int) int {
	n := k * 10
	if n < 100 {
		n = 100
	}
	if n > 10000 {
		n = 10000
	}
	return n
}

// scoreToDistance 把 cosine 相似度得分 (1+cos)/2 还原为余弦距离 1-cos。
func scoreToDistance(score float64) float64 {
	return math.Max(0, math.Min(2, 2-2*score))
}
