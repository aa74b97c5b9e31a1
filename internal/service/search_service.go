// Package service 提供了搜索相关的业务逻辑。
package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"telegemini-go/internal/model"
	"telegemini-go/internal/repository"
	"telegemini-go/pkg/log"

	"github.com/elastic/go-elasticsearch/v8"
)

const (
	defaultTopK     = 10
	maxTopK         = 100
	imageLinkExpiry = time.Hour
)

// ImageLinker 为归档在对象存储中的图片生成下载链接。
type ImageLinker interface {
	PresignedURL(ctx context.Context, objectName string, expiry time.Duration) (string, error)
}

// SearchService 在已结束的会话消息中做全文检索。
type SearchService interface {
	SearchTranscripts(ctx context.Context, query, personaID string, topK int) ([]model.SearchResponseDTO, error)
}

type searchService struct {
	esClient       *elasticsearch.Client
	indexName      string
	transcriptRepo repository.TranscriptRepository
	linker         ImageLinker
}

// NewSearchService 创建一个新的 SearchService 实例。esClient 为 nil 时使用数据库子串匹配；
// linker 为 nil 时结果不带图片链接。
func NewSearchService(esClient *elasticsearch.Client, indexName string, transcriptRepo repository.TranscriptRepository, linker ImageLinker) SearchService {
	return &searchService{esClient: esClient, indexName: indexName, transcriptRepo: transcriptRepo, linker: linker}
}

// SearchTranscripts 按关键词检索会话分块，personaID 非空时只在该会话中检索。
func (s *searchService) SearchTranscripts(ctx context.Context, query, personaID string, topK int) ([]model.SearchResponseDTO, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []model.SearchResponseDTO{}, nil
	}
	if topK <= 0 {
		topK = defaultTopK
	}
	if topK > maxTopK {
		topK = maxTopK
	}
	log.Infof("[SearchService] 开始搜索, query: '%s', persona: '%s', topK: %d", query, personaID, topK)

	var (
		results []model.SearchResponseDTO
		objects []string
		err     error
	)
	if s.esClient == nil {
		results, objects, err = s.searchDatabase(query, personaID, topK)
	} else {
		results, objects, err = s.searchElasticsearch(ctx, query, personaID, topK)
	}
	if err != nil {
		return nil, err
	}
	s.attachImageLinks(ctx, results, objects)
	return results, nil
}

// attachImageLinks 为带归档图片的结果生成链接，失败时只记录日志。
func (s *searchService) attachImageLinks(ctx context.Context, results []model.SearchResponseDTO, objects []string) {
	if s.linker == nil {
		return
	}
	for i, object := range objects {
		if object == "" {
			continue
		}
		link, err := s.linker.PresignedURL(ctx, object, imageLinkExpiry)
		if err != nil {
			log.Warnf("[SearchService] 生成图片链接失败, object: %s, error: %v", object, err)
			continue
		}
		results[i].ImageURL = link
	}
}

func (s *searchService) searchDatabase(query, personaID string, topK int) ([]model.SearchResponseDTO, []string, error) {
	chunks, err := s.transcriptRepo.Search(query, personaID, topK)
	if err != nil {
		log.Errorf("[SearchService] 数据库检索失败: %v", err)
		return nil, nil, fmt.Errorf("database search failed: %w", err)
	}
	results := make([]model.SearchResponseDTO, 0, len(chunks))
	objects := make([]string, 0, len(chunks))
	for _, c := range chunks {
		objects = append(objects, c.ImageObject)
		results = append(results, model.SearchResponseDTO{
			TurnID:      c.TurnID,
			PersonaID:   c.PersonaID,
			ChunkID:     c.ChunkID,
			Sender:      c.Sender,
			TextContent: c.TextContent,
			Score:       1,
			CreatedAt:   model.LocalTime(c.CreatedAt),
		})
	}
	log.Infof("[SearchService] 数据库检索返回 %d 条结果", len(results))
	return results, objects, nil
}

func (s *searchService) searchElasticsearch(ctx context.Context, query, personaID string, topK int) ([]model.SearchResponseDTO, []string, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(buildTranscriptQuery(query, personaID, topK)); err != nil {
		return nil, nil, fmt.Errorf("failed to encode es query: %w", err)
	}

	res, err := s.esClient.Search(
		s.esClient.Search.WithContext(ctx),
		s.esClient.Search.WithIndex(s.indexName),
		s.esClient.Search.WithBody(&buf),
		s.esClient.Search.WithTrackTotalHits(true),
	)
	if err != nil {
		log.Errorf("[SearchService] 向 Elasticsearch 发送搜索请求失败: %v", err)
		return nil, nil, fmt.Errorf("elasticsearch search failed: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		bodyBytes, _ := io.ReadAll(res.Body)
		log.Errorf("[SearchService] Elasticsearch 返回错误, status: %s, body: %s", res.Status(), string(bodyBytes))
		return nil, nil, fmt.Errorf("elasticsearch returned an error: %s", res.Status())
	}

	var esResponse struct {
		Hits struct {
			Hits []struct {
				Source model.TranscriptDocument `json:"_source"`
				Score  float64                  `json:"_score"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&esResponse); err != nil {
		log.Errorf("[SearchService] 解析 Elasticsearch 响应失败: %v", err)
		return nil, nil, fmt.Errorf("failed to decode es response: %w", err)
	}

	results := make([]model.SearchResponseDTO, 0, len(esResponse.Hits.Hits))
	objects := make([]string, 0, len(esResponse.Hits.Hits))
	for _, hit := range esResponse.Hits.Hits {
		objects = append(objects, hit.Source.ImageObject)
		results = append(results, model.SearchResponseDTO{
			TurnID:      hit.Source.TurnID,
			PersonaID:   hit.Source.PersonaID,
			ChunkID:     hit.Source.ChunkID,
			Sender:      hit.Source.Sender,
			TextContent: hit.Source.TextContent,
			Score:       hit.Score,
			CreatedAt:   model.LocalTime(hit.Source.CreatedAt),
		})
	}
	log.Infof("[SearchService] Elasticsearch 返回 %d 条结果", len(results))
	return results, objects, nil
}

// buildTranscriptQuery 构建 match 查询，并对完整短语命中加权。
func buildTranscriptQuery(query, personaID string, topK int) map[string]interface{} {
	boolQuery := map[string]interface{}{
		"must": map[string]interface{}{
			"match": map[string]interface{}{
				"text_content": query,
			},
		},
		"should": []map[string]interface{}{
			{
				"match_phrase": map[string]interface{}{
					"text_content": map[string]interface{}{
						"query": query,
						"boost": 3.0,
					},
				},
			},
		},
	}
	if personaID != "" {
		boolQuery["filter"] = map[string]interface{}{
			"term": map[string]interface{}{"persona_id": personaID},
		}
	}
	return map[string]interface{}{
		"query": map[string]interface{}{"bool": boolQuery},
		"sort": []interface{}{
			"_score",
			map[string]interface{}{"created_at": map[string]interface{}{"order": "desc"}},
		},
		"size": topK,
	}
}
