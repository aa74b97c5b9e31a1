// Package pipeline 定义了会话转写的处理流程。
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"telegemini-go/internal/config"
	"telegemini-go/internal/model"
	"telegemini-go/internal/repository"
	"telegemini-go/pkg/es"
	"telegemini-go/pkg/log"
	"telegemini-go/pkg/tasks"
)

const (
	chunkSize    = 1000
	chunkOverlap = 100
)

// Processor 封装了转写处理的所有依赖和逻辑。
type Processor struct {
	esCfg          config.ElasticsearchConfig
	transcriptRepo repository.TranscriptRepository
}

// NewProcessor 创建一个新的 Processor 实例。esCfg.Enabled 为 false 时只写数据库。
func NewProcessor(esCfg config.ElasticsearchConfig, transcriptRepo repository.TranscriptRepository) *Processor {
	return &Processor{esCfg: esCfg, transcriptRepo: transcriptRepo}
}

// Submit 在未启用 Kafka 时直接同步处理任务。
func (p *Processor) Submit(ctx context.Context, task tasks.TranscriptTask) error {
	return p.Process(ctx, task)
}

// Process 是转写处理的主函数：切块、入库，然后索引到 Elasticsearch。
func (p *Processor) Process(ctx context.Context, task tasks.TranscriptTask) error {
	text := strings.TrimSpace(task.Text)
	if text == "" {
		log.Debugf("[Processor] 消息没有文本, 跳过, TurnID: %s", task.TurnID)
		return nil
	}
	log.Infof("[Processor] 开始处理消息, TurnID: %s, PersonaID: %s, 内容长度: %d 字符",
		task.TurnID, task.PersonaID, utf8.RuneCountInString(text))

	chunks := p.splitText(text, chunkSize, chunkOverlap)

	// 处理前先清理该消息既有的分块记录，重复投递的任务不会产生重复数据
	if err := p.transcriptRepo.DeleteByTurnID(task.TurnID); err != nil {
		log.Warnf("[Processor] 清理 transcript_chunks 旧记录失败 (turn_id=%s): %v", task.TurnID, err)
	}
	rows := make([]*model.TranscriptChunk, 0, len(chunks))
	for i, chunk := range chunks {
		rows = append(rows, &model.TranscriptChunk{
			TurnID:      task.TurnID,
			PersonaID:   task.PersonaID,
			ChunkID:     i,
			Sender:      task.Sender,
			TextContent: chunk,
			ImageObject: task.ImageObject,
			CreatedAt:   task.Timestamp,
		})
	}
	if err := p.transcriptRepo.BatchCreate(rows); err != nil {
		log.Errorf("[Processor] 批量保存分块失败, TurnID: %s, Error: %v", task.TurnID, err)
		return fmt.Errorf("批量保存分块失败: %w", err)
	}
	log.Infof("[Processor] 成功将 %d 个分块存入数据库", len(rows))

	if !p.esCfg.Enabled || es.ESClient == nil {
		return nil
	}
	if err := es.DeleteByTurnID(ctx, p.esCfg.IndexName, task.TurnID); err != nil {
		log.Warnf("[Processor] 清理 ES 旧分块失败 (turn_id=%s): %v", task.TurnID, err)
	}
	for _, row := range rows {
		doc := model.TranscriptDocument{
			DocID:       fmt.Sprintf("%s_%d", row.TurnID, row.ChunkID),
			TurnID:      row.TurnID,
			PersonaID:   row.PersonaID,
			ChunkID:     row.ChunkID,
			Sender:      row.Sender,
			TextContent: row.TextContent,
			ImageObject: row.ImageObject,
			CreatedAt:   row.CreatedAt,
		}
		if err := es.IndexDocument(ctx, p.esCfg.IndexName, doc); err != nil {
			log.Errorf("[Processor] 索引分块 %d 到Elasticsearch失败, Error: %v", row.ChunkID, err)
			return fmt.Errorf("索引块 %d 到 Elasticsearch 失败: %w", row.ChunkID, err)
		}
	}
	log.Infof("[Processor] 消息处理完成, TurnID: %s", task.TurnID)
	return nil
}

// splitText 将长文本按指定大小和重叠进行切分。
func (p *Processor) splitText(text string, chunkSize int, chunkOverlap int) []string {
	if chunkSize <= chunkOverlap {
		return p.simpleSplit(text, chunkSize)
	}

	var chunks []string
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}

	step := chunkSize - chunkOverlap
	for i := 0; i < len(runes); i += step {
		end := i + chunkSize
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[i:end]))
		if end == len(runes) {
			break
		}
	}
	return chunks
}

func (p *Processor) simpleSplit(text string, chunkSize int) []string {
	var chunks []string
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}
	for i := 0; i < len(runes); i += chunkSize {
		end := i + chunkSize
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[i:end]))
	}
	return chunks
}
