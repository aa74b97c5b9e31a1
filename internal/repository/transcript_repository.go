package repository

import (
	"strings"

	"telegemini-go/internal/model"

	"gorm.io/gorm"
)

// TranscriptRepository 定义了对 transcript_chunks 表的数据操作接口。
type TranscriptRepository interface {
	BatchCreate(chunks []*model.TranscriptChunk) error
	FindByTurnID(turnID string) ([]*model.TranscriptChunk, error)
	DeleteByTurnID(turnID string) error
	Search(query, personaID string, limit int) ([]*model.TranscriptChunk, error)
}

type transcriptRepository struct {
	db *gorm.DB
}

// NewTranscriptRepository 创建一个新的 TranscriptRepository 实例。
func NewTranscriptRepository(db *gorm.DB) TranscriptRepository {
	return &transcriptRepository{db: db}
}

// BatchCreate 批量创建分块记录。
func (r *transcriptRepository) BatchCreate(chunks []*model.TranscriptChunk) error {
	if len(chunks) == 0 {
		return nil
	}
	return r.db.CreateInBatches(chunks, 100).Error
}

// FindByTurnID 按消息 ID 查找所有分块，按分块序号升序。
func (r *transcriptRepository) FindByTurnID(turnID string) ([]*model.TranscriptChunk, error) {
	var chunks []*model.TranscriptChunk
	err := r.db.Where("turn_id = ?", turnID).Order("chunk_id asc").Find(&chunks).Error
	return chunks, err
}

// DeleteByTurnID 删除某条消息的全部分块。
func (r *transcriptRepository) DeleteByTurnID(turnID string) error {
	return r.db.Where("turn_id = ?", turnID).Delete(&model.TranscriptChunk{}).Error
}

// Search 对分块文本做子串匹配，Elasticsearch 未启用时作为检索兜底。
func (r *transcriptRepository) Search(query, personaID string, limit int) ([]*model.TranscriptChunk, error) {
	var chunks []*model.TranscriptChunk
	tx := r.db.Where("text_content LIKE ? ESCAPE '!'", "%"+escapeLike(query)+"%")
	if personaID != "" {
		tx = tx.Where("persona_id = ?", personaID)
	}
	err := tx.Order("created_at desc").Limit(limit).Find(&chunks).Error
	return chunks, err
}

// escapeLike 使用 '!' 作为转义符，sqlite 与 mysql 都能识别。
func escapeLike(s string) string {
	return strings.NewReplacer(`!`, `!!`, `%`, `!%`, `_`, `!_`).Replace(s)
}
