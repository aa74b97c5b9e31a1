// Package model 定义了与数据库表对应的 Go 结构体。
package model

import "time"

// Setting 对应 'settings' 表，每行保存一份以 key 区分的序列化 blob。
type Setting struct {
	Key       string    `gorm:"type:varchar(191);primaryKey" json:"key"`
	Value     string    `gorm:"type:longtext;not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (Setting) TableName() string {
	return "settings"
}

// TranscriptChunk 对应 'transcript_chunks' 表，保存已完成消息的文本分块。
type TranscriptChunk struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	TurnID      string    `gorm:"type:varchar(64);index;not null" json:"turnId"`
	PersonaID   string    `gorm:"type:varchar(191);index;not null" json:"personaId"`
	ChunkID     int       `gorm:"not null" json:"chunkId"`
	Sender      string    `gorm:"type:varchar(16);not null" json:"sender"`
	TextContent string    `gorm:"type:text;not null" json:"textContent"`
	ImageObject string    `gorm:"type:varchar(512)" json:"imageObject"`
	CreatedAt   time.Time `json:"createdAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (TranscriptChunk) TableName() string {
	return "transcript_chunks"
}
