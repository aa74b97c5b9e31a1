// Package model 定义了与数据库表对应的 Go 结构体。
package model

import "time"

// SearchResponseDTO 定义了返回给前端的会话搜索结果结构。
type SearchResponseDTO struct {
	TurnID      string    `json:"turnId"`
	PersonaID   string    `json:"personaId"`
	ChunkID     int       `json:"chunkId"`
	Sender      string    `json:"sender"`
	TextContent string    `json:"textContent"`
	ImageURL    string    `json:"imageUrl,omitempty"` // 归档图片的限时链接
	Score       float64   `json:"score"`
	CreatedAt   LocalTime `json:"createdAt"`
}

// TranscriptDocument 定义了存储在 Elasticsearch 中的会话分块文档结构。
type TranscriptDocument struct {
	DocID       string    `json:"doc_id"` // 唯一标识，turnId + chunkId
	TurnID      string    `json:"turn_id"`
	PersonaID   string    `json:"persona_id"`
	ChunkID     int       `json:"chunk_id"`
	Sender      string    `json:"sender"`
	TextContent string    `json:"text_content"`
	ImageObject string    `json:"image_object,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
