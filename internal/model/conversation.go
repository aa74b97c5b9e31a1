// Package model 包含了应用的数据模型定义。
package model

import (
	"strings"
	"time"
)

// ImageURLSeparator 在 /image 命令的完成文本中分隔说明文字和图片 data URI。
const ImageURLSeparator = "||IMAGE_URL||"

// Sender 标记一条消息的发送方。
type Sender string

const (
	SenderUser Sender = "user"
	SenderBot  Sender = "bot"
)

// Citation 是一条 grounding 引用来源。
type Citation struct {
	URI   string `json:"uri"`
	Title string `json:"title"`
}

// Turn 代表会话中的单条消息。
type Turn struct {
	ID               string     `json:"id"`
	Sender           Sender     `json:"sender"`
	Text             string     `json:"text"`
	ImageURL         string     `json:"imageUrl,omitempty"`
	IsStreaming      bool       `json:"isStreaming,omitempty"`
	GroundingSources []Citation `json:"groundingSources,omitempty"`
	Timestamp        time.Time  `json:"timestamp"`
}

// Empty 报告该消息既无文本也无图片。
func (t Turn) Empty() bool {
	return t.Text == "" && t.ImageURL == ""
}

// Clone 返回一份不与原消息共享切片的副本。
func (t Turn) Clone() Turn {
	if t.GroundingSources != nil {
		t.GroundingSources = append([]Citation(nil), t.GroundingSources...)
	}
	return t
}

// Conversation 按 persona 保存有序的消息列表。
// 任意时刻至多一条消息处于 streaming 状态。
type Conversation struct {
	PersonaID string `json:"contactId"`
	Turns     []Turn `json:"messages"`
}

// CloneTurns 深拷贝一组消息。
func CloneTurns(turns []Turn) []Turn {
	out := make([]Turn, len(turns))
	for i, t := range turns {
		out[i] = t.Clone()
	}
	return out
}

// SplitComposite 在第一个 ImageURLSeparator 处把完成文本拆成说明文字和图片。
// 不含分隔符时 image 为空。
func SplitComposite(text string) (caption, image string) {
	caption, image, found := strings.Cut(text, ImageURLSeparator)
	if !found {
		return text, ""
	}
	return caption, image
}
