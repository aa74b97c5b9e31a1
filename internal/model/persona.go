// Package model 包含了应用的数据模型定义。
package model

// BotType 是 persona 的分类标签，仅用于展示，不参与任何行为分支。
type BotType string

const (
	BotTypeGeneral BotType = "general"
	BotTypeVision  BotType = "vision"
	BotTypeArtist  BotType = "artist"
	BotTypeSearch  BotType = "search"
)

// Persona 是一个可配置的机器人身份。
// JSON 字段名与浏览器端保存的联系人 blob 保持一致，旧数据可以直接加载。
type Persona struct {
	ID                string  `json:"id"`
	Name              string  `json:"name"`
	AvatarURL         string  `json:"avatarUrl"`
	Type              BotType `json:"type"`
	Color             string  `json:"color,omitempty"`
	Description       string  `json:"description"`
	SystemInstruction string  `json:"systemInstruction,omitempty"`
	// 以下字段只用于联系人列表的预览展示
	LastMessage     string `json:"lastMessage,omitempty"`
	LastMessageTime string `json:"lastMessageTime,omitempty"`
	UnreadCount     int    `json:"unreadCount,omitempty"`
}

// PersonaDraft 是 persona 生成器的输出，字段与结构化输出的 JSON schema 一一对应。
type PersonaDraft struct {
	Name              string `json:"name"`
	Description       string `json:"description"`
	SystemInstruction string `json:"systemInstruction"`
	BotFatherCommands string `json:"botFatherCommands"`
}

// Complete 报告四个必填字段是否都已给出。
func (d PersonaDraft) Complete() bool {
	return d.Name != "" && d.Description != "" && d.SystemInstruction != "" && d.BotFatherCommands != ""
}

// PersonaUpdate 对应设置对话框的一次保存。nil 字段保持原值。
type PersonaUpdate struct {
	Name              *string  `json:"name"`
	AvatarURL         *string  `json:"avatarUrl"`
	Type              *BotType `json:"type"`
	Description       *string  `json:"description"`
	SystemInstruction *string  `json:"systemInstruction"`
}

// Apply 返回应用了更新的新 Persona，ID 不可修改。
func (u PersonaUpdate) Apply(p Persona) Persona {
	if u.Name != nil {
		p.Name = *u.Name
	}
	if u.AvatarURL != nil {
		p.AvatarURL = *u.AvatarURL
	}
	if u.Type != nil {
		p.Type = *u.Type
	}
	if u.Description != nil {
		p.Description = *u.Description
	}
	if u.SystemInstruction != nil {
		p.SystemInstruction = *u.SystemInstruction
	}
	return p
}
