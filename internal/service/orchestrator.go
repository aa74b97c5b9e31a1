package service

import (
	"context"
	"errors"
	"strings"

	"telegemini-go/internal/model"
	"telegemini-go/pkg/datauri"
	"telegemini-go/pkg/llm"
	"telegemini-go/pkg/log"
)

const imageCommand = "/image"

// EventKind 区分响应流中的增量事件和终止事件。
type EventKind string

const (
	EventChunk    EventKind = "chunk"
	EventComplete EventKind = "complete"
)

// ResponseEvent 是响应流中的一个事件。
// EventChunk 的 Text 是到目前为止的完整累计文本，不是增量。
type ResponseEvent struct {
	Kind      EventKind
	Text      string
	Citations []model.Citation
}

// RespondRequest 描述一次待回复的用户输入。
type RespondRequest struct {
	History       []model.Turn
	Text          string
	Instructions  string
	AttachedImage string // data URI，可为空
}

// Orchestrator 把用户输入分派为本地命令、图片生成或对话请求，不保存任何跨调用的状态。
type Orchestrator struct {
	llmClient llm.Client
}

// NewOrchestrator 创建一个新的 Orchestrator。
func NewOrchestrator(llmClient llm.Client) *Orchestrator {
	return &Orchestrator{llmClient: llmClient}
}

// Respond 返回一个有序事件流：零个或多个 EventChunk，随后恰好一个 EventComplete，然后关闭。
// 本地命令的结果在 Respond 返回前已经写入缓冲 channel。
// ctx 被取消时事件流直接关闭，不再产出终止事件。
// /clear 由调用方处理，不会到达这里。
func (o *Orchestrator) Respond(ctx context.Context, req RespondRequest) <-chan ResponseEvent {
	trimmed := strings.TrimSpace(req.Text)
	lower := strings.ToLower(trimmed)

	switch {
	case lower == "/start" || lower == "/help":
		return completed(helpText)
	case strings.HasPrefix(lower, imageCommand):
		prompt := strings.TrimSpace(trimmed[len(imageCommand):])
		if prompt == "" {
			return completed(imageUsageText)
		}
		events := make(chan ResponseEvent)
		go func() {
			defer close(events)
			text := o.generateImage(ctx, prompt)
			if ctx.Err() != nil {
				return
			}
			send(ctx, events, ResponseEvent{Kind: EventComplete, Text: text})
		}()
		return events
	}

	events := make(chan ResponseEvent)
	go func() {
		defer close(events)
		o.streamChat(ctx, req, events)
	}()
	return events
}

// RespondWithCallbacks 是 Respond 的回调形式。onComplete 至多调用一次。
func (o *Orchestrator) RespondWithCallbacks(ctx context.Context, req RespondRequest, onChunk func(text string), onComplete func(text string, citations []model.Citation)) {
	for ev := range o.Respond(ctx, req) {
		switch ev.Kind {
		case EventChunk:
			if onChunk != nil {
				onChunk(ev.Text)
			}
		case EventComplete:
			if onComplete != nil {
				onComplete(ev.Text, ev.Citations)
			}
		}
	}
}

func (o *Orchestrator) generateImage(ctx context.Context, prompt string) string {
	parts, err := o.llmClient.GenerateImage(ctx, prompt)
	if err != nil {
		log.Errorf("[Orchestrator] 图片生成失败, prompt: %q, error: %v", prompt, err)
		return imageFailedText
	}

	caption := defaultImageText
	var image string
	for _, p := range parts {
		if p.InlineData != nil {
			image = datauri.Format(p.InlineData.MIMEType, p.InlineData.Data)
		} else if p.Text != "" {
			caption = p.Text
		}
	}
	if image == "" {
		log.Warnf("[Orchestrator] 图片生成响应中没有图片, prompt: %q", prompt)
		return imageNotFoundText
	}
	return caption + model.ImageURLSeparator + image
}

func (o *Orchestrator) streamChat(ctx context.Context, req RespondRequest, events chan<- ResponseEvent) {
	messages := buildMessages(req.History, req.Text, req.AttachedImage)

	var (
		full      strings.Builder
		citations []model.Citation
		seen      = make(map[string]struct{})
		streamErr error
	)
	for chunk, err := range o.llmClient.StreamChat(ctx, messages, req.Instructions) {
		if err != nil {
			streamErr = err
			break
		}
		for _, src := range chunk.Sources {
			if _, ok := seen[src.URI]; ok {
				continue
			}
			seen[src.URI] = struct{}{}
			citations = append(citations, model.Citation{URI: src.URI, Title: src.Title})
		}
		if chunk.Text == "" {
			continue
		}
		full.WriteString(chunk.Text)
		if !send(ctx, events, ResponseEvent{Kind: EventChunk, Text: full.String()}) {
			return
		}
	}

	if ctx.Err() != nil {
		log.Infof("[Orchestrator] 回复已取消, 已生成 %d 字节", full.Len())
		return
	}
	if streamErr == nil && full.Len() == 0 {
		streamErr = errors.New("stream produced no text")
	}
	if streamErr != nil {
		log.Error("[Orchestrator] 对话流式请求失败", streamErr)
		send(ctx, events, ResponseEvent{Kind: EventComplete, Text: chatDiagnosticText})
		return
	}
	send(ctx, events, ResponseEvent{Kind: EventComplete, Text: full.String(), Citations: citations})
}

// buildMessages 把历史消息和当前输入转换为请求内容。
// 空消息和仍在 streaming 的占位消息不会回传；图片解码失败只丢弃该图片。
func buildMessages(history []model.Turn, text, attachedImage string) []llm.Message {
	messages := make([]llm.Message, 0, len(history)+1)
	for _, t := range history {
		if t.Empty() || t.IsStreaming {
			continue
		}
		role := llm.RoleModel
		if t.Sender == model.SenderUser {
			role = llm.RoleUser
		}
		var parts []llm.Part
		if t.Text != "" {
			parts = append(parts, llm.Part{Text: t.Text})
		}
		if t.ImageURL != "" && t.Sender == model.SenderUser {
			if p, ok := imagePart(t.ImageURL); ok {
				parts = append(parts, p)
			} else {
				log.Warnf("[Orchestrator] 历史消息 %s 的图片无法解析, 已忽略", t.ID)
			}
		}
		if len(parts) == 0 {
			continue
		}
		messages = append(messages, llm.Message{Role: role, Parts: parts})
	}

	var current []llm.Part
	if text != "" {
		current = append(current, llm.Part{Text: text})
	}
	if attachedImage != "" {
		if p, ok := imagePart(attachedImage); ok {
			current = append(current, p)
		} else {
			log.Warnf("[Orchestrator] 附带的图片无法解析, 已忽略")
		}
	}
	if len(current) == 0 {
		current = append(current, llm.Part{Text: text})
	}
	return append(messages, llm.Message{Role: llm.RoleUser, Parts: current})
}

func imagePart(uri string) (llm.Part, bool) {
	img, err := datauri.Parse(uri)
	if err != nil {
		return llm.Part{}, false
	}
	return llm.Part{InlineData: &llm.InlineData{MIMEType: img.MIMEType, Data: img.Data}}, true
}

func completed(text string) <-chan ResponseEvent {
	events := make(chan ResponseEvent, 1)
	events <- ResponseEvent{Kind: EventComplete, Text: text}
	close(events)
	return events
}

func send(ctx context.Context, events chan<- ResponseEvent, ev ResponseEvent) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
