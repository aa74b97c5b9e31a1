// Package llm provides a client for interacting with the Gemini generative-language API.
package llm

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"

	"telegemini-go/internal/config"
	"telegemini-go/pkg/log"

	"google.golang.org/genai"
)

// 角色名与 Gemini API 的 content role 一致。
const (
	RoleUser  = "user"
	RoleModel = "model"
)

// ErrMissingCredential 表示启动时没有读到 API key。
var ErrMissingCredential = errors.New("gemini api key is not configured")

// InlineData 是已解码的内联二进制数据（图片）。
type InlineData struct {
	MIMEType string
	Data     []byte
}

// Part 是消息的一个片段：文本或内联数据二选一。
type Part struct {
	Text       string
	InlineData *InlineData
}

// Message 表示一条带角色的多模态消息
type Message struct {
	Role  string
	Parts []Part
}

// Source 是一条 grounding 来源。
type Source struct {
	URI   string
	Title string
}

// StreamChunk 是流式响应中的一个增量片段。
type StreamChunk struct {
	Text    string
	Sources []Source
}

// Client defines the interface for the generative AI service.
type Client interface {
	// GenerateStructured 请求一个只包含 fields 这些必填字符串字段的 JSON 对象，返回原始 JSON 文本。
	GenerateStructured(ctx context.Context, prompt string, fields []string) (string, error)
	// GenerateImage 以文本提示发起一次非流式图片生成，返回首个候选的全部片段。
	GenerateImage(ctx context.Context, prompt string) ([]Part, error)
	// StreamChat 以角色消息历史和系统指令发起流式对话。迭代器先产出零个或多个增量片段，出错时产出一个 error 后结束。
	StreamChat(ctx context.Context, messages []Message, systemInstruction string) iter.Seq2[StreamChunk, error]
}

type geminiClient struct {
	cfg    config.GeminiConfig
	client *genai.Client
}

// NewClient 根据配置创建 Gemini 客户端。凭证缺失或客户端创建失败时返回一个
// 所有调用都报错的降级客户端，调用方据此走各自的兜底逻辑，进程不会因此退出。
func NewClient(ctx context.Context, cfg config.GeminiConfig) Client {
	if strings.TrimSpace(cfg.APIKey) == "" {
		log.Warnf("[LLM] 未配置 Gemini API key，所有 AI 请求将返回兜底内容")
		return &unavailableClient{err: ErrMissingCredential}
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		log.Error("[LLM] 创建 GenAI 客户端失败，使用降级客户端", err)
		return &unavailableClient{err: fmt.Errorf("failed to create GenAI client: %w", err)}
	}
	return &geminiClient{cfg: cfg, client: client}
}

func (c *geminiClient) GenerateStructured(ctx context.Context, prompt string, fields []string) (string, error) {
	properties := make(map[string]*genai.Schema, len(fields))
	for _, f := range fields {
		properties[f] = &genai.Schema{Type: genai.TypeString}
	}
	resp, err := c.client.Models.GenerateContent(ctx, c.cfg.PersonaModel,
		[]*genai.Content{textContent(RoleUser, prompt)},
		&genai.GenerateContentConfig{
			ResponseMIMEType: "application/json",
			ResponseSchema: &genai.Schema{
				Type:       genai.TypeObject,
				Properties: properties,
				Required:   fields,
			},
		},
	)
	if err != nil {
		return "", fmt.Errorf("GenAI structured generation failed: %w", err)
	}
	text := responseText(resp)
	if text == "" {
		return "", errors.New("structured generation returned no text")
	}
	return text, nil
}

func (c *geminiClient) GenerateImage(ctx context.Context, prompt string) ([]Part, error) {
	resp, err := c.client.Models.GenerateContent(ctx, c.cfg.ImageModel,
		[]*genai.Content{textContent(RoleUser, prompt)}, nil)
	if err != nil {
		return nil, fmt.Errorf("GenAI image generation failed: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, nil
	}
	var parts []Part
	for _, p := range resp.Candidates[0].Content.Parts {
		if p == nil {
			continue
		}
		if p.InlineData != nil {
			parts = append(parts, Part{InlineData: &InlineData{MIMEType: p.InlineData.MIMEType, Data: p.InlineData.Data}})
		} else if p.Text != "" && !p.Thought {
			parts = append(parts, Part{Text: p.Text})
		}
	}
	return parts, nil
}

func (c *geminiClient) StreamChat(ctx context.Context, messages []Message, systemInstruction string) iter.Seq2[StreamChunk, error] {
	contents := toContents(messages)
	genCfg := &genai.GenerateContentConfig{}
	if systemInstruction != "" {
		genCfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: systemInstruction}}}
	}
	if c.cfg.GoogleSearch {
		genCfg.Tools = []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}}
	}

	return func(yield func(StreamChunk, error) bool) {
		for resp, err := range c.client.Models.GenerateContentStream(ctx, c.cfg.ChatModel, contents, genCfg) {
			if err != nil {
				yield(StreamChunk{}, fmt.Errorf("GenAI stream failed: %w", err))
				return
			}
			chunk := StreamChunk{Text: responseText(resp), Sources: groundingSources(resp)}
			if !yield(chunk, nil) {
				return
			}
		}
	}
}

func textContent(role, text string) *genai.Content {
	return &genai.Content{Role: role, Parts: []*genai.Part{{Text: text}}}
}

func toContents(messages []Message) []*genai.Content {
	contents := make([]*genai.Content, 0, len(messages))
	for _, m := range messages {
		content := &genai.Content{Role: m.Role}
		for _, p := range m.Parts {
			if p.InlineData != nil {
				content.Parts = append(content.Parts, &genai.Part{
					InlineData: &genai.Blob{MIMEType: p.InlineData.MIMEType, Data: p.InlineData.Data},
				})
				continue
			}
			content.Parts = append(content.Parts, &genai.Part{Text: p.Text})
		}
		contents = append(contents, content)
	}
	return contents
}

// responseText 拼接首个候选中所有非思考文本片段。
func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		if p == nil || p.Thought {
			continue
		}
		sb.WriteString(p.Text)
	}
	return sb.String()
}

func groundingSources(resp *genai.GenerateContentResponse) []Source {
	if resp == nil || len(resp.Candidates) == 0 {
		return nil
	}
	gm := resp.Candidates[0].GroundingMetadata
	if gm == nil {
		return nil
	}
	var sources []Source
	for _, chunk := range gm.GroundingChunks {
		if chunk == nil || chunk.Web == nil || chunk.Web.URI == "" {
			continue
		}
		sources = append(sources, Source{URI: chunk.Web.URI, Title: chunk.Web.Title})
	}
	return sources
}

// unavailableClient 在凭证缺失时替代真实客户端。
type unavailableClient struct {
	err error
}

func (u *unavailableClient) GenerateStructured(context.Context, string, []string) (string, error) {
	return "", u.err
}

func (u *unavailableClient) GenerateImage(context.Context, string) ([]Part, error) {
	return nil, u.err
}

func (u *unavailableClient) StreamChat(context.Context, []Message, string) iter.Seq2[StreamChunk, error] {
	return func(yield func(StreamChunk, error) bool) {
		yield(StreamChunk{}, u.err)
	}
}
