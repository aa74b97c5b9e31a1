package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"telegemini-go/internal/model"
	"telegemini-go/pkg/llm"
	"telegemini-go/pkg/log"
)

const personaPromptTemplate = `You are a Telegram Bot Factory. Create a bot profile based on this idea: "%s".

Return a JSON object containing:
1. name: A creative name for the bot.
2. description: A short bio/description (max 120 chars).
3. systemInstruction: A detailed, creative system prompt that defines the bot's persona, tone, and behavior.
4. botFatherCommands: A text block of commands formatted for BotFather (e.g. "help - Show help text").`

var personaFields = []string{"name", "description", "systemInstruction", "botFatherCommands"}

// FallbackPersona 在生成失败时返回，保证界面在没有可用凭证时也能完整演示。
var FallbackPersona = model.PersonaDraft{
	Name:              "Phoenix",
	Description:       "Digital Vanguard",
	SystemInstruction: "You are Phoenix, a digital entity risen from the ashes of legacy code. You are wise, poetic, and technically precise. You help users navigate the digital realm with style.",
	BotFatherCommands: "reboot - Restart systems\nlog - Show system logs\nstatus - Check integrity",
}

// PersonaGenerator 根据一句话的创意生成完整的 persona 草稿。
type PersonaGenerator struct {
	llmClient     llm.Client
	fallbackDelay time.Duration
}

// NewPersonaGenerator 创建一个新的 PersonaGenerator。fallbackDelay 是返回兜底结果前的等待时间。
func NewPersonaGenerator(llmClient llm.Client, fallbackDelay time.Duration) *PersonaGenerator {
	return &PersonaGenerator{llmClient: llmClient, fallbackDelay: fallbackDelay}
}

// Generate 发起一次结构化生成请求。任何失败（传输错误、JSON 格式错误、缺少字段）
// 都在等待 fallbackDelay 后返回 FallbackPersona，从不返回错误。
func (g *PersonaGenerator) Generate(ctx context.Context, idea string) model.PersonaDraft {
	draft, err := g.generate(ctx, idea)
	if err == nil {
		log.Infof("[PersonaGenerator] 生成 persona 成功: %s", draft.Name)
		return draft
	}
	log.Warnf("[PersonaGenerator] 生成 persona 失败, 使用兜底 persona: %v", err)

	timer := time.NewTimer(g.fallbackDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
	return FallbackPersona
}

func (g *PersonaGenerator) generate(ctx context.Context, idea string) (model.PersonaDraft, error) {
	raw, err := g.llmClient.GenerateStructured(ctx, fmt.Sprintf(personaPromptTemplate, idea), personaFields)
	if err != nil {
		return model.PersonaDraft{}, err
	}
	var draft model.PersonaDraft
	if err := json.Unmarshal([]byte(raw), &draft); err != nil {
		return model.PersonaDraft{}, fmt.Errorf("failed to unmarshal persona: %w", err)
	}
	if !draft.Complete() {
		return model.PersonaDraft{}, fmt.Errorf("persona response is missing required fields: %s", raw)
	}
	return draft, nil
}
