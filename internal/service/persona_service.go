package service

import (
	"context"
	"errors"
	"net/url"
	"sync"

	"telegemini-go/internal/model"
	"telegemini-go/internal/repository"
	"telegemini-go/pkg/log"

	"github.com/google/uuid"
)

// ErrPersonaNotFound 表示 persona ID 不存在。
var ErrPersonaNotFound = errors.New("persona not found")

// DefaultPersonaID 是内置默认 persona 的 ID。
const DefaultPersonaID = "my-bot"

var initialGreetings = map[string]string{
	DefaultPersonaID: "👋 **Hello! I am your Gemini Assistant.**\n\nI can help you with text, analysis, and creativity.\n\n**Available Commands:**\n🎨 `/image <prompt>` - Generate an AI image\n🧹 `/clear` - Clear chat history\n❓ `/help` - Show this menu\n\n*Click the ⚙️ icon in the header to rename me or change my personality!*",
}

// DefaultPersonas 返回内置的默认 persona 列表，每次调用都是新的副本。
func DefaultPersonas() []model.Persona {
	return []model.Persona{{
		ID:                DefaultPersonaID,
		Name:              "Gemini Assistant",
		AvatarURL:         "https://ui-avatars.com/api/?name=Gemini+Bot&background=0ea5e9&color=fff",
		Type:              model.BotTypeGeneral,
		Color:             "bg-blue-500",
		Description:       "AI Assistant • Click settings to customize",
		LastMessage:       "Type /help to start",
		LastMessageTime:   "Now",
		SystemInstruction: "You are a helpful, intelligent Telegram bot. Be concise, witty, and helpful. Use Markdown for formatting.",
	}}
}

// PersonaService 独占 persona 记录。启动时加载一次，之后每次修改都整体保存。
type PersonaService struct {
	mu       sync.RWMutex
	repo     repository.SettingsRepository
	personas []model.Persona
}

// NewPersonaService 从设置仓库加载 persona 列表。读取失败、数据损坏或列表为空时使用默认列表。
func NewPersonaService(ctx context.Context, repo repository.SettingsRepository) *PersonaService {
	personas, err := repo.Load(ctx)
	switch {
	case errors.Is(err, repository.ErrSettingsNotFound):
		log.Info("[PersonaService] 未找到已保存的 persona 设置, 使用默认列表")
		personas = DefaultPersonas()
	case err != nil:
		log.Error("[PersonaService] 加载 persona 设置失败, 使用默认列表", err)
		personas = DefaultPersonas()
	case len(personas) == 0:
		log.Warnf("[PersonaService] 已保存的 persona 列表为空, 使用默认列表")
		personas = DefaultPersonas()
	default:
		log.Infof("[PersonaService] 已加载 %d 个 persona", len(personas))
	}
	return &PersonaService{repo: repo, personas: personas}
}

// List 返回全部 persona 的副本，保持保存时的顺序。
func (s *PersonaService) List() []model.Persona {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.Persona(nil), s.personas...)
}

// Get 按 ID 查找 persona。
func (s *PersonaService) Get(id string) (model.Persona, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := s.indexOf(id); i >= 0 {
		return s.personas[i], nil
	}
	return model.Persona{}, ErrPersonaNotFound
}

// Create 根据草稿新建一个 persona 并保存。保存失败时内存中的列表仍然生效，错误会返回给调用方。
func (s *PersonaService) Create(ctx context.Context, draft model.PersonaDraft) (model.Persona, error) {
	p := model.Persona{
		ID:                uuid.NewString(),
		Name:              draft.Name,
		AvatarURL:         avatarURL(draft.Name),
		Type:              model.BotTypeGeneral,
		Description:       draft.Description,
		SystemInstruction: draft.SystemInstruction,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.personas = append(s.personas, p)
	log.Infof("[PersonaService] 新建 persona: id=%s, name=%s", p.ID, p.Name)
	return p, s.save(ctx)
}

// Update 应用一次设置修改。ID 不可修改。
func (s *PersonaService) Update(ctx context.Context, id string, patch model.PersonaUpdate) (model.Persona, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexOf(id)
	if i < 0 {
		return model.Persona{}, ErrPersonaNotFound
	}
	updated := patch.Apply(s.personas[i])
	s.personas[i] = updated
	log.Infof("[PersonaService] 更新 persona: id=%s, name=%s", updated.ID, updated.Name)
	return updated, s.save(ctx)
}

// Greeting 返回新会话的第一条机器人消息。
func (s *PersonaService) Greeting(id string) string {
	p, err := s.Get(id)
	if err == nil && p.LastMessage != "" {
		return p.LastMessage
	}
	if g, ok := initialGreetings[id]; ok {
		return g
	}
	return fallbackGreeting
}

// Instructions 返回对话请求使用的系统指令。
func (s *PersonaService) Instructions(id string) string {
	p, err := s.Get(id)
	if err != nil || p.SystemInstruction == "" {
		return defaultInstruction
	}
	return p.SystemInstruction
}

func (s *PersonaService) indexOf(id string) int {
	for i := range s.personas {
		if s.personas[i].ID == id {
			return i
		}
	}
	return -1
}

// save 需要在持有写锁时调用。
func (s *PersonaService) save(ctx context.Context) error {
	if err := s.repo.Save(ctx, s.personas); err != nil {
		log.Error("[PersonaService] 保存 persona 设置失败", err)
		return err
	}
	return nil
}

func avatarURL(name string) string {
	if name == "" {
		name = "Bot"
	}
	return "https://ui-avatars.com/api/?name=" + url.QueryEscape(name) + "&background=random&color=fff"
}
