package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"telegemini-go/internal/model"
	"telegemini-go/internal/repository"

	"github.com/google/uuid"
)

var (
	// ErrTurnInFlight 表示该会话已经有一条正在 streaming 的机器人消息。
	ErrTurnInFlight = errors.New("a bot reply is already streaming in this conversation")
	// ErrTurnNotFound 表示句柄指向的消息不存在（例如会话已被清空）。
	ErrTurnNotFound = errors.New("turn not found")
	// ErrTurnFinalized 表示消息已经结束，不能再修改。
	ErrTurnFinalized = errors.New("turn already finalized")
)

// TurnHandle 标识一条正在生成的机器人消息，后续修改都通过它定位，不依赖消息在列表中的位置。
type TurnHandle struct {
	PersonaID string
	TurnID    string
}

// ConversationService 独占全部会话记录。所有修改都在同一把锁内完成，
// 因此任何时刻每个会话至多一条 streaming 消息。返回给调用方的都是深拷贝。
type ConversationService struct {
	mu      sync.Mutex
	repo    repository.ConversationRepository
	greeter func(personaID string) string
	now     func() time.Time
}

// NewConversationService 创建一个新的 ConversationService。
// greeter 为尚无记录的会话提供第一条机器人消息。
func NewConversationService(repo repository.ConversationRepository, greeter func(personaID string) string) *ConversationService {
	return &ConversationService{repo: repo, greeter: greeter, now: time.Now}
}

// History 返回会话的完整消息列表。
func (s *ConversationService) History(ctx context.Context, personaID string) ([]model.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	turns, err := s.load(ctx, personaID)
	if err != nil {
		return nil, err
	}
	return model.CloneTurns(turns), nil
}

// Last 返回会话的最后一条消息，用于联系人列表预览。
func (s *ConversationService) Last(ctx context.Context, personaID string) (model.Turn, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	turns, err := s.load(ctx, personaID)
	if err != nil || len(turns) == 0 {
		return model.Turn{}, false, err
	}
	return turns[len(turns)-1].Clone(), true, nil
}

// AppendUserTurn 追加一条用户消息。
func (s *ConversationService) AppendUserTurn(ctx context.Context, personaID, text, imageURL string) (model.Turn, error) {
	turn := model.Turn{
		ID:        uuid.NewString(),
		Sender:    model.SenderUser,
		Text:      text,
		ImageURL:  imageURL,
		Timestamp: s.now(),
	}
	return turn, s.mutate(ctx, personaID, func(turns []model.Turn) ([]model.Turn, error) {
		return append(turns, turn), nil
	})
}

// BeginBotTurn 追加一条空的 streaming 占位消息并返回它的句柄。
// 会话中已有 streaming 消息时返回 ErrTurnInFlight。
func (s *ConversationService) BeginBotTurn(ctx context.Context, personaID string) (TurnHandle, error) {
	handle := TurnHandle{PersonaID: personaID, TurnID: uuid.NewString()}
	err := s.mutate(ctx, personaID, func(turns []model.Turn) ([]model.Turn, error) {
		for _, t := range turns {
			if t.IsStreaming {
				return nil, ErrTurnInFlight
			}
		}
		return append(turns, model.Turn{
			ID:          handle.TurnID,
			Sender:      model.SenderBot,
			IsStreaming: true,
			Timestamp:   s.now(),
		}), nil
	})
	if err != nil {
		return TurnHandle{}, err
	}
	return handle, nil
}

// UpdateStreaming 用累计文本覆盖 streaming 消息的当前内容。
func (s *ConversationService) UpdateStreaming(ctx context.Context, h TurnHandle, text string) error {
	return s.mutate(ctx, h.PersonaID, func(turns []model.Turn) ([]model.Turn, error) {
		i, err := streamingIndex(turns, h.TurnID)
		if err != nil {
			return nil, err
		}
		turns[i].Text = text
		return turns, nil
	})
}

// Finalize 写入最终内容并清除 streaming 标记。每条消息只能结束一次。
func (s *ConversationService) Finalize(ctx context.Context, h TurnHandle, text, imageURL string, citations []model.Citation) (model.Turn, error) {
	var final model.Turn
	err := s.mutate(ctx, h.PersonaID, func(turns []model.Turn) ([]model.Turn, error) {
		i, err := streamingIndex(turns, h.TurnID)
		if err != nil {
			return nil, err
		}
		turns[i].Text = text
		turns[i].ImageURL = imageURL
		turns[i].IsStreaming = false
		if len(citations) > 0 {
			turns[i].GroundingSources = append([]model.Citation(nil), citations...)
		}
		final = turns[i].Clone()
		return turns, nil
	})
	return final, err
}

// Abort 撤回一条尚未结束的占位消息。已结束的消息返回 ErrTurnFinalized。
func (s *ConversationService) Abort(ctx context.Context, h TurnHandle) error {
	return s.mutate(ctx, h.PersonaID, func(turns []model.Turn) ([]model.Turn, error) {
		i, err := streamingIndex(turns, h.TurnID)
		if err != nil {
			return nil, err
		}
		return append(turns[:i], turns[i+1:]...), nil
	})
}

// SettleStreaming 结束会话中所有残留的 streaming 消息，返回处理的条数。
// 只应在确认没有回复正在生成时调用，例如进程重启后从 Redis 读到的半截消息。
func (s *ConversationService) SettleStreaming(ctx context.Context, personaID string) (int, error) {
	settled := 0
	err := s.mutate(ctx, personaID, func(turns []model.Turn) ([]model.Turn, error) {
		for i := range turns {
			if !turns[i].IsStreaming {
				continue
			}
			turns[i].IsStreaming = false
			if turns[i].Text == "" {
				turns[i].Text = stoppedText
			}
			settled++
		}
		return turns, nil
	})
	return settled, err
}

// Clear 把会话重置为一条 "Chat cleared" 机器人消息。
func (s *ConversationService) Clear(ctx context.Context, personaID string) ([]model.Turn, error) {
	turns := []model.Turn{{
		ID:        uuid.NewString(),
		Sender:    model.SenderBot,
		Text:      clearedText,
		Timestamp: s.now(),
	}}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.repo.SaveConversation(ctx, personaID, turns); err != nil {
		return nil, err
	}
	return model.CloneTurns(turns), nil
}

func (s *ConversationService) mutate(ctx context.Context, personaID string, fn func([]model.Turn) ([]model.Turn, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	turns, err := s.load(ctx, personaID)
	if err != nil {
		return err
	}
	turns, err = fn(turns)
	if err != nil {
		return err
	}
	return s.repo.SaveConversation(ctx, personaID, turns)
}

// load 需要在持有锁时调用。尚无记录的会话以一条问候消息开始。
func (s *ConversationService) load(ctx context.Context, personaID string) ([]model.Turn, error) {
	turns, exists, err := s.repo.GetConversation(ctx, personaID)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation %s: %w", personaID, err)
	}
	if exists {
		return turns, nil
	}
	greeting := fallbackGreeting
	if s.greeter != nil {
		greeting = s.greeter(personaID)
	}
	return []model.Turn{{
		ID:        "init-" + personaID,
		Sender:    model.SenderBot,
		Text:      greeting,
		Timestamp: s.now(),
	}}, nil
}

func streamingIndex(turns []model.Turn, turnID string) (int, error) {
	for i := range turns {
		if turns[i].ID != turnID {
			continue
		}
		if !turns[i].IsStreaming {
			return -1, ErrTurnFinalized
		}
		return i, nil
	}
	return -1, ErrTurnNotFound
}
