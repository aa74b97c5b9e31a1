// Package repository 提供了数据访问层的实现。
package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"telegemini-go/internal/model"

	"github.com/go-redis/redis/v8"
)

// ConversationRepository 定义了按 persona 存取会话记录的操作接口。
// 返回 exists=false 表示该 persona 还没有会话记录。
type ConversationRepository interface {
	GetConversation(ctx context.Context, personaID string) (turns []model.Turn, exists bool, err error)
	SaveConversation(ctx context.Context, personaID string, turns []model.Turn) error
}

type memoryConversationRepository struct {
	mu    sync.RWMutex
	convs map[string][]model.Turn
}

// NewMemoryConversationRepository 创建一个只在进程生命周期内保存会话的仓库。
func NewMemoryConversationRepository() ConversationRepository {
	return &memoryConversationRepository{convs: make(map[string][]model.Turn)}
}

func (r *memoryConversationRepository) GetConversation(_ context.Context, personaID string) ([]model.Turn, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	turns, ok := r.convs[personaID]
	if !ok {
		return nil, false, nil
	}
	return model.CloneTurns(turns), true, nil
}

func (r *memoryConversationRepository) SaveConversation(_ context.Context, personaID string, turns []model.Turn) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.convs[personaID] = model.CloneTurns(turns)
	return nil
}

type redisConversationRepository struct {
	redisClient *redis.Client
	ttl         time.Duration
}

// NewRedisConversationRepository 创建一个新的基于 Redis 的 ConversationRepository 实例。
func NewRedisConversationRepository(redisClient *redis.Client, ttl time.Duration) ConversationRepository {
	return &redisConversationRepository{redisClient: redisClient, ttl: ttl}
}

func conversationKey(personaID string) string {
	return fmt.Sprintf("conversation:%s", personaID)
}

// GetConversation 从 Redis 获取对话历史记录。
func (r *redisConversationRepository) GetConversation(ctx context.Context, personaID string) ([]model.Turn, bool, error) {
	jsonData, err := r.redisClient.Get(ctx, conversationKey(personaID)).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get conversation history: %w", err)
	}
	var turns []model.Turn
	if err := json.Unmarshal([]byte(jsonData), &turns); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal conversation history: %w", err)
	}
	return turns, true, nil
}

// SaveConversation 在 Redis 中整体覆盖对话历史记录。
func (r *redisConversationRepository) SaveConversation(ctx context.Context, personaID string, turns []model.Turn) error {
	jsonData, err := json.Marshal(turns)
	if err != nil {
		return fmt.Errorf("failed to marshal conversation history: %w", err)
	}
	if err := r.redisClient.Set(ctx, conversationKey(personaID), jsonData, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set conversation history: %w", err)
	}
	return nil
}
