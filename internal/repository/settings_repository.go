// Package repository 提供了数据访问层的实现。
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"telegemini-go/internal/model"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrSettingsNotFound 表示尚未保存过设置 blob。
var ErrSettingsNotFound = errors.New("settings blob not found")

// SettingsRepository 负责 persona 列表这一份设置 blob 的读写。
type SettingsRepository interface {
	Load(ctx context.Context) ([]model.Persona, error)
	Save(ctx context.Context, personas []model.Persona) error
}

func decodePersonas(blob string) ([]model.Persona, error) {
	var personas []model.Persona
	if err := json.Unmarshal([]byte(blob), &personas); err != nil {
		return nil, fmt.Errorf("failed to unmarshal personas: %w", err)
	}
	return personas, nil
}

func encodePersonas(personas []model.Persona) (string, error) {
	if personas == nil {
		personas = []model.Persona{}
	}
	b, err := json.Marshal(personas)
	if err != nil {
		return "", fmt.Errorf("failed to marshal personas: %w", err)
	}
	return string(b), nil
}

type gormSettingsRepository struct {
	db  *gorm.DB
	key string
}

// NewGormSettingsRepository 创建一个把 blob 存放在 settings 表中的 SettingsRepository。
func NewGormSettingsRepository(db *gorm.DB, key string) SettingsRepository {
	return &gormSettingsRepository{db: db, key: key}
}

// Load 读取并解析设置 blob。
func (r *gormSettingsRepository) Load(ctx context.Context) ([]model.Persona, error) {
	var row model.Setting
	err := r.db.WithContext(ctx).Where(&model.Setting{Key: r.key}).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSettingsNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}
	return decodePersonas(row.Value)
}

// Save 以 upsert 方式整体覆盖设置 blob。
func (r *gormSettingsRepository) Save(ctx context.Context, personas []model.Persona) error {
	blob, err := encodePersonas(personas)
	if err != nil {
		return err
	}
	row := model.Setting{Key: r.key, Value: blob}
	err = r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	return nil
}

type redisSettingsRepository struct {
	redisClient *redis.Client
	key         string
}

// NewRedisSettingsRepository 创建一个把 blob 存放在单个 Redis key 中的 SettingsRepository。
func NewRedisSettingsRepository(redisClient *redis.Client, key string) SettingsRepository {
	return &redisSettingsRepository{redisClient: redisClient, key: key}
}

// Load 从 Redis 读取设置 blob。
func (r *redisSettingsRepository) Load(ctx context.Context) ([]model.Persona, error) {
	blob, err := r.redisClient.Get(ctx, r.key).Result()
	if err == redis.Nil {
		return nil, ErrSettingsNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get settings: %w", err)
	}
	return decodePersonas(blob)
}

// Save 把设置 blob 写入 Redis，不设过期时间。
func (r *redisSettingsRepository) Save(ctx context.Context, personas []model.Persona) error {
	blob, err := encodePersonas(personas)
	if err != nil {
		return err
	}
	if err := r.redisClient.Set(ctx, r.key, blob, 0).Err(); err != nil {
		return fmt.Errorf("failed to set settings: %w", err)
	}
	return nil
}
