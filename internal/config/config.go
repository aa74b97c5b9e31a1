// Package config 负责加载和管理应用程序的配置。
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/spf13/viper"
)

// 全局配置变量，存储从配置文件加载的所有设置。
var Conf Config

// Config 是整个应用程序的配置结构体，与 config.yaml 文件结构对应。
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Log           LogConfig           `mapstructure:"log"`
	Gemini        GeminiConfig        `mapstructure:"gemini"`
	Settings      SettingsConfig      `mapstructure:"settings"`
	Conversation  ConversationConfig  `mapstructure:"conversation"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Kafka         KafkaConfig         `mapstructure:"kafka"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	MinIO         MinIOConfig         `mapstructure:"minio"`
}

// ServerConfig 存储服务器相关的配置。
type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

// LogConfig 存储日志相关的配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// GeminiConfig 存储 Gemini 服务的凭证与模型配置。
type GeminiConfig struct {
	APIKey       string `mapstructure:"api_key"`
	ChatModel    string `mapstructure:"chat_model"`
	ImageModel   string `mapstructure:"image_model"`
	PersonaModel string `mapstructure:"persona_model"`
	// GoogleSearch 打开后，对话请求会附带 Google Search grounding 工具，响应中可能带有引用来源。
	GoogleSearch  bool          `mapstructure:"google_search"`
	FallbackDelay time.Duration `mapstructure:"fallback_delay"`
}

// SettingsConfig 决定 persona 列表这一份设置 blob 存放在哪里。
type SettingsConfig struct {
	Driver string `mapstructure:"driver"` // sqlite | mysql | redis
	Key    string `mapstructure:"key"`
}

// ConversationConfig 决定会话记录存放在哪里。
type ConversationConfig struct {
	Driver string        `mapstructure:"driver"` // memory | redis
	TTL    time.Duration `mapstructure:"ttl"`
}

// DatabaseConfig 存储所有数据库连接的配置。
type DatabaseConfig struct {
	SQLite SQLiteConfig `mapstructure:"sqlite"`
	MySQL  MySQLConfig  `mapstructure:"mysql"`
	Redis  RedisConfig  `mapstructure:"redis"`
}

// SQLiteConfig 存储本地 SQLite 数据库文件的位置。
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// MySQLConfig 存储 MySQL 数据库的配置。
type MySQLConfig struct {
	DSN string `mapstructure:"dsn"`
}

// RedisConfig 存储 Redis 的配置。Addr 为空表示不使用 Redis。
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// KafkaConfig 存储 Kafka 相关的配置。
type KafkaConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Brokers string `mapstructure:"brokers"`
	Topic   string `mapstructure:"topic"`
	GroupID string `mapstructure:"group_id"`
}

// ElasticsearchConfig 存储 Elasticsearch 相关的配置。
type ElasticsearchConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Addresses string `mapstructure:"addresses"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	IndexName string `mapstructure:"index_name"`
}

// MinIOConfig 存储 MinIO 对象存储的配置。
type MinIOConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	BucketName      string `mapstructure:"bucket_name"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.mode", "release")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output_path", "")

	v.SetDefault("gemini.api_key", "")
	v.SetDefault("gemini.chat_model", "gemini-2.5-flash")
	v.SetDefault("gemini.image_model", "gemini-2.5-flash-image")
	v.SetDefault("gemini.persona_model", "gemini-2.5-flash")
	v.SetDefault("gemini.google_search", false)
	v.SetDefault("gemini.fallback_delay", "1s")

	v.SetDefault("settings.driver", "sqlite")
	v.SetDefault("settings.key", "telegemini_contacts")

	v.SetDefault("conversation.driver", "memory")
	v.SetDefault("conversation.ttl", "168h")

	v.SetDefault("database.sqlite.path", "./data/telegemini.db")
	v.SetDefault("database.redis.db", 0)

	v.SetDefault("kafka.topic", "telegemini-transcripts")
	v.SetDefault("kafka.group_id", "telegemini-transcript-indexer")

	v.SetDefault("elasticsearch.index_name", "telegemini_transcripts")

	v.SetDefault("minio.bucket_name", "telegemini-images")
}

// Load 从指定路径读取 YAML 配置；文件不存在时只使用默认值。
// 凭证可以通过环境变量 API_KEY 或 GEMINI_API_KEY 覆盖。
func Load(configPath string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	if err := v.BindEnv("gemini.api_key", "API_KEY", "GEMINI_API_KEY"); err != nil {
		return Config{}, fmt.Errorf("绑定环境变量失败: %w", err)
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return Config{}, fmt.Errorf("读取配置文件失败: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("无法将配置解析到结构体中: %w", err)
	}
	return cfg, nil
}

// Init 初始化配置加载，从指定的路径读取 YAML 文件并解析到 Conf 变量中。
func Init(configPath string) {
	cfg, err := Load(configPath)
	if err != nil {
		panic(err)
	}
	Conf = cfg
}
