package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"telegemini-go/internal/config"
	"telegemini-go/internal/pipeline"
	"telegemini-go/internal/repository"
	"telegemini-go/internal/service"
	"telegemini-go/pkg/database"
	"telegemini-go/pkg/es"
	"telegemini-go/pkg/kafka"
	"telegemini-go/pkg/llm"
	"telegemini-go/pkg/log"
	"telegemini-go/pkg/storage"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "启动 HTTP / WebSocket 服务",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func runServe(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}

	// 1. 初始化配置
	config.Init(configPath)
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync() // 确保在程序退出时刷新所有缓冲的日志条目
	log.Info("日志记录器初始化成功")

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. 初始化数据库和 Redis。转写分块总是落在 SQL 库里，settings 用 redis 时 SQL 库退回 sqlite。
	sqlDriver := cfg.Settings.Driver
	if sqlDriver != "mysql" {
		sqlDriver = "sqlite"
	}
	database.InitDB(sqlDriver, cfg.Database)
	if cfg.Database.Redis.Addr != "" {
		database.InitRedis(cfg.Database.Redis)
	}
	if cfg.Elasticsearch.Enabled {
		if err := es.InitES(cfg.Elasticsearch); err != nil {
			log.Errorf("es 初始化失败 %s", err)
			return err
		}
	}
	if cfg.MinIO.Enabled {
		storage.InitMinIO(cfg.MinIO)
	}

	// 4. 初始化 Repository
	settingsRepo, err := newSettingsRepository(cfg)
	if err != nil {
		return err
	}
	conversationRepo, err := newConversationRepository(cfg)
	if err != nil {
		return err
	}
	transcriptRepo := repository.NewTranscriptRepository(database.DB)

	// 5. 初始化 Service (依赖注入)
	llmClient := llm.NewClient(ctx, cfg.Gemini)
	personaService := service.NewPersonaService(ctx, settingsRepo)
	conversationService := service.NewConversationService(conversationRepo, personaService.Greeting)
	generator := service.NewPersonaGenerator(llmClient, cfg.Gemini.FallbackDelay)
	orchestrator := service.NewOrchestrator(llmClient)

	// 启用 MinIO 时图片另存到对象存储，搜索结果附带限时链接
	var (
		archiver service.MediaArchiver
		linker   service.ImageLinker
	)
	if cfg.MinIO.Enabled {
		imageArchiver := storage.NewImageArchiver(storage.MinioClient, cfg.MinIO.BucketName)
		archiver, linker = imageArchiver, imageArchiver
	}
	searchService := service.NewSearchService(es.ESClient, cfg.Elasticsearch.IndexName, transcriptRepo, linker)

	// 6. 初始化转写处理管道 (Processor)
	processor := pipeline.NewProcessor(cfg.Elasticsearch, transcriptRepo)

	g, gctx := errgroup.WithContext(ctx)

	// 7. 选择转写投递方式：启用 Kafka 时异步投递并启动后台消费者，否则同步处理
	var sink service.TranscriptSink = processor
	var publisher *kafka.Publisher
	if cfg.Kafka.Enabled {
		publisher = kafka.NewPublisher(cfg.Kafka)
		sink = publisher
		g.Go(func() error {
			return kafka.StartConsumer(gctx, cfg.Kafka, processor)
		})
	}

	chatService := service.NewChatService(personaService, conversationService, orchestrator, sink, archiver)

	// 8. 设置 Gin 模式并创建路由引擎
	gin.SetMode(cfg.Server.Mode)
	r := newRouter(personaService, conversationService, generator, chatService, searchService)

	// 9. 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}

	g.Go(func() error {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP 服务监听失败: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("接收到停机信号，正在关闭服务...")

		// 设置一个5秒的超时上下文
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Errorf("HTTP 服务器关闭失败: %v", err)
		}

		// 停掉仍在进行的回复，等它们把部分内容落盘
		chatService.Close()
		if publisher != nil {
			if err := publisher.Close(); err != nil {
				log.Errorf("关闭 Kafka 生产者失败: %v", err)
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error("服务异常退出", err)
		return err
	}
	log.Info("服务已优雅关闭")
	return nil
}

func newSettingsRepository(cfg config.Config) (repository.SettingsRepository, error) {
	switch cfg.Settings.Driver {
	case "redis":
		if database.RDB == nil {
			return nil, fmt.Errorf("settings.driver=redis 需要配置 database.redis.addr")
		}
		return repository.NewRedisSettingsRepository(database.RDB, cfg.Settings.Key), nil
	case "sqlite", "mysql", "":
		return repository.NewGormSettingsRepository(database.DB, cfg.Settings.Key), nil
	default:
		return nil, fmt.Errorf("不支持的 settings.driver: %s", cfg.Settings.Driver)
	}
}

func newConversationRepository(cfg config.Config) (repository.ConversationRepository, error) {
	switch cfg.Conversation.Driver {
	case "redis":
		if database.RDB == nil {
			return nil, fmt.Errorf("conversation.driver=redis 需要配置 database.redis.addr")
		}
		return repository.NewRedisConversationRepository(database.RDB, cfg.Conversation.TTL), nil
	case "memory", "":
		return repository.NewMemoryConversationRepository(), nil
	default:
		return nil, fmt.Errorf("不支持的 conversation.driver: %s", cfg.Conversation.Driver)
	}
}
