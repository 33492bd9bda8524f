// Package app 根据配置组装服务的全部依赖，供 HTTP 服务和命令行工具共用。
package app

import (
	"context"
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"

	"docuvector-go/internal/chunker"
	"docuvector-go/internal/config"
	"docuvector-go/internal/handler"
	"docuvector-go/internal/loader"
	"docuvector-go/internal/pipeline"
	"docuvector-go/internal/repository"
	"docuvector-go/internal/service"
	"docuvector-go/pkg/database"
	"docuvector-go/pkg/embedding"
	"docuvector-go/pkg/errs"
	"docuvector-go/pkg/es"
	"docuvector-go/pkg/kafka"
	"docuvector-go/pkg/llm"
	"docuvector-go/pkg/log"
	"docuvector-go/pkg/storage"
	"docuvector-go/pkg/tika"
	"docuvector-go/pkg/token"
	"docuvector-go/pkg/vectorstore"
	"docuvector-go/pkg/vectorstore/chromemstore"
	"docuvector-go/pkg/vectorstore/memstore"
	"docuvector-go/pkg/vectorstore/pgstore"
)

// App 持有装配好的服务。
type App struct {
	Config        *config.Config
	Pipeline      *pipeline.Pipeline
	Documents     service.DocumentService
	Search        service.SearchService
	Chat          service.ChatService
	Conversations service.ConversationService
	// Consumer 仅在配置了 Kafka 时非空
	Consumer *kafka.Consumer
	// JWT 和 Keys 仅在开启鉴权时非空
	JWT  *token.JWTManager
	Keys *token.KeyStore

	closers []func() error
}

// Option 调整装配过程。
type Option func(*options)

type options struct {
	embedder embedding.Embedder
	index    vectorstore.Index
	llm      llm.Client
}

// WithEmbedder 替换按配置创建的 Embedder，主要用于测试。
func WithEmbedder(e embedding.Embedder) Option { return func(o *options) { o.embedder = e } }

// WithIndex 替换按配置创建的向量索引。
func WithIndex(idx vectorstore.Index) Option { return func(o *options) { o.index = idx } }

// WithLLM 替换按配置创建的 LLM 客户端。
func WithLLM(c llm.Client) Option { return func(o *options) { o.llm = c } }

func (a *App) onClose(fn func() error) { a.closers = append(a.closers, fn) }

// New 按配置连接所有后端并创建服务。失败时已经打开的连接会被关闭。
func New(ctx context.Context, cfg *config.Config, opts ...Option) (_ *App, err error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	a := &App{Config: cfg}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	// 1. 文档登记表
	docRepo := repository.NewMemoryDocumentRepository()
	if cfg.Database.MySQL.DSN != "" {
		db, err := database.NewMySQL(cfg.Database.MySQL.DSN)
		if err != nil {
			return nil, err
		}
		if sqlDB, err := db.DB(); err == nil {
			a.onClose(sqlDB.Close)
		}
		docRepo = repository.NewDocumentRepository(db)
		log.Info("文档登记表使用 MySQL")
	}

	// 2. Redis：会话记忆和消费重试计数
	var rdb *redis.Client
	historyMessages := cfg.LLM.HistoryWindow * 2
	convRepo := repository.NewMemoryConversationRepository(historyMessages)
	if cfg.Database.Redis.Addr != "" {
		rdb, err = database.NewRedis(ctx, cfg.Database.Redis)
		if err != nil {
			return nil, err
		}
		a.onClose(rdb.Close)
		convRepo = repository.NewConversationRepository(rdb, historyMessages)
	}

	// 3. 流水线
	embedder := o.embedder
	if embedder == nil {
		if embedder, err = embedding.New(cfg.Embedding); err != nil {
			return nil, err
		}
	}
	index := o.index
	if index == nil {
		if index, err = newIndex(ctx, cfg); err != nil {
			return nil, err
		}
	}
	a.onClose(index.Close)

	var loaderOpts []loader.Option
	if tc := tika.NewClient(cfg.Tika, nil); tc != nil {
		loaderOpts = append(loaderOpts, loader.WithTika(tc))
	}
	splitter, err := chunker.New(chunker.WithChunkSize(cfg.Chunking.Size), chunker.WithOverlap(cfg.Chunking.Overlap))
	if err != nil {
		return nil, err
	}
	a.Pipeline, err = pipeline.New(pipeline.Deps{
		Loaders:  loader.NewRegistry(loaderOpts...),
		Chunker:  splitter,
		Embedder: embedder,
		Index:    index,
	}, pipeline.WithWorkers(cfg.Pipeline.Workers), pipeline.WithRecorder(service.NewStageRecorder(docRepo)))
	if err != nil {
		return nil, err
	}
	metric, err := vectorstore.ParseMetric(cfg.VectorStore.Metric)
	if err != nil {
		return nil, err
	}
	if err := a.Pipeline.EnsureIndex(ctx, cfg.VectorStore.IndexName, metric); err != nil {
		return nil, err
	}

	// 4. 对象存储和异步导入
	docOpts := []service.DocumentServiceOption{service.WithMaxUploadBytes(cfg.Server.MaxUploadMB << 20)}
	if cfg.MinIO.Endpoint != "" {
		store, err := storage.NewMinIO(ctx, cfg.MinIO)
		if err != nil {
			return nil, err
		}
		docOpts = append(docOpts, service.WithObjectStore(store))
	}
	if cfg.Kafka.Brokers != "" {
		producer := kafka.NewProducer(cfg.Kafka)
		a.onClose(producer.Close)
		docOpts = append(docOpts, service.WithPublisher(producer))
	}
	a.Documents = service.NewDocumentService(a.Pipeline, docRepo, docOpts...)
	if cfg.Kafka.Brokers != "" {
		var attempts kafka.AttemptCounter
		if rdb != nil {
			attempts = kafka.NewRedisAttemptCounter(rdb)
		}
		a.Consumer = kafka.NewConsumer(cfg.Kafka, a.Documents, attempts)
	}

	// 5. 检索与问答
	llmClient := o.llm
	if llmClient == nil {
		if llmClient, err = llm.NewClient(cfg.LLM); err != nil {
			return nil, err
		}
	}
	a.Search = service.NewSearchService(a.Pipeline, cfg.Pipeline.SearchK)
	a.Chat = service.NewChatService(a.Search, llmClient, convRepo, cfg.LLM.Prompt)
	a.Conversations = service.NewConversationService(convRepo)

	// 6. 鉴权
	if cfg.Auth.Enabled {
		a.JWT = token.NewJWTManager(cfg.JWT.Secret, cfg.JWT.AccessTokenExpireHours)
		a.Keys = token.NewKeyStore(cfg.Auth.APIKeys)
	}

	log.Infof("服务装配完成, vector_store=%s, index=%s, metric=%s", cfg.VectorStore.Provider, cfg.VectorStore.IndexName, metric)
	return a, nil
}

// newIndex 按 vector_store.provider 创建向量索引。
func newIndex(ctx context.Context, cfg *config.Config) (vectorstore.Index, error) {
	switch cfg.VectorStore.Provider {
	case "", "memory":
		return memstore.New(), nil
	case "elasticsearch":
		client, err := es.NewClient(cfg.Elasticsearch)
		if err != nil {
			return nil, err
		}
		return es.NewStore(client), nil
	case "pgvector":
		return pgstore.New(ctx, cfg.Postgres.URL)
	case "chromem":
		return chromemstore.New(cfg.Chromem.Path, cfg.Chromem.Compress)
	default:
		return nil, errs.Errorf(errs.Configuration, "app.new_index", "unknown vector store provider %q", cfg.VectorStore.Provider)
	}
}

// Router 创建 HTTP 路由。
func (a *App) Router() *gin.Engine {
	h := handler.Handlers{
		Document:     handler.NewDocumentHandler(a.Documents),
		Search:       handler.NewSearchHandler(a.Search),
		Chat:         handler.NewChatHandler(a.Chat),
		Conversation: handler.NewConversationHandler(a.Conversations),
	}
	if a.JWT != nil {
		h.Auth = handler.NewAuthHandler(a.Keys, a.JWT)
	}
	return handler.NewRouter(h, a.JWT)
}

// Close 按打开的逆序关闭所有连接。
func (a *App) Close() error {
	var errList []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errList = append(errList, err)
		}
	}
	a.closers = nil
	return errors.Join(errList...)
}
