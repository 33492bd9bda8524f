// Package config 负责加载和管理应用程序的配置。
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 是整个应用程序的配置结构体，与 config.yaml 文件结构对应。
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	JWT           JWTConfig           `mapstructure:"jwt"`
	Auth          AuthConfig          `mapstructure:"auth"`
	Log           LogConfig           `mapstructure:"log"`
	Kafka         KafkaConfig         `mapstructure:"kafka"`
	Tika          TikaConfig          `mapstructure:"tika"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	Postgres      PostgresConfig      `mapstructure:"postgres"`
	Chromem       ChromemConfig       `mapstructure:"chromem"`
	MinIO         MinIOConfig         `mapstructure:"minio"`
	Embedding     EmbeddingConfig     `mapstructure:"embedding"`
	LLM           LLMConfig           `mapstructure:"llm"`
	VectorStore   VectorStoreConfig   `mapstructure:"vector_store"`
	Chunking      ChunkingConfig      `mapstructure:"chunking"`
	Pipeline      PipelineConfig      `mapstructure:"pipeline"`
}

// ServerConfig 存储服务器相关的配置。
type ServerConfig struct {
	Port        string `mapstructure:"port"`
	Mode        string `mapstructure:"mode"`
	MaxUploadMB int64  `mapstructure:"max_upload_mb"`
	SeedDir     string `mapstructure:"seed_dir"`
}

// DatabaseConfig 存储所有数据库连接的配置。
type DatabaseConfig struct {
	MySQL MySQLConfig `mapstructure:"mysql"`
	Redis RedisConfig `mapstructure:"redis"`
}

// MySQLConfig 存储 MySQL 数据库的配置，DSN 为空时不启用文档登记表。
type MySQLConfig struct {
	DSN string `mapstructure:"dsn"`
}

// RedisConfig 存储 Redis 的配置，Addr 为空时不启用会话记忆和消费重试计数。
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// JWTConfig 存储 JWT 相关的配置。
type JWTConfig struct {
	Secret                 string `mapstructure:"secret"`
	AccessTokenExpireHours int    `mapstructure:"access_token_expire_hours"`
}

// AuthConfig 控制 API 是否需要鉴权。
type AuthConfig struct {
	Enabled bool           `mapstructure:"enabled"`
	APIKeys []APIKeyConfig `mapstructure:"api_keys"`
}

// APIKeyConfig 是一个可以换取 JWT 的 API Key，只保存 bcrypt 哈希。
type APIKeyConfig struct {
	Name string `mapstructure:"name"`
	Hash string `mapstructure:"hash"`
}

// LogConfig 存储日志相关的配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// KafkaConfig 存储 Kafka 相关的配置，Brokers 为空时异步导入不可用。
type KafkaConfig struct {
	Brokers     string `mapstructure:"brokers"`
	Topic       string `mapstructure:"topic"`
	GroupID     string `mapstructure:"group_id"`
	MaxAttempts int64  `mapstructure:"max_attempts"`
}

// TikaConfig 存储 Tika 服务器相关的配置，用于 doc/ppt/xls 等旧格式。
type TikaConfig struct {
	ServerURL string `mapstructure:"server_url"`
}

// ElasticsearchConfig 存储 Elasticsearch 相关的配置。
type ElasticsearchConfig struct {
	Addresses string `mapstructure:"addresses"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
}

// PostgresConfig 存储 pgvector 后端的配置。
type PostgresConfig struct {
	URL string `mapstructure:"url"`
}

// ChromemConfig 存储 chromem-go 嵌入式向量库的配置，Path 为空时只保存在内存中。
type ChromemConfig struct {
	Path     string `mapstructure:"path"`
	Compress bool   `mapstructure:"compress"`
}

// MinIOConfig 存储 MinIO 对象存储的配置。
type MinIOConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	BucketName      string `mapstructure:"bucket_name"`
}

// EmbeddingConfig 存储 Embedding 模型相关的配置。
type EmbeddingConfig struct {
	Provider     string        `mapstructure:"provider"` // openai | ollama
	APIKey       string        `mapstructure:"api_key"`
	BaseURL      string        `mapstructure:"base_url"`
	Model        string        `mapstructure:"model"`
	Dimensions   int           `mapstructure:"dimensions"`
	RateLimit    float64       `mapstructure:"rate_limit"` // 每秒请求数，0 表示不限速
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// LLMConfig 存储大语言模型相关的配置。
type LLMConfig struct {
	Provider      string              `mapstructure:"provider"` // openai | ollama
	APIKey        string              `mapstructure:"api_key"`
	BaseURL       string              `mapstructure:"base_url"`
	Model         string              `mapstructure:"model"`
	HistoryWindow int                 `mapstructure:"history_window"`
	Generation    LLMGenerationConfig `mapstructure:"generation"`
	Prompt        LLMPromptConfig     `mapstructure:"prompt"`
}

// LLMGenerationConfig 配置生成相关参数（可选）。
type LLMGenerationConfig struct {
	Temperature float64 `mapstructure:"temperature"`
	TopP        float64 `mapstructure:"top_p"`
	MaxTokens   int     `mapstructure:"max_tokens"`
}

// LLMPromptConfig 配置系统提示与上下文包裹格式（可选）。
type LLMPromptConfig struct {
	Rules        string `mapstructure:"rules"`
	RefStart     string `mapstructure:"ref_start"`
	RefEnd       string `mapstructure:"ref_end"`
	NoResultText string `mapstructure:"no_result_text"`
}

// VectorStoreConfig 选择向量索引后端。
type VectorStoreConfig struct {
	Provider  string `mapstructure:"provider"` // memory | elasticsearch | pgvector | chromem
	IndexName string `mapstructure:"index_name"`
	Metric    string `mapstructure:"metric"` // cosine | dot_product | euclidean
}

// ChunkingConfig 存储分块参数，单位是字符。
type ChunkingConfig struct {
	Size    int `mapstructure:"size"`
	Overlap int `mapstructure:"overlap"`
}

// PipelineConfig 存储导入流水线的并发参数。
type PipelineConfig struct {
	Workers int `mapstructure:"workers"`
	SearchK int `mapstructure:"search_k"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8081")
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.max_upload_mb", 50)
	v.SetDefault("server.seed_dir", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output_path", "")
	v.SetDefault("database.mysql.dsn", "")
	v.SetDefault("database.redis.addr", "")
	v.SetDefault("database.redis.password", "")
	v.SetDefault("database.redis.db", 0)
	v.SetDefault("jwt.secret", "")
	v.SetDefault("jwt.access_token_expire_hours", 24)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("kafka.brokers", "")
	v.SetDefault("kafka.topic", "document-ingest")
	v.SetDefault("kafka.group_id", "docuvector-ingest")
	v.SetDefault("kafka.max_attempts", 3)
	v.SetDefault("tika.server_url", "")
	v.SetDefault("elasticsearch.addresses", "http://localhost:9200")
	v.SetDefault("elasticsearch.username", "")
	v.SetDefault("elasticsearch.password", "")
	v.SetDefault("postgres.url", "")
	v.SetDefault("chromem.path", "")
	v.SetDefault("chromem.compress", false)
	v.SetDefault("minio.endpoint", "")
	v.SetDefault("minio.access_key_id", "")
	v.SetDefault("minio.secret_access_key", "")
	v.SetDefault("minio.use_ssl", false)
	v.SetDefault("minio.bucket_name", "documents")
	v.SetDefault("embedding.provider", "openai")
	v.SetDefault("embedding.api_key", "")
	v.SetDefault("embedding.base_url", "https://api.openai.com/v1")
	v.SetDefault("embedding.model", "text-embedding-3-small")
	v.SetDefault("embedding.dimensions", 1536)
	v.SetDefault("embedding.rate_limit", 0)
	v.SetDefault("embedding.max_retries", 3)
	v.SetDefault("embedding.retry_backoff", "500ms")
	v.SetDefault("embedding.timeout", "30s")
	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.history_window", 5)
	v.SetDefault("llm.generation.temperature", 0.3)
	v.SetDefault("llm.generation.top_p", 0.9)
	v.SetDefault("llm.generation.max_tokens", 1024)
	v.SetDefault("llm.prompt.rules", "")
	v.SetDefault("llm.prompt.ref_start", "<<REF>>")
	v.SetDefault("llm.prompt.ref_end", "<<END>>")
	v.SetDefault("llm.prompt.no_result_text", "（本轮无检索结果）")
	v.SetDefault("vector_store.provider", "memory")
	v.SetDefault("vector_store.index_name", "document-embeddings")
	v.SetDefault("vector_store.metric", "cosine")
	v.SetDefault("chunking.size", 1000)
	v.SetDefault("chunking.overlap", 200)
	v.SetDefault("pipeline.workers", 4)
	v.SetDefault("pipeline.search_k", 5)
}

// Load 从指定路径读取 YAML 配置，并合并 DOCUVECTOR_ 前缀的环境变量。
// path 为空时只使用默认值和环境变量。
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("DOCUVECTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("无法将配置解析到结构体中: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ValidationError 描述一个非法的配置项。
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate 检查配置的一致性，返回所有问题合并后的错误。
func (c *Config) Validate() error {
	var problems []error
	add := func(field, msg string) {
		problems = append(problems, ValidationError{Field: field, Message: msg})
	}

	if c.Chunking.Size <= 0 {
		add("chunking.size", "must be positive")
	}
	if c.Chunking.Overlap < 0 || c.Chunking.Overlap >= c.Chunking.Size {
		add("chunking.overlap", "must satisfy 0 <= overlap < size")
	}
	if c.Embedding.Dimensions <= 0 {
		add("embedding.dimensions", "must be positive")
	}
	switch c.Embedding.Provider {
	case "openai":
		if c.Embedding.BaseURL == "" {
			add("embedding.base_url", "is required for the openai provider")
		}
	case "ollama":
	default:
		add("embedding.provider", fmt.Sprintf("unknown provider %q", c.Embedding.Provider))
	}
	switch c.LLM.Provider {
	case "openai", "ollama":
	default:
		add("llm.provider", fmt.Sprintf("unknown provider %q", c.LLM.Provider))
	}
	switch c.VectorStore.Provider {
	case "memory", "chromem":
	case "elasticsearch":
		if c.Elasticsearch.Addresses == "" {
			add("elasticsearch.addresses", "is required for the elasticsearch provider")
		}
	case "pgvector":
		if c.Postgres.URL == "" {
			add("postgres.url", "is required for the pgvector provider")
		}
	default:
		add("vector_store.provider", fmt.Sprintf("unknown provider %q", c.VectorStore.Provider))
	}
	switch c.VectorStore.Metric {
	case "cosine", "dot_product", "euclidean":
	default:
		add("vector_store.metric", fmt.Sprintf("unknown metric %q", c.VectorStore.Metric))
	}
	if c.VectorStore.Provider == "chromem" && c.VectorStore.Metric != "cosine" {
		add("vector_store.metric", "chromem only supports cosine")
	}
	if c.VectorStore.IndexName == "" {
		add("vector_store.index_name", "is required")
	}
	if c.Pipeline.Workers < 1 {
		add("pipeline.workers", "must be at least 1")
	}
	if c.Pipeline.SearchK < 1 {
		add("pipeline.search_k", "must be at least 1")
	}
	if c.Auth.Enabled {
		if c.JWT.Secret == "" {
			add("jwt.secret", "is required when auth is enabled")
		}
		if len(c.Auth.APIKeys) == 0 {
			add("auth.api_keys", "at least one key is required when auth is enabled")
		}
	}
	if c.Kafka.Brokers != "" && c.MinIO.Endpoint == "" {
		add("minio.endpoint", "is required when kafka is enabled")
	}

	return errors.Join(problems...)
}

// KafkaBrokers 拆分逗号分隔的 broker 列表。
func (c KafkaConfig) KafkaBrokers() []string {
	return splitList(c.Brokers)
}

// AddressList 拆分逗号分隔的 Elasticsearch 地址。
func (c ElasticsearchConfig) AddressList() []string {
	return splitList(c.Addresses)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
