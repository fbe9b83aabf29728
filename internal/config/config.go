// Package config 负责加载和管理应用程序的配置。
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// 全局配置变量，存储从配置文件加载的所有设置。
var Conf Config

// Config 是整个应用程序的配置结构体，与 config.yaml 文件结构对应。
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	JWT           JWTConfig           `mapstructure:"jwt"`
	Log           LogConfig           `mapstructure:"log"`
	Kafka         KafkaConfig         `mapstructure:"kafka"`
	Tika          TikaConfig          `mapstructure:"tika"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	MinIO         MinIOConfig         `mapstructure:"minio"`
	Embedding     EmbeddingConfig     `mapstructure:"embedding"`
	LLM           LLMConfig           `mapstructure:"llm"`
	RAG           RAGConfig           `mapstructure:"rag"`
	Upload        UploadConfig        `mapstructure:"upload"`
	Ingest        IngestConfig        `mapstructure:"ingest"`
	VectorIndex   VectorIndexConfig   `mapstructure:"vector_index"`
}

// ServerConfig 存储服务器相关的配置。
type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

// DatabaseConfig 存储所有数据库连接的配置。
// Driver 为 mysql 或 sqlite，sqlite 用于本地运行。
type DatabaseConfig struct {
	Driver string       `mapstructure:"driver"`
	MySQL  MySQLConfig  `mapstructure:"mysql"`
	SQLite SQLiteConfig `mapstructure:"sqlite"`
	Redis  RedisConfig  `mapstructure:"redis"`
}

// MySQLConfig 存储 MySQL 数据库的配置。
type MySQLConfig struct {
	DSN string `mapstructure:"dsn"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// RedisConfig 存储 Redis 的配置。
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// JWTConfig 存储 JWT 相关的配置。令牌由外部认证服务签发，这里只做校验。
type JWTConfig struct {
	Secret                 string `mapstructure:"secret"`
	AccessTokenExpireHours int    `mapstructure:"access_token_expire_hours"`
}

// LogConfig 存储日志相关的配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// KafkaConfig 存储 Kafka 相关的配置。
type KafkaConfig struct {
	Brokers string `mapstructure:"brokers"`
	Topic   string `mapstructure:"topic"`
	GroupID string `mapstructure:"group_id"`
}

// TikaConfig 存储 Tika 服务器相关的配置。
type TikaConfig struct {
	ServerURL      string `mapstructure:"server_url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// ElasticsearchConfig 存储 Elasticsearch 相关的配置。
type ElasticsearchConfig struct {
	Addresses string `mapstructure:"addresses"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	IndexName string `mapstructure:"index_name"`
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
	APIKey     string `mapstructure:"api_key"`
	BaseURL    string `mapstructure:"base_url"`
	Model      string `mapstructure:"model"`
	Dimensions int    `mapstructure:"dimensions"`
	// ModelVersion 写入每个向量，留空时使用 Model。
	ModelVersion   string `mapstructure:"model_version"`
	BatchSize      int    `mapstructure:"batch_size"`
	Concurrency    int    `mapstructure:"concurrency"`
	MaxAttempts    int    `mapstructure:"max_attempts"`
	RetryBackoffMs int    `mapstructure:"retry_backoff_ms"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// Version 返回写入索引的模型版本标签。
func (c EmbeddingConfig) Version() string {
	if c.ModelVersion != "" {
		return c.ModelVersion
	}
	return c.Model
}

// LLMConfig 存储大语言模型相关的配置。
type LLMConfig struct {
	APIKey         string              `mapstructure:"api_key"`
	BaseURL        string              `mapstructure:"base_url"`
	Model          string              `mapstructure:"model"`
	MaxAttempts    int                 `mapstructure:"max_attempts"`
	RetryBackoffMs int                 `mapstructure:"retry_backoff_ms"`
	TimeoutSeconds int                 `mapstructure:"timeout_seconds"`
	Generation     LLMGenerationConfig `mapstructure:"generation"`
	Prompt         LLMPromptConfig     `mapstructure:"prompt"`
}

// LLMGenerationConfig 配置生成相关参数（可选）。
type LLMGenerationConfig struct {
	Temperature float64 `mapstructure:"temperature"`
	TopP        float64 `mapstructure:"top_p"`
	MaxTokens   int     `mapstructure:"max_tokens"`
}

// LLMPromptConfig 配置两种回答模式的系统提示与上下文包裹格式。
type LLMPromptConfig struct {
	Rules         string `mapstructure:"rules"`
	RefStart      string `mapstructure:"ref_start"`
	RefEnd        string `mapstructure:"ref_end"`
	FallbackRules string `mapstructure:"fallback_rules"`
	ApologyText   string `mapstructure:"apology_text"`
}

// RAGConfig 存储分块与检索路由参数。
type RAGConfig struct {
	ChunkSize    int `mapstructure:"chunk_size"`
	ChunkOverlap int `mapstructure:"chunk_overlap"`
	MinChunkSize int `mapstructure:"min_chunk_size"`
	DefaultTopK  int `mapstructure:"default_top_k"`
	SummaryTopK  int `mapstructure:"summary_top_k"`
	// DistanceThreshold 是余弦距离阈值，最佳距离超过该值时走 fallback。
	DistanceThreshold float64 `mapstructure:"distance_threshold"`
	ContextMargin     float64 `mapstructure:"context_margin"`
}

// UploadConfig 存储上传校验参数。
type UploadConfig struct {
	MaxSizeMB int `mapstructure:"max_size_mb"`
}

// MaxBytes 返回允许上传的最大字节数。
func (c UploadConfig) MaxBytes() int64 {
	return int64(c.MaxSizeMB) << 20
}

// IngestConfig 存储入库流程参数。
type IngestConfig struct {
	// Async 为 true 时上传只写入对象存储并投递 Kafka 任务。
	Async          bool   `mapstructure:"async"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	LockTTLSeconds int    `mapstructure:"lock_ttl_seconds"`
	SeedDir        string `mapstructure:"seed_dir"`
	SeedUserID     uint   `mapstructure:"seed_user_id"`
}

// VectorIndexConfig 选择向量索引实现：elasticsearch 或 memory。
type VectorIndexConfig struct {
	Backend string `mapstructure:"backend"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8081")
	v.SetDefault("server.mode", "release")
	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.sqlite.path", "doc-intel.db")
	v.SetDefault("jwt.access_token_expire_hours", 24)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("kafka.topic", "document-ingestion")
	v.SetDefault("kafka.group_id", "doc-intel-go-consumer")
	v.SetDefault("tika.timeout_seconds", 120)
	v.SetDefault("elasticsearch.index_name", "document_chunks")
	v.SetDefault("minio.bucket_name", "documents")
	v.SetDefault("embedding.dimensions", 1024)
	v.SetDefault("embedding.batch_size", 16)
	v.SetDefault("embedding.concurrency", 4)
	v.SetDefault("embedding.max_attempts", 2)
	v.SetDefault("embedding.retry_backoff_ms", 500)
	v.SetDefault("embedding.timeout_seconds", 30)
	v.SetDefault("llm.max_attempts", 2)
	v.SetDefault("llm.retry_backoff_ms", 1000)
	v.SetDefault("llm.timeout_seconds", 120)
	v.SetDefault("llm.prompt.ref_start", "<<REF>>")
	v.SetDefault("llm.prompt.ref_end", "<<END>>")
	v.SetDefault("llm.prompt.rules", "You answer questions about a single uploaded document. "+
		"Use only the reference passages between the markers. Mention that the answer comes from the document. "+
		"If the passages do not contain the answer, say so instead of guessing.")
	v.SetDefault("llm.prompt.fallback_rules", "The uploaded document does not contain information relevant to the question. "+
		"Start by telling the user that the document did not cover it, then answer from general knowledge.")
	v.SetDefault("llm.prompt.apology_text", "Sorry, I could not generate an answer right now. Please try again later.")
	v.SetDefault("rag.chunk_size", 1000)
	v.SetDefault("rag.chunk_overlap", 200)
	v.SetDefault("rag.min_chunk_size", 400)
	v.SetDefault("rag.default_top_k", 5)
	v.SetDefault("rag.summary_top_k", 15)
	v.SetDefault("rag.distance_threshold", 1.63)
	v.SetDefault("rag.context_margin", 0.1)
	v.SetDefault("upload.max_size_mb", 10)
	v.SetDefault("ingest.timeout_seconds", 600)
	v.SetDefault("ingest.lock_ttl_seconds", 900)
	v.SetDefault("vector_index.backend", "elasticsearch")
}

// Load 读取 YAML 配置文件，叠加默认值与 DOCINTEL_ 前缀的环境变量，并做合法性校验。
func Load(configPath string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("DOCINTEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.ReadInConfig(); err != nil {
		return cfg, fmt.Errorf("读取配置文件失败: %w", err)
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("无法将配置解析到结构体中: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate 检查相互依赖的配置项。
func (c Config) Validate() error {
	var errs []error
	if c.RAG.ChunkSize <= 0 {
		errs = append(errs, errors.New("rag.chunk_size must be positive"))
	}
	if c.RAG.ChunkOverlap < 0 || c.RAG.ChunkOverlap >= c.RAG.ChunkSize {
		errs = append(errs, errors.New("rag.chunk_overlap must be in [0, chunk_size)"))
	}
	if c.RAG.MinChunkSize < 0 || c.RAG.MinChunkSize > c.RAG.ChunkSize {
		errs = append(errs, errors.New("rag.min_chunk_size must be in [0, chunk_size]"))
	}
	if c.RAG.DefaultTopK <= 0 || c.RAG.SummaryTopK <= 0 {
		errs = append(errs, errors.New("rag top_k values must be positive"))
	}
	if c.RAG.DistanceThreshold <= 0 || c.RAG.DistanceThreshold > 2 {
		errs = append(errs, errors.New("rag.distance_threshold must be in (0, 2]"))
	}
	if c.RAG.ContextMargin < 0 {
		errs = append(errs, errors.New("rag.context_margin must not be negative"))
	}
	if c.Upload.MaxSizeMB <= 0 {
		errs = append(errs, errors.New("upload.max_size_mb must be positive"))
	}
	switch c.Database.Driver {
	case "mysql", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("unsupported database.driver %q", c.Database.Driver))
	}
	switch c.VectorIndex.Backend {
	case "elasticsearch", "memory":
	default:
		errs = append(errs, fmt.Errorf("unsupported vector_index.backend %q", c.VectorIndex.Backend))
	}
	return errors.Join(errs...)
}

// Init 初始化配置加载，从指定的路径读取 YAML 文件并解析到 Conf 变量中。
func Init(configPath string) {
	cfg, err := Load(configPath)
	if err != nil {
		panic(err)
	}
	Conf = cfg
}
