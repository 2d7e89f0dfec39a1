package config

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	SQLite    SQLiteConfig
	Vector    VectorConfig
	Embedding EmbeddingConfig
	Redis     RedisConfig
	Jobs      JobsConfig
	Worker    WorkerConfig
	Documents DocumentsConfig
	Retrieval RetrievalConfig
	RateLimit RateLimitConfig
	Logging   LoggingConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  int
	WriteTimeout int
	BodyLimit    int

	// AllowedOrigins feeds both CORS and the connect-src policy.
	AllowedOrigins []string
	Development    bool
}

type SQLiteConfig struct {
	Path string
}

// VectorConfig selects and configures the chunk index. Backend is one of
// "local", "milvus" or "pgvector".
type VectorConfig struct {
	Backend          string
	CollectionPrefix string
	Local            LocalVectorConfig
	Milvus           MilvusConfig
	Postgres         PostgresConfig
}

type LocalVectorConfig struct {
	Dir string
}

type MilvusConfig struct {
	Endpoint string
	APIKey   string
	NList    int
	NProbe   int
}

type PostgresConfig struct {
	URL      string
	MaxConns int
}

type EmbeddingConfig struct {
	Provider   string
	Model      string
	APIKey     string
	Dimensions int
	TimeoutSec int
	BatchSize  int
}

type RedisConfig struct {
	Enabled         bool
	Host            string
	Port            int
	Password        string
	DB              int
	QueryTTLSec     int
	EmbeddingTTLSec int
}

type JobsConfig struct {
	PollIntervalSec  int
	WorkerTimeoutSec int
}

type WorkerConfig struct {
	Command string
	Args    []string
}

type DocumentsConfig struct {
	RemoveSourceFiles bool
}

type RetrievalConfig struct {
	DefaultTopK  int
	MaxTopK      int
	PreviewChars int
}

type RateLimitConfig struct {
	RequestsPerMinute int
	Burst             int
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

func Load() (*Config, error) {
	// .env is optional; real environment variables still win.
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/context-engine")

	v.SetEnvPrefix("CONTEXT_ENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) Validate() error {
	switch c.Vector.Backend {
	case "local", "milvus", "pgvector":
	default:
		return fmt.Errorf("unknown vector backend %q", c.Vector.Backend)
	}

	switch c.Embedding.Provider {
	case "hashing", "openai", "gemini":
	default:
		return fmt.Errorf("unknown embedding provider %q", c.Embedding.Provider)
	}

	if c.Embedding.Dimensions <= 0 {
		return fmt.Errorf("embedding.dimensions must be positive, got %d", c.Embedding.Dimensions)
	}
	if c.Jobs.PollIntervalSec <= 0 {
		return fmt.Errorf("jobs.pollIntervalSec must be positive, got %d", c.Jobs.PollIntervalSec)
	}
	if c.Jobs.WorkerTimeoutSec <= 0 {
		return fmt.Errorf("jobs.workerTimeoutSec must be positive, got %d", c.Jobs.WorkerTimeoutSec)
	}
	if c.Worker.Command == "" {
		return fmt.Errorf("worker.command is required")
	}
	if c.Retrieval.DefaultTopK <= 0 || c.Retrieval.MaxTopK < c.Retrieval.DefaultTopK {
		return fmt.Errorf("retrieval topK bounds invalid: default=%d max=%d",
			c.Retrieval.DefaultTopK, c.Retrieval.MaxTopK)
	}
	if c.Vector.Backend == "pgvector" && c.Vector.Postgres.URL == "" {
		return fmt.Errorf("vector.postgres.url is required for the pgvector backend")
	}

	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)
	v.SetDefault("server.bodyLimit", 10485760)
	v.SetDefault("server.allowedOrigins", []string{"*"})
	v.SetDefault("server.development", false)

	v.SetDefault("sqlite.path", "./data/context-engine.db")

	v.SetDefault("vector.backend", "local")
	v.SetDefault("vector.collectionPrefix", "proj_")
	v.SetDefault("vector.local.dir", "./data/vectors")
	v.SetDefault("vector.milvus.endpoint", "localhost:19530")
	v.SetDefault("vector.milvus.nList", 1024)
	v.SetDefault("vector.milvus.nProbe", 16)
	v.SetDefault("vector.postgres.maxConns", 8)

	v.SetDefault("embedding.provider", "hashing")
	v.SetDefault("embedding.model", "")
	v.SetDefault("embedding.dimensions", 384)
	v.SetDefault("embedding.timeoutSec", 30)
	v.SetDefault("embedding.batchSize", 100)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.queryTTLSec", 3600)
	v.SetDefault("redis.embeddingTTLSec", 86400)

	v.SetDefault("jobs.pollIntervalSec", 5)
	v.SetDefault("jobs.workerTimeoutSec", 600)

	v.SetDefault("worker.command", "context-worker")
	v.SetDefault("worker.args", []string{})

	v.SetDefault("documents.removeSourceFiles", true)

	v.SetDefault("retrieval.defaultTopK", 5)
	v.SetDefault("retrieval.maxTopK", 50)
	v.SetDefault("retrieval.previewChars", 200)

	v.SetDefault("rateLimit.requestsPerMinute", 120)
	v.SetDefault("rateLimit.burst", 20)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.outputPath", "stdout")
}
