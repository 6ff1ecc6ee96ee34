package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	DriverJSON     = "json"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var (
	ErrMissingStorePath    = errors.New("STORE_PATH is required for the json driver")
	ErrMissingDatabaseDSN  = errors.New("DB_DSN is required for sql drivers")
	ErrRateLimitNeedsRedis = errors.New("RATE_LIMIT_PER_HOUR requires REDIS_ADDR")
)

type Config struct {
	HTTP      HTTPConfig
	Store     StoreConfig
	Redis     RedisConfig
	Worker    WorkerConfig
	Knowledge KnowledgeConfig
	Rate      RateConfig
	Log       LogConfig
}

type HTTPConfig struct {
	ListenAddr   string
	HealthPath   string
	MetricsPath  string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	CORSOrigin   string
}

type StoreConfig struct {
	Driver        string
	Path          string
	DSN           string
	AutoMigrate   bool
	MigrationsDir string
}

type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	IngestStream string
	IngestGroup  string
	IngestBlock  time.Duration
	DedupeTTL    time.Duration
	KnowledgeKey string
}

// Enabled reports whether a redis server was configured.
func (r RedisConfig) Enabled() bool {
	return r.Addr != ""
}

type WorkerConfig struct {
	Concurrency  int
	ConsumerName string
	MaxRetries   int
}

type KnowledgeConfig struct {
	UploadDir      string
	MaxUploadBytes int64
	SourceLimit    int
}

type RateConfig struct {
	PerHour int64
}

type LogConfig struct {
	Level string
}

func Load() (*Config, error) {
	cfg := &Config{
		HTTP: HTTPConfig{
			ListenAddr:   mustEnv("HTTP_LISTEN_ADDR", ":8001"),
			HealthPath:   mustEnv("HEALTH_PATH", "/healthz"),
			MetricsPath:  mustEnv("METRICS_PATH", "/metrics"),
			ReadTimeout:  mustDuration("HTTP_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: mustDuration("HTTP_WRITE_TIMEOUT", 15*time.Second),
			CORSOrigin:   mustEnv("CORS_ORIGIN", "*"),
		},
		Store: StoreConfig{
			Driver:        strings.ToLower(mustEnv("STORE_DRIVER", DriverJSON)),
			Path:          mustEnv("STORE_PATH", "data/Database.json"),
			DSN:           mustEnv("DB_DSN", ""),
			AutoMigrate:   mustBool("AUTO_MIGRATE", true),
			MigrationsDir: mustEnv("MIGRATIONS_DIR", "migrations"),
		},
		Redis: RedisConfig{
			Addr:         mustEnv("REDIS_ADDR", ""),
			Password:     mustEnv("REDIS_PASSWORD", ""),
			DB:           mustInt("REDIS_DB", 0),
			IngestStream: mustEnv("INGEST_STREAM", "chatkeep:ingest"),
			IngestGroup:  mustEnv("INGEST_GROUP", "chatkeep-ingesters"),
			IngestBlock:  mustDuration("INGEST_BLOCK", 5*time.Second),
			DedupeTTL:    mustDuration("INGEST_DEDUPE_TTL", 24*time.Hour),
			KnowledgeKey: mustEnv("KNOWLEDGE_KEY", "chatkeep:knowledge"),
		},
		Worker: WorkerConfig{
			Concurrency:  mustInt("WORKER_CONCURRENCY", 2),
			ConsumerName: mustEnv("WORKER_CONSUMER_NAME", hostnameOr("worker")),
			MaxRetries:   mustInt("WORKER_MAX_RETRIES", 3),
		},
		Knowledge: KnowledgeConfig{
			UploadDir:      mustEnv("UPLOAD_DIR", "uploads"),
			MaxUploadBytes: mustInt64("UPLOAD_MAX_BYTES", 32<<20),
			SourceLimit:    mustInt("RAG_SOURCE_LIMIT", 3),
		},
		Rate: RateConfig{
			PerHour: mustInt64("RATE_LIMIT_PER_HOUR", 0),
		},
		Log: LogConfig{
			Level: strings.ToLower(mustEnv("LOG_LEVEL", "info")),
		},
	}

	switch cfg.Store.Driver {
	case DriverJSON:
		if cfg.Store.Path == "" {
			return nil, ErrMissingStorePath
		}
	case DriverSQLite, DriverPostgres:
		if cfg.Store.DSN == "" {
			return nil, ErrMissingDatabaseDSN
		}
	default:
		return nil, fmt.Errorf("unsupported STORE_DRIVER %q", cfg.Store.Driver)
	}
	if cfg.Rate.PerHour > 0 && !cfg.Redis.Enabled() {
		return nil, ErrRateLimitNeedsRedis
	}
	if cfg.Knowledge.SourceLimit < 0 {
		cfg.Knowledge.SourceLimit = 0
	}

	return cfg, nil
}

func mustEnv(key string, def string) string {
	if v := os.Getenv(key); v != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func mustInt(key string, def int) int {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func mustInt64(key string, def int64) int64 {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func mustBool(key string, def bool) bool {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func mustDuration(key string, def time.Duration) time.Duration {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func hostnameOr(def string) string {
	h, err := os.Hostname()
	if err != nil || strings.TrimSpace(h) == "" {
		return def
	}
	return h
}
