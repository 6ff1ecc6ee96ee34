package config

import (
	"errors"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store.Driver != DriverJSON || cfg.Store.Path != "data/Database.json" {
		t.Fatalf("unexpected store defaults: %+v", cfg.Store)
	}
	if cfg.HTTP.ListenAddr != ":8001" {
		t.Fatalf("unexpected listen addr %q", cfg.HTTP.ListenAddr)
	}
	if cfg.Redis.Enabled() {
		t.Fatalf("redis should be disabled without REDIS_ADDR")
	}
	if cfg.Knowledge.SourceLimit != 3 {
		t.Fatalf("expected source limit 3, got %d", cfg.Knowledge.SourceLimit)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("STORE_DRIVER", "SQLITE")
	t.Setenv("DB_DSN", "file:test.db")
	t.Setenv("REDIS_ADDR", "127.0.0.1:6379")
	t.Setenv("RATE_LIMIT_PER_HOUR", "10")
	t.Setenv("INGEST_BLOCK", "250ms")
	t.Setenv("WORKER_CONCURRENCY", "not-a-number")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store.Driver != DriverSQLite {
		t.Fatalf("expected sqlite driver, got %q", cfg.Store.Driver)
	}
	if cfg.Redis.IngestBlock != 250*time.Millisecond {
		t.Fatalf("unexpected ingest block %v", cfg.Redis.IngestBlock)
	}
	if cfg.Worker.Concurrency != 2 {
		t.Fatalf("invalid int should fall back to default, got %d", cfg.Worker.Concurrency)
	}
	if cfg.Rate.PerHour != 10 {
		t.Fatalf("unexpected rate %d", cfg.Rate.PerHour)
	}
}

func TestLoadValidation(t *testing.T) {
	t.Run("sql driver without dsn", func(t *testing.T) {
		t.Setenv("STORE_DRIVER", "postgres")
		if _, err := Load(); !errors.Is(err, ErrMissingDatabaseDSN) {
			t.Fatalf("expected ErrMissingDatabaseDSN, got %v", err)
		}
	})
	t.Run("unknown driver", func(t *testing.T) {
		t.Setenv("STORE_DRIVER", "mongo")
		if _, err := Load(); err == nil {
			t.Fatalf("expected error for unknown driver")
		}
	})
	t.Run("rate limit without redis", func(t *testing.T) {
		t.Setenv("RATE_LIMIT_PER_HOUR", "5")
		if _, err := Load(); !errors.Is(err, ErrRateLimitNeedsRedis) {
			t.Fatalf("expected ErrRateLimitNeedsRedis, got %v", err)
		}
	})
}
