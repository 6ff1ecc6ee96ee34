package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Document is one registered upload or pre-chunked record. Nothing is indexed.
type Document struct {
	ID         string         `json:"id"`
	File       string         `json:"file"`
	Path       string         `json:"path,omitempty"`
	Size       int64          `json:"size"`
	Digest     string         `json:"digest,omitempty"`
	Content    string         `json:"content,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
	UploadedAt time.Time      `json:"uploaded_at"`
}

type Registry interface {
	Add(ctx context.Context, docs ...Document) error
	List(ctx context.Context) ([]Document, error)
	Remove(ctx context.Context, file string) (int, error)
}

// MemoryRegistry lives for the process. Construct one at startup and share it.
type MemoryRegistry struct {
	mu   sync.RWMutex
	docs []Document
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{docs: []Document{}}
}

func (r *MemoryRegistry) Add(_ context.Context, docs ...Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.docs = append(r.docs, docs...)
	return nil
}

func (r *MemoryRegistry) List(_ context.Context) ([]Document, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Document, len(r.docs))
	copy(out, r.docs)
	return out, nil
}

func (r *MemoryRegistry) Remove(_ context.Context, file string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.docs[:0]
	removed := 0
	for _, d := range r.docs {
		if d.File == file {
			removed++
			continue
		}
		kept = append(kept, d)
	}
	r.docs = kept
	return removed, nil
}

// RedisRegistry stores documents as JSON entries of a redis list so several
// server processes share one knowledge base.
type RedisRegistry struct {
	redis *redis.Client
	key   string
}

func NewRedisRegistry(rdb *redis.Client, key string) *RedisRegistry {
	return &RedisRegistry{redis: rdb, key: key}
}

func (r *RedisRegistry) Add(ctx context.Context, docs ...Document) error {
	if len(docs) == 0 {
		return nil
	}
	values := make([]any, 0, len(docs))
	for _, d := range docs {
		b, err := json.Marshal(d)
		if err != nil {
			return fmt.Errorf("marshal document: %w", err)
		}
		values = append(values, b)
	}
	if err := r.redis.RPush(ctx, r.key, values...).Err(); err != nil {
		return fmt.Errorf("rpush documents: %w", err)
	}
	return nil
}

func (r *RedisRegistry) List(ctx context.Context) ([]Document, error) {
	raw, err := r.redis.LRange(ctx, r.key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange documents: %w", err)
	}
	out := make([]Document, 0, len(raw))
	for _, item := range raw {
		var d Document
		if err := json.Unmarshal([]byte(item), &d); err != nil {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func (r *RedisRegistry) Remove(ctx context.Context, file string) (int, error) {
	raw, err := r.redis.LRange(ctx, r.key, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("lrange documents: %w", err)
	}
	removed := 0
	for _, item := range raw {
		var d Document
		if err := json.Unmarshal([]byte(item), &d); err != nil || d.File != file {
			continue
		}
		n, err := r.redis.LRem(ctx, r.key, 1, item).Result()
		if err != nil {
			return removed, fmt.Errorf("lrem document: %w", err)
		}
		removed += int(n)
	}
	return removed, nil
}
