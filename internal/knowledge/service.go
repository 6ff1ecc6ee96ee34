package knowledge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"chatkeep/internal/metrics"
)

var ErrEmptyQuery = errors.New("query is required")

const placeholderSourceText = "Sample source text..."

// Dispatcher hands documents to an asynchronous registration pipeline.
type Dispatcher interface {
	Dispatch(ctx context.Context, doc Document) error
}

type Source struct {
	Score float64 `json:"score"`
	File  string  `json:"file"`
	Page  int     `json:"page"`
	Text  string  `json:"text"`
}

type Answer struct {
	Answer  string   `json:"answer"`
	Sources []Source `json:"sources"`
}

// Service is the ingestion and query collaborator. Query is a placeholder: it
// performs no retrieval and its scores are random.
type Service struct {
	registry    Registry
	dispatcher  Dispatcher
	uploadDir   string
	sourceLimit int
	score       func() float64
	now         func() time.Time
	logger      zerolog.Logger
	metrics     *metrics.Metrics
}

type Config struct {
	Registry    Registry
	Dispatcher  Dispatcher
	UploadDir   string
	SourceLimit int
	Score       func() float64
	Now         func() time.Time
	Logger      zerolog.Logger
	Metrics     *metrics.Metrics
}

func NewService(cfg Config) *Service {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.Registry == nil {
		cfg.Registry = NewMemoryRegistry()
	}
	if cfg.UploadDir == "" {
		cfg.UploadDir = "uploads"
	}
	if cfg.Score == nil {
		cfg.Score = rand.Float64
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		registry:    cfg.Registry,
		dispatcher:  cfg.Dispatcher,
		uploadDir:   cfg.UploadDir,
		sourceLimit: cfg.SourceLimit,
		score:       cfg.Score,
		now:         cfg.Now,
		logger:      cfg.Logger,
		metrics:     m,
	}
}

// SaveUpload streams a blob into the upload directory under a generated name
// and returns its (not yet registered) document record.
func (s *Service) SaveUpload(name string, r io.Reader) (Document, error) {
	if err := os.MkdirAll(s.uploadDir, 0o755); err != nil {
		return Document{}, fmt.Errorf("create upload dir: %w", err)
	}
	id := uuid.NewString()
	path := filepath.Join(s.uploadDir, id)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return Document{}, fmt.Errorf("create upload file: %w", err)
	}

	h := sha256.New()
	size, err := io.Copy(io.MultiWriter(f, h), r)
	if err != nil {
		f.Close()
		os.Remove(path)
		return Document{}, fmt.Errorf("write upload: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return Document{}, fmt.Errorf("close upload: %w", err)
	}

	return Document{
		ID:         id,
		File:       filepath.Base(name),
		Path:       path,
		Size:       size,
		Digest:     hex.EncodeToString(h.Sum(nil)),
		UploadedAt: s.now(),
	}, nil
}

// Record builds a document from a pre-chunked {content, meta} record.
func (s *Service) Record(content string, meta map[string]any) Document {
	file := ""
	for _, k := range []string{"title", "file", "source"} {
		if v, ok := meta[k].(string); ok && v != "" {
			file = v
			break
		}
	}
	sum := sha256.Sum256([]byte(content))
	return Document{
		ID:         uuid.NewString(),
		File:       file,
		Size:       int64(len(content)),
		Digest:     hex.EncodeToString(sum[:]),
		Content:    content,
		Meta:       meta,
		UploadedAt: s.now(),
	}
}

// Ingest registers docs, or dispatches them when a pipeline is configured.
// It returns how many documents were accepted.
func (s *Service) Ingest(ctx context.Context, docs []Document) (int, error) {
	if s.dispatcher == nil {
		if err := s.Register(ctx, docs...); err != nil {
			return 0, err
		}
		return len(docs), nil
	}
	for i, d := range docs {
		if err := s.dispatcher.Dispatch(ctx, d); err != nil {
			return i, fmt.Errorf("dispatch %s: %w", d.ID, err)
		}
	}
	return len(docs), nil
}

func (s *Service) Register(ctx context.Context, docs ...Document) error {
	if err := s.registry.Add(ctx, docs...); err != nil {
		return fmt.Errorf("register documents: %w", err)
	}
	s.metrics.DocumentsIngested.Add(float64(len(docs)))
	for _, d := range docs {
		s.logger.Debug().Str("doc_id", d.ID).Str("file", d.File).Int64("size", d.Size).Msg("document registered")
	}
	return nil
}

func (s *Service) List(ctx context.Context) ([]Document, error) {
	return s.registry.List(ctx)
}

// Remove drops every document registered under file and deletes stored blobs.
func (s *Service) Remove(ctx context.Context, file string) (int, error) {
	docs, err := s.registry.List(ctx)
	if err != nil {
		return 0, err
	}
	n, err := s.registry.Remove(ctx, file)
	if err != nil {
		return n, err
	}
	for _, d := range docs {
		if d.File != file || d.Path == "" {
			continue
		}
		if err := os.Remove(d.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn().Err(err).Str("path", d.Path).Msg("failed to remove upload")
		}
	}
	return n, nil
}

// Query returns a templated answer and the first registered documents with
// random scores. It is not retrieval.
func (s *Service) Query(ctx context.Context, query string) (Answer, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return Answer{}, ErrEmptyQuery
	}
	docs, err := s.registry.List(ctx)
	if err != nil {
		return Answer{}, err
	}
	if len(docs) > s.sourceLimit {
		docs = docs[:s.sourceLimit]
	}

	sources := make([]Source, 0, len(docs))
	for _, d := range docs {
		sources = append(sources, Source{
			Score: s.score(),
			File:  d.File,
			Page:  1,
			Text:  snippet(d.Content),
		})
	}
	s.metrics.RAGQueries.Inc()
	return Answer{
		Answer:  fmt.Sprintf("Test answer for query: %q", query),
		Sources: sources,
	}, nil
}

func snippet(content string) string {
	content = strings.TrimSpace(content)
	if content == "" {
		return placeholderSourceText
	}
	r := []rune(content)
	if len(r) > 200 {
		return string(r[:200]) + "..."
	}
	return content
}
