package chats

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"chatkeep/internal/metrics"
	"chatkeep/internal/storage"
)

const (
	DefaultTitle = "New chat"
	DefaultRole  = "user"
)

type (
	Chat    = storage.Chat
	Message = storage.Message
)

// Service owns the chat lifecycle. Mutations hold mu for the whole
// load/mutate/save cycle; reads go straight to the backend.
type Service struct {
	mu      sync.Mutex
	backend storage.Backend
	now     func() time.Time
	newID   func() string
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

type Config struct {
	Backend storage.Backend
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
	NewID   func() string
}

func NewService(cfg Config) *Service {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) }
	}
	if cfg.NewID == nil {
		cfg.NewID = newID
	}
	return &Service{
		backend: cfg.Backend,
		now:     cfg.Now,
		newID:   cfg.NewID,
		logger:  cfg.Logger,
		metrics: m,
	}
}

func (s *Service) Create(ctx context.Context, title string) (Chat, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = DefaultTitle
	}

	var created Chat
	err := s.mutate(ctx, "create", func(doc *storage.Document) (bool, error) {
		now := s.now()
		created = Chat{
			ID:        s.uniqueChatID(doc),
			Title:     title,
			CreatedAt: now,
			UpdatedAt: now,
			Messages:  []Message{},
		}
		doc.Chats = append(doc.Chats, created)
		return true, nil
	})
	if err != nil {
		return Chat{}, err
	}
	s.metrics.ChatsCreated.Inc()
	s.logger.Debug().Str("chat_id", created.ID).Msg("chat created")
	return created, nil
}

// List returns every chat in storage order.
func (s *Service) List(ctx context.Context) ([]Chat, error) {
	doc, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	return doc.Chats, nil
}

func (s *Service) Get(ctx context.Context, id string) (Chat, error) {
	doc, err := s.load(ctx)
	if err != nil {
		return Chat{}, err
	}
	i := doc.Find(id)
	if i < 0 {
		return Chat{}, ErrNotFound
	}
	return doc.Chats[i], nil
}

func (s *Service) Messages(ctx context.Context, id string) ([]Message, error) {
	c, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return c.Messages, nil
}

// Append adds a message to the chat. Missing or blank text is rejected once
// the chat is known to exist; role defaults to "user".
func (s *Service) Append(ctx context.Context, id string, role, text *string) (Message, error) {
	r := DefaultRole
	if role != nil && strings.TrimSpace(*role) != "" {
		r = strings.TrimSpace(*role)
	}

	var msg Message
	err := s.mutate(ctx, "append", func(doc *storage.Document) (bool, error) {
		i := doc.Find(id)
		if i < 0 {
			return false, ErrNotFound
		}
		if text == nil || strings.TrimSpace(*text) == "" {
			return false, invalid("text is required")
		}
		c := &doc.Chats[i]

		t := s.now()
		if t.Before(c.UpdatedAt) {
			t = c.UpdatedAt
		}
		msg = Message{
			ID:   s.uniqueMessageID(c),
			Role: r,
			Text: *text,
			Time: t,
		}
		c.Messages = append(c.Messages, msg)
		c.UpdatedAt = msg.Time
		return true, nil
	})
	if err != nil {
		return Message{}, err
	}
	s.metrics.MessagesAppended.Inc()
	return msg, nil
}

// Rename replaces the title when title is non-nil. updated_at is left alone
// and nothing is written when the title does not change.
func (s *Service) Rename(ctx context.Context, id string, title *string) (Chat, error) {
	var out Chat
	err := s.mutate(ctx, "rename", func(doc *storage.Document) (bool, error) {
		i := doc.Find(id)
		if i < 0 {
			return false, ErrNotFound
		}
		c := &doc.Chats[i]
		changed := title != nil && *title != c.Title
		if changed {
			c.Title = *title
		}
		out = *c
		return changed, nil
	})
	if err != nil {
		return Chat{}, err
	}
	return out, nil
}

// Delete removes the chat and its messages. Unknown ids are not an error.
func (s *Service) Delete(ctx context.Context, id string) error {
	removed := false
	err := s.mutate(ctx, "delete", func(doc *storage.Document) (bool, error) {
		i := doc.Find(id)
		if i < 0 {
			return false, nil
		}
		doc.Chats = append(doc.Chats[:i], doc.Chats[i+1:]...)
		removed = true
		return true, nil
	})
	if err != nil {
		return err
	}
	if removed {
		s.metrics.ChatsDeleted.Inc()
		s.logger.Debug().Str("chat_id", id).Msg("chat deleted")
	}
	return nil
}

// mutate runs fn against a fresh snapshot under the writer lock and saves the
// result when fn reports a change.
func (s *Service) mutate(ctx context.Context, op string, fn func(doc *storage.Document) (bool, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load(ctx)
	if err != nil {
		return err
	}
	changed, err := fn(&doc)
	if err != nil || !changed {
		return err
	}
	if err := s.backend.Save(ctx, doc); err != nil {
		s.metrics.StorageFailures.Inc()
		return &StorageError{Op: op, Err: err}
	}
	return nil
}

func (s *Service) load(ctx context.Context) (storage.Document, error) {
	doc, err := s.backend.Load(ctx)
	if err != nil {
		s.metrics.StorageFailures.Inc()
		return storage.Document{}, &StorageError{Op: "load", Err: err}
	}
	return doc, nil
}

func (s *Service) uniqueChatID(doc *storage.Document) string {
	for {
		id := s.newID()
		if doc.Find(id) < 0 {
			return id
		}
	}
}

func (s *Service) uniqueMessageID(c *Chat) string {
	for {
		id := s.newID()
		if !slices.ContainsFunc(c.Messages, func(m Message) bool { return m.ID == id }) {
			return id
		}
	}
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
