package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func openSQLite(t *testing.T) *Store {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "chatkeep.db")
	s, err := Open(context.Background(), "sqlite", dsn, true, "")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteEmptyLoad(t *testing.T) {
	s := openSQLite(t)

	doc, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if doc.Chats == nil || len(doc.Chats) != 0 {
		t.Fatalf("expected empty chats, got %#v", doc.Chats)
	}
}

func TestSQLiteSaveReplacesSnapshot(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()
	ts := time.Date(2026, 3, 1, 12, 0, 0, 123000, time.UTC)

	msgs := make([]Message, 0, 150)
	for i := 0; i < 150; i++ {
		msgs = append(msgs, Message{ID: fmt.Sprintf("m%03d", i), Role: "user", Text: fmt.Sprintf("n=%d", i), Time: ts})
	}
	first := Document{Chats: []Chat{
		{ID: "z", Title: "zeta", CreatedAt: ts, UpdatedAt: ts, Messages: msgs},
		{ID: "a", Title: "alpha", CreatedAt: ts, UpdatedAt: ts},
	}}
	if err := s.Save(ctx, first); err != nil {
		t.Fatalf("save first: %v", err)
	}

	doc, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("load first: %v", err)
	}
	if len(doc.Chats) != 2 || doc.Chats[0].ID != "z" || doc.Chats[1].ID != "a" {
		t.Fatalf("position order lost: %#v", doc.Chats)
	}
	if len(doc.Chats[0].Messages) != 150 {
		t.Fatalf("expected 150 messages, got %d", len(doc.Chats[0].Messages))
	}
	for i, m := range doc.Chats[0].Messages {
		if m.Text != fmt.Sprintf("n=%d", i) {
			t.Fatalf("message %d out of order: %q", i, m.Text)
		}
	}
	if !doc.Chats[0].CreatedAt.Equal(ts) {
		t.Fatalf("created_at mismatch: %v vs %v", doc.Chats[0].CreatedAt, ts)
	}
	if doc.Chats[1].Messages == nil {
		t.Fatalf("expected non-nil messages slice for empty chat")
	}

	second := Document{Chats: []Chat{{ID: "a", Title: "renamed", CreatedAt: ts, UpdatedAt: ts}}}
	if err := s.Save(ctx, second); err != nil {
		t.Fatalf("save second: %v", err)
	}
	doc, err = s.Load(ctx)
	if err != nil {
		t.Fatalf("load second: %v", err)
	}
	if len(doc.Chats) != 1 || doc.Chats[0].Title != "renamed" || len(doc.Chats[0].Messages) != 0 {
		t.Fatalf("snapshot not replaced: %#v", doc.Chats)
	}
}
