package knowledge

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"chatkeep/internal/metrics"
)

type recordingDispatcher struct {
	docs []Document
	err  error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, doc Document) error {
	if d.err != nil {
		return d.err
	}
	d.docs = append(d.docs, doc)
	return nil
}

func newTestService(t *testing.T, reg Registry, disp Dispatcher) *Service {
	t.Helper()
	return NewService(Config{
		Registry:    reg,
		Dispatcher:  disp,
		UploadDir:   t.TempDir(),
		SourceLimit: 3,
		Score:       func() float64 { return 0.42 },
		Logger:      zerolog.Nop(),
		Metrics:     metrics.New(),
	})
}

func TestSaveUploadWritesBlob(t *testing.T) {
	svc := newTestService(t, nil, nil)

	doc, err := svc.SaveUpload("../../etc/report.pdf", strings.NewReader("hello"))
	if err != nil {
		t.Fatalf("save upload: %v", err)
	}
	if doc.File != "report.pdf" {
		t.Fatalf("expected base name, got %q", doc.File)
	}
	if doc.Size != 5 {
		t.Fatalf("expected size 5, got %d", doc.Size)
	}
	// sha256("hello")
	if doc.Digest != "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824" {
		t.Fatalf("unexpected digest %s", doc.Digest)
	}
	raw, err := os.ReadFile(doc.Path)
	if err != nil || string(raw) != "hello" {
		t.Fatalf("blob not written: %q %v", raw, err)
	}
}

func TestIngestRegistersInline(t *testing.T) {
	reg := NewMemoryRegistry()
	svc := newTestService(t, reg, nil)
	ctx := context.Background()

	n, err := svc.Ingest(ctx, []Document{
		svc.Record("chunk one", map[string]any{"title": "a.txt", "chunk": 1}),
		svc.Record("chunk two", map[string]any{"title": "a.txt", "chunk": 2}),
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 accepted, got %d", n)
	}
	docs, _ := reg.List(ctx)
	if len(docs) != 2 || docs[0].File != "a.txt" {
		t.Fatalf("unexpected registry contents: %+v", docs)
	}
}

func TestIngestUsesDispatcher(t *testing.T) {
	reg := NewMemoryRegistry()
	disp := &recordingDispatcher{}
	svc := newTestService(t, reg, disp)
	ctx := context.Background()

	n, err := svc.Ingest(ctx, []Document{svc.Record("x", nil)})
	if err != nil || n != 1 {
		t.Fatalf("ingest: n=%d err=%v", n, err)
	}
	if len(disp.docs) != 1 {
		t.Fatalf("expected dispatched document")
	}
	if docs, _ := reg.List(ctx); len(docs) != 0 {
		t.Fatalf("dispatcher path should not register inline")
	}

	disp.err = errors.New("queue down")
	if _, err := svc.Ingest(ctx, []Document{svc.Record("y", nil)}); err == nil {
		t.Fatalf("expected dispatch error")
	}
}

func TestQueryPlaceholder(t *testing.T) {
	reg := NewMemoryRegistry()
	svc := newTestService(t, reg, nil)
	ctx := context.Background()

	ans, err := svc.Query(ctx, "what is up")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if !strings.Contains(ans.Answer, "what is up") || len(ans.Sources) != 0 {
		t.Fatalf("unexpected empty-kb answer: %+v", ans)
	}

	for _, name := range []string{"a.pdf", "b.pdf", "c.pdf", "d.pdf"} {
		_ = svc.Register(ctx, Document{ID: name, File: name})
	}
	ans, err = svc.Query(ctx, "again")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(ans.Sources) != 3 {
		t.Fatalf("expected 3 sources, got %d", len(ans.Sources))
	}
	for i, src := range ans.Sources {
		if src.Score < 0 || src.Score > 1 || src.Page != 1 || src.Text != placeholderSourceText {
			t.Fatalf("unexpected source %d: %+v", i, src)
		}
	}
	if ans.Sources[0].File != "a.pdf" {
		t.Fatalf("sources should follow registration order: %+v", ans.Sources)
	}

	if _, err := svc.Query(ctx, "   "); !errors.Is(err, ErrEmptyQuery) {
		t.Fatalf("expected ErrEmptyQuery, got %v", err)
	}
}

func TestRemoveDeletesBlobs(t *testing.T) {
	reg := NewMemoryRegistry()
	svc := newTestService(t, reg, nil)
	ctx := context.Background()

	doc, err := svc.SaveUpload("notes.txt", strings.NewReader("abc"))
	if err != nil {
		t.Fatalf("save upload: %v", err)
	}
	_ = svc.Register(ctx, doc, Document{ID: "other", File: "keep.txt"})

	n, err := svc.Remove(ctx, "notes.txt")
	if err != nil || n != 1 {
		t.Fatalf("remove: n=%d err=%v", n, err)
	}
	if _, err := os.Stat(doc.Path); !os.IsNotExist(err) {
		t.Fatalf("blob should be deleted, stat err=%v", err)
	}
	docs, _ := svc.List(ctx)
	if len(docs) != 1 || docs[0].File != "keep.txt" {
		t.Fatalf("unexpected remaining docs: %+v", docs)
	}
}

func TestRedisRegistry(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	reg := NewRedisRegistry(rdb, "chatkeep:test:knowledge")
	ctx := context.Background()

	if err := reg.Add(ctx,
		Document{ID: "1", File: "a.txt"},
		Document{ID: "2", File: "b.txt"},
		Document{ID: "3", File: "a.txt"},
	); err != nil {
		t.Fatalf("add: %v", err)
	}

	docs, err := reg.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(docs) != 3 || docs[0].ID != "1" || docs[2].ID != "3" {
		t.Fatalf("unexpected docs: %+v", docs)
	}

	n, err := reg.Remove(ctx, "a.txt")
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 removed, got %d", n)
	}
	docs, _ = reg.List(ctx)
	if len(docs) != 1 || docs[0].File != "b.txt" {
		t.Fatalf("unexpected docs after remove: %+v", docs)
	}
}
