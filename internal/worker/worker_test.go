package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"chatkeep/internal/knowledge"
	"chatkeep/internal/metrics"
	"chatkeep/internal/queue"
)

type flakyRegistry struct {
	*knowledge.MemoryRegistry
	failures int
}

func (r *flakyRegistry) Add(ctx context.Context, docs ...knowledge.Document) error {
	if r.failures > 0 {
		r.failures--
		return errors.New("registry unavailable")
	}
	return r.MemoryRegistry.Add(ctx, docs...)
}

type fixture struct {
	rdb    *redis.Client
	queue  *queue.StreamQueue
	reg    *flakyRegistry
	worker *Worker
}

func newFixture(t *testing.T, failures, maxRetries int) *fixture {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	m := metrics.New()
	q := queue.NewStreamQueue(rdb, "chatkeep:test:ingest", "ingesters", "c1", 10*time.Millisecond)
	reg := &flakyRegistry{MemoryRegistry: knowledge.NewMemoryRegistry(), failures: failures}
	ks := knowledge.NewService(knowledge.Config{
		Registry: reg,
		Dispatcher: Dispatcher{
			Queue:   q,
			Metrics: m,
		},
		UploadDir:   t.TempDir(),
		SourceLimit: 3,
		Logger:      zerolog.Nop(),
		Metrics:     m,
	})
	w := New(Config{
		Queue:         q,
		Knowledge:     ks,
		Dedupe:        queue.NewDeduplicator(rdb, time.Hour),
		MaxJobRetries: maxRetries,
		Logger:        zerolog.Nop(),
		Metrics:       m,
	})
	if err := q.EnsureGroup(context.Background()); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	return &fixture{rdb: rdb, queue: q, reg: reg, worker: w}
}

func (f *fixture) drain(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		msgs, err := f.queue.Read(ctx, 10)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if len(msgs) == 0 {
			return
		}
		for _, m := range msgs {
			f.worker.handle(ctx, zerolog.Nop(), m)
		}
	}
}

func TestWorkerRegistersDispatchedDocuments(t *testing.T) {
	f := newFixture(t, 0, 3)
	ctx := context.Background()

	n, err := f.worker.knowledge.Ingest(ctx, []knowledge.Document{
		{ID: "d1", File: "a.txt"},
		{ID: "d2", File: "b.txt"},
	})
	if err != nil || n != 2 {
		t.Fatalf("ingest: n=%d err=%v", n, err)
	}
	f.drain(t)

	docs, _ := f.reg.List(ctx)
	if len(docs) != 2 {
		t.Fatalf("expected 2 registered documents, got %d", len(docs))
	}
	if l, _ := f.rdb.XLen(ctx, "chatkeep:test:ingest").Result(); l != 0 {
		t.Fatalf("stream should be empty after ack, length %d", l)
	}
}

func TestWorkerSkipsRedeliveredDocument(t *testing.T) {
	f := newFixture(t, 0, 3)
	ctx := context.Background()

	doc := knowledge.Document{ID: "same", File: "a.txt"}
	for i := 0; i < 2; i++ {
		if _, err := f.queue.Enqueue(ctx, queue.IngestJob{Document: doc}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	f.drain(t)

	docs, _ := f.reg.List(ctx)
	if len(docs) != 1 {
		t.Fatalf("expected one registration, got %d", len(docs))
	}
}

func TestWorkerRetriesFailedJob(t *testing.T) {
	f := newFixture(t, 2, 3)
	ctx := context.Background()

	if _, err := f.queue.Enqueue(ctx, queue.IngestJob{Document: knowledge.Document{ID: "d1", File: "a.txt"}}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	f.drain(t)

	docs, _ := f.reg.List(ctx)
	if len(docs) != 1 {
		t.Fatalf("expected document registered after retries, got %d", len(docs))
	}
}

func TestWorkerDropsAfterMaxRetries(t *testing.T) {
	f := newFixture(t, 5, 1)
	ctx := context.Background()

	if _, err := f.queue.Enqueue(ctx, queue.IngestJob{Document: knowledge.Document{ID: "d1", File: "a.txt"}}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	f.drain(t)

	docs, _ := f.reg.List(ctx)
	if len(docs) != 0 {
		t.Fatalf("expected no registration, got %d", len(docs))
	}
	if l, _ := f.rdb.XLen(ctx, "chatkeep:test:ingest").Result(); l != 0 {
		t.Fatalf("terminal failure should be acked, stream length %d", l)
	}
}

func TestWorkerStartStopsOnCancel(t *testing.T) {
	f := newFixture(t, 0, 3)
	ctx, cancel := context.WithCancel(context.Background())

	if _, err := f.queue.Enqueue(ctx, queue.IngestJob{Document: knowledge.Document{ID: "d1", File: "a.txt"}}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- f.worker.Start(ctx, 2) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		docs, _ := f.reg.List(context.Background())
		if len(docs) == 1 {
			break
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("worker did not register document in time")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("start returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("worker did not stop after cancel")
	}
}
