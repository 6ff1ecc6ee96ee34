package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"chatkeep/internal/knowledge"
	"chatkeep/internal/metrics"
	"chatkeep/internal/queue"
)

// Worker consumes ingestion jobs and registers their documents.
type Worker struct {
	queue         *queue.StreamQueue
	knowledge     *knowledge.Service
	dedupe        *queue.Deduplicator
	maxJobRetries int
	logger        zerolog.Logger
	metrics       *metrics.Metrics
}

type Config struct {
	Queue         *queue.StreamQueue
	Knowledge     *knowledge.Service
	Dedupe        *queue.Deduplicator
	MaxJobRetries int
	Logger        zerolog.Logger
	Metrics       *metrics.Metrics
}

func New(cfg Config) *Worker {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.MaxJobRetries < 0 {
		cfg.MaxJobRetries = 0
	}
	return &Worker{
		queue:         cfg.Queue,
		knowledge:     cfg.Knowledge,
		dedupe:        cfg.Dedupe,
		maxJobRetries: cfg.MaxJobRetries,
		logger:        cfg.Logger,
		metrics:       m,
	}
}

func (w *Worker) Start(ctx context.Context, concurrency int) error {
	if err := w.queue.EnsureGroup(ctx); err != nil {
		return err
	}
	if concurrency < 1 {
		concurrency = 1
	}

	wg := sync.WaitGroup{}
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.consumeLoop(ctx, slot)
		}(i)
	}

	<-ctx.Done()
	wg.Wait()
	return nil
}

func (w *Worker) consumeLoop(ctx context.Context, slot int) {
	log := w.logger.With().Int("slot", slot).Logger()
	for {
		if err := ctx.Err(); err != nil {
			return
		}

		messages, err := w.queue.Read(ctx, 1)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("failed to read queue")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for _, msg := range messages {
			w.handle(ctx, log, msg)
		}
	}
}

func (w *Worker) handle(ctx context.Context, log zerolog.Logger, msg queue.Message) {
	err := w.processJob(ctx, msg.Job)
	if err == nil {
		w.metrics.ProcessedJobs.Inc()
		if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
			log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack message")
		}
		return
	}

	w.metrics.FailedJobs.Inc()
	log.Error().Err(err).Str("job_id", msg.Job.JobID).Int("attempt", msg.Job.Attempts).Msg("job failed")

	if msg.Job.Attempts < w.maxJobRetries {
		msg.Job.Attempts++
		if _, enqueueErr := w.queue.Enqueue(ctx, msg.Job); enqueueErr != nil {
			log.Error().Err(enqueueErr).Str("job_id", msg.Job.JobID).Msg("failed to re-enqueue failed job")
			return
		}
		if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
			log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack after re-enqueue")
		}
		return
	}

	log.Warn().Str("job_id", msg.Job.JobID).Str("file", msg.Job.Document.File).Msg("dropping document after final attempt")
	if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
		log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack terminal failed message")
	}
}

func (w *Worker) processJob(ctx context.Context, job queue.IngestJob) error {
	key := job.Document.ID
	if w.dedupe != nil && key != "" {
		first, err := w.dedupe.MarkFirst(ctx, key)
		if err != nil {
			return err
		}
		if !first {
			w.logger.Debug().Str("doc_id", key).Msg("document already registered")
			return nil
		}
	}

	if err := w.knowledge.Register(ctx, job.Document); err != nil {
		if w.dedupe != nil && key != "" {
			if ferr := w.dedupe.Forget(ctx, key); ferr != nil {
				w.logger.Error().Err(ferr).Str("doc_id", key).Msg("failed to clear dedupe key")
			}
		}
		return fmt.Errorf("register %s: %w", key, err)
	}
	return nil
}

// Dispatcher enqueues documents for the worker pool.
type Dispatcher struct {
	Queue   *queue.StreamQueue
	Metrics *metrics.Metrics
}

var _ knowledge.Dispatcher = Dispatcher{}

func (d Dispatcher) Dispatch(ctx context.Context, doc knowledge.Document) error {
	if _, err := d.Queue.Enqueue(ctx, queue.IngestJob{Document: doc}); err != nil {
		return err
	}
	if d.Metrics != nil {
		d.Metrics.EnqueuedJobs.Inc()
	}
	return nil
}
