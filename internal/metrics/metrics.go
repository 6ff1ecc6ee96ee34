package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	ChatsCreated      prometheus.Counter
	ChatsDeleted      prometheus.Counter
	MessagesAppended  prometheus.Counter
	StorageFailures   prometheus.Counter
	HTTPRequests      *prometheus.CounterVec
	DocumentsIngested prometheus.Counter
	RAGQueries        prometheus.Counter
	EnqueuedJobs      prometheus.Counter
	ProcessedJobs     prometheus.Counter
	FailedJobs        prometheus.Counter
}

var (
	once   sync.Once
	global *Metrics
)

// New builds an unregistered set, for tests and custom registries.
func New() *Metrics {
	return &Metrics{
		ChatsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatkeep",
			Name:      "chats_created_total",
			Help:      "Total chats created",
		}),
		ChatsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatkeep",
			Name:      "chats_deleted_total",
			Help:      "Total chats removed by delete requests that matched a chat",
		}),
		MessagesAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatkeep",
			Name:      "messages_appended_total",
			Help:      "Total messages appended to chats",
		}),
		StorageFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatkeep",
			Name:      "storage_failures_total",
			Help:      "Total persisted state read or write failures",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatkeep",
			Name:      "http_requests_total",
			Help:      "HTTP requests by route pattern and status code",
		}, []string{"route", "code"}),
		DocumentsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatkeep",
			Name:      "documents_ingested_total",
			Help:      "Total documents registered in the knowledge base",
		}),
		RAGQueries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatkeep",
			Name:      "rag_queries_total",
			Help:      "Total placeholder RAG queries answered",
		}),
		EnqueuedJobs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatkeep",
			Name:      "ingest_jobs_enqueued_total",
			Help:      "Total ingestion jobs enqueued to redis stream",
		}),
		ProcessedJobs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatkeep",
			Name:      "ingest_jobs_processed_total",
			Help:      "Total ingestion jobs successfully processed",
		}),
		FailedJobs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatkeep",
			Name:      "ingest_jobs_failed_total",
			Help:      "Total ingestion jobs failed during processing",
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.ChatsCreated, m.ChatsDeleted, m.MessagesAppended, m.StorageFailures, m.HTTPRequests,
		m.DocumentsIngested, m.RAGQueries, m.EnqueuedJobs, m.ProcessedJobs, m.FailedJobs,
	}
}

func Global() *Metrics {
	once.Do(func() {
		global = New()
		prometheus.MustRegister(global.collectors()...)
	})
	return global
}
