package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"chatkeep/internal/chats"
	"chatkeep/internal/knowledge"
	"chatkeep/internal/metrics"
)

// RateLimiter is satisfied by queue.RateLimiter.
type RateLimiter interface {
	Allow(ctx context.Context, client string, now time.Time) (allowed bool, used int64, resetAt time.Time, err error)
}

// Server wraps the HTTP handlers for the chat store and the knowledge stubs.
type Server struct {
	chats          *chats.Service
	knowledge      *knowledge.Service
	limiter        RateLimiter
	logger         zerolog.Logger
	metrics        *metrics.Metrics
	corsOrigin     string
	maxUploadBytes int64
}

type Config struct {
	Chats          *chats.Service
	Knowledge      *knowledge.Service
	RateLimiter    RateLimiter
	Logger         zerolog.Logger
	Metrics        *metrics.Metrics
	CORSOrigin     string
	MaxUploadBytes int64
}

func New(cfg Config) *Server {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.CORSOrigin == "" {
		cfg.CORSOrigin = "*"
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 32 << 20
	}
	return &Server{
		chats:          cfg.Chats,
		knowledge:      cfg.Knowledge,
		limiter:        cfg.RateLimiter,
		logger:         cfg.Logger,
		metrics:        m,
		corsOrigin:     cfg.CORSOrigin,
		maxUploadBytes: cfg.MaxUploadBytes,
	}
}

// Register wires the API routes onto the supplied mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /chats", s.listChats)
	mux.HandleFunc("POST /chats", s.createChat)
	mux.HandleFunc("GET /chats/{id}", s.getChat)
	mux.HandleFunc("PATCH /chats/{id}", s.renameChat)
	mux.HandleFunc("DELETE /chats/{id}", s.deleteChat)
	mux.HandleFunc("GET /chats/{id}/messages", s.listMessages)
	mux.HandleFunc("POST /chats/{id}/messages", s.appendMessage)

	if s.knowledge != nil {
		mux.HandleFunc("POST /ingest", s.limited(s.ingest))
		mux.HandleFunc("POST /rag/query", s.limited(s.ragQuery))
		mux.HandleFunc("GET /knowledge", s.listKnowledge)
		mux.HandleFunc("DELETE /knowledge", s.removeKnowledge)
	}
}

func (s *Server) listChats(w http.ResponseWriter, r *http.Request) {
	list, err := s.chats.List(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) createChat(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Title string `json:"title"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil && !errors.Is(err, io.EOF) {
		writeErrorString(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	c, err := s.chats.Create(r.Context(), payload.Title)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) getChat(w http.ResponseWriter, r *http.Request) {
	c, err := s.chats.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.chats.Messages(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) appendMessage(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Role *string `json:"role"`
		Text *string `json:"text"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil && !errors.Is(err, io.EOF) {
		writeErrorString(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	msg, err := s.chats.Append(r.Context(), r.PathValue("id"), payload.Role, payload.Text)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) renameChat(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Title *string `json:"title"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil && !errors.Is(err, io.EOF) {
		writeErrorString(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	c, err := s.chats.Rename(r.Context(), r.PathValue("id"), payload.Title)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) deleteChat(w http.ResponseWriter, r *http.Request) {
	if err := s.chats.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var se *chats.StorageError
	switch {
	case errors.Is(err, chats.ErrNotFound):
		writeErrorString(w, http.StatusNotFound, "Chat not found")
	case errors.Is(err, chats.ErrInvalidInput), errors.Is(err, knowledge.ErrEmptyQuery):
		writeError(w, http.StatusBadRequest, err)
	case errors.As(err, &se):
		s.logger.Error().Err(err).Str("op", se.Op).Str("path", r.URL.Path).Msg("storage failure")
		writeErrorString(w, http.StatusInternalServerError, "storage failure")
	default:
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		writeErrorString(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	_ = enc.Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeErrorString(w, status, err.Error())
}

func writeErrorString(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(body io.ReadCloser, dest any) error {
	defer body.Close()
	return json.NewDecoder(body).Decode(dest)
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
