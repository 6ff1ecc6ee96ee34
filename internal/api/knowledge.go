package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"chatkeep/internal/knowledge"
)

var errSaveUpload = errors.New("save upload")

type ingestRecord struct {
	Content string         `json:"content"`
	Meta    map[string]any `json:"meta"`
}

// ingest accepts either multipart "files" uploads or a JSON array of
// pre-chunked records.
func (s *Server) ingest(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	var (
		docs []knowledge.Document
		err  error
	)
	if mediaType == "multipart/form-data" {
		docs, err = s.readUploads(r)
	} else {
		docs, err = s.readRecords(r)
	}
	if err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			writeErrorString(w, http.StatusRequestEntityTooLarge, "upload too large")
		case errors.Is(err, errSaveUpload):
			s.logger.Error().Err(err).Msg("failed to store upload")
			writeErrorString(w, http.StatusInternalServerError, "failed to store upload")
		default:
			writeError(w, http.StatusBadRequest, err)
		}
		return
	}

	n, err := s.knowledge.Ingest(r.Context(), docs)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"uploaded": n,
	})
}

func (s *Server) readUploads(r *http.Request) ([]knowledge.Document, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, fmt.Errorf("read multipart: %w", err)
	}
	docs := make([]knowledge.Document, 0)
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return docs, nil
		}
		if err != nil {
			return nil, fmt.Errorf("next part: %w", err)
		}
		if part.FormName() != "files" || part.FileName() == "" {
			part.Close()
			continue
		}
		doc, err := s.knowledge.SaveUpload(part.FileName(), part)
		part.Close()
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %w", errSaveUpload, err)
		}
		docs = append(docs, doc)
	}
}

func (s *Server) readRecords(r *http.Request) ([]knowledge.Document, error) {
	var records []ingestRecord
	if err := json.NewDecoder(r.Body).Decode(&records); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, err
		}
		return nil, errors.New("expected multipart files or a JSON array of {content, meta} records")
	}
	docs := make([]knowledge.Document, 0, len(records))
	for i, rec := range records {
		if strings.TrimSpace(rec.Content) == "" {
			return nil, fmt.Errorf("record %d: content is required", i)
		}
		docs = append(docs, s.knowledge.Record(rec.Content, rec.Meta))
	}
	return docs, nil
}

func (s *Server) ragQuery(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Query string `json:"query"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeErrorString(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	ans, err := s.knowledge.Query(r.Context(), payload.Query)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ans)
}

func (s *Server) listKnowledge(w http.ResponseWriter, r *http.Request) {
	docs, err := s.knowledge.List(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, docs)
}

func (s *Server) removeKnowledge(w http.ResponseWriter, r *http.Request) {
	file := strings.TrimSpace(r.URL.Query().Get("file"))
	if file == "" {
		writeErrorString(w, http.StatusBadRequest, "file query parameter is required")
		return
	}
	n, err := s.knowledge.Remove(r.Context(), file)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"deleted": n,
	})
}

// limited applies the per-client rate limit when one is configured. Limiter
// errors let the request through.
func (s *Server) limited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next(w, r)
			return
		}
		allowed, used, resetAt, err := s.limiter.Allow(r.Context(), clientKey(r), time.Now())
		if err != nil {
			s.logger.Error().Err(err).Msg("rate limiter unavailable")
			next(w, r)
			return
		}
		if !allowed {
			retry := int(time.Until(resetAt).Seconds())
			if retry < 1 {
				retry = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			s.logger.Warn().Str("client", clientKey(r)).Int64("used", used).Msg("rate limited")
			writeErrorString(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, r)
	}
}
