package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// FileBackend keeps the Document in a single JSON file.
type FileBackend struct {
	path string
}

// OpenFile prepares a FileBackend at path, writing an empty document when the
// file does not exist yet. Existing content is left untouched, even if corrupt.
func OpenFile(path string) (*FileBackend, error) {
	if path == "" {
		return nil, fmt.Errorf("store path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	b := &FileBackend{path: path}
	_, err := os.Stat(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := b.Save(context.Background(), Document{Chats: []Chat{}}); err != nil {
			return nil, fmt.Errorf("init store file: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("stat store file: %w", err)
	}
	return b, nil
}

func (b *FileBackend) Path() string {
	return b.path
}

func (b *FileBackend) Load(_ context.Context) (Document, error) {
	raw, err := os.ReadFile(b.path)
	if err != nil {
		return Document{}, fmt.Errorf("read store file: %w", err)
	}

	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Document{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if doc.Chats == nil {
		doc.Chats = []Chat{}
	}
	for i := range doc.Chats {
		if doc.Chats[i].Messages == nil {
			doc.Chats[i].Messages = []Message{}
		}
	}
	return doc, nil
}

func (b *FileBackend) Save(_ context.Context, doc Document) error {
	if doc.Chats == nil {
		doc.Chats = []Chat{}
	}

	tmp, err := os.CreateTemp(filepath.Dir(b.path), filepath.Base(b.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	encoder := json.NewEncoder(tmp)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(&doc); err != nil {
		tmp.Close()
		return fmt.Errorf("encode store: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, b.path); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	return nil
}

func (b *FileBackend) Close() error {
	return nil
}
