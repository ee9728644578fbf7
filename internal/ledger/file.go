package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// FileStore keeps the ledger as one JSON document on disk.
type FileStore struct {
	path string
	name string
}

// NewFileStore returns a store for the document at path.
func NewFileStore(path, name string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("ledger path is required")
	}
	return &FileStore{path: path, name: name}, nil
}

// Path returns the document path.
func (s *FileStore) Path() string {
	return s.path
}

// Load reads the document, returning an empty ledger when the file does not
// exist yet.
func (s *FileStore) Load(_ context.Context) (*Ledger, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return New(s.name), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	l := New(s.name)
	if err := json.Unmarshal(data, l); err != nil {
		return nil, fmt.Errorf("decode ledger %s: %w", s.path, err)
	}
	return l, nil
}

// Save replaces the document atomically.
func (s *FileStore) Save(_ context.Context, l *Ledger) error {
	data, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return fmt.Errorf("encode ledger: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create ledger dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp ledger: %w", err)
	}
	defer func() {
		_ = os.Remove(tmp.Name())
	}()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp ledger: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp ledger: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp ledger: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace ledger: %w", err)
	}
	return nil
}
