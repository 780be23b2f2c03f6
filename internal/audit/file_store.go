package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileStore is a simple file-backed store for dev/testing. It writes each
// decision as a JSON file and keeps a head.hash file for the latest head.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore returns a new FileStore and ensures the directory exists.
func NewFileStore(dir string) *FileStore {
	_ = os.MkdirAll(dir, 0o755)
	return &FileStore{dir: dir}
}

func (f *FileStore) Ping(ctx context.Context) error {
	_, err := os.Stat(f.dir)
	return err
}

// AppendDecision seals the decision against the head.hash file and persists
// both the decision JSON and the new head. The mutex serializes appends so
// concurrent writers cannot fork the chain.
func (f *FileStore) AppendDecision(ctx context.Context, d *Decision) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := seal(d, f.readHead()); err != nil {
		return err
	}

	b, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal decision: %w", err)
	}
	path := filepath.Join(f.dir, fmt.Sprintf("decision_%s.json", d.ID))
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("write decision file: %w", err)
	}

	if err := os.WriteFile(filepath.Join(f.dir, "head.hash"), []byte(d.Hash), 0o644); err != nil {
		return fmt.Errorf("write head.hash: %w", err)
	}
	return nil
}

func (f *FileStore) readHead() string {
	b, err := os.ReadFile(filepath.Join(f.dir, "head.hash"))
	if err != nil {
		return ""
	}
	return string(b)
}

func (f *FileStore) GetDecision(ctx context.Context, id string) (*Decision, error) {
	b, err := os.ReadFile(filepath.Join(f.dir, fmt.Sprintf("decision_%s.json", id)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var d Decision
	if err := json.Unmarshal(b, &d); err != nil {
		return nil, fmt.Errorf("decode decision file: %w", err)
	}
	return &d, nil
}
