package syncstore

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/newsbridge/livesync/internal/liveblog"
)

// FileStore persists the snapshot as one JSON file, written atomically.
type FileStore struct {
	path string

	mu     sync.Mutex
	data   snapshot
	loaded bool
}

func NewFileStore(path string) (*FileStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	return &FileStore{path: path, data: newSnapshot()}, nil
}

func (s *FileStore) LastSynced(ctx context.Context, sourceID string) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return nil, err
	}
	t, ok := s.data.LastSynced[sourceID]
	if !ok {
		return nil, nil
	}
	clone := t
	return &clone, nil
}

func (s *FileStore) SetLastSynced(ctx context.Context, sourceID string, t time.Time) error {
	if sourceID == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return err
	}
	s.data.LastSynced[sourceID] = t.UTC()
	return s.saveLocked()
}

func (s *FileStore) Lookup(ctx context.Context, postID string) (*liveblog.SyncRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return nil, err
	}
	record, ok := s.data.Records[postID]
	if !ok {
		return nil, nil
	}
	clone := record
	return &clone, nil
}

func (s *FileStore) Save(ctx context.Context, record liveblog.SyncRecord) error {
	if record.PostID == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return err
	}
	s.data.Records[record.PostID] = record
	return s.saveLocked()
}

func (s *FileStore) Delete(ctx context.Context, postID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return err
	}
	delete(s.data.Records, postID)
	return s.saveLocked()
}

func (s *FileStore) Close() error {
	return nil
}

func (s *FileStore) loadLocked() error {
	if s.loaded {
		return nil
	}
	s.loaded = true
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}
	if snap.LastSynced == nil {
		snap.LastSynced = map[string]time.Time{}
	}
	if snap.Records == nil {
		snap.Records = map[string]liveblog.SyncRecord{}
	}
	s.data = snap
	return nil
}

func (s *FileStore) saveLocked() error {
	data, err := json.Marshal(s.data)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	return writeFileAtomic(s.path, data, 0o644)
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
