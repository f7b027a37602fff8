// Package syncstore persists the connector's cross-run state: the last
// synchronized timestamp per source and the known-target-document record per
// post. Backends are selected by DSN scheme.
package syncstore

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/newsbridge/livesync/internal/liveblog"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

// Store is the external state supplied to the sync core. Lookup and
// LastSynced return (nil, nil) for unknown keys; that nil is the "never
// synced" signal.
type Store interface {
	LastSynced(ctx context.Context, sourceID string) (*time.Time, error)
	SetLastSynced(ctx context.Context, sourceID string, t time.Time) error
	Lookup(ctx context.Context, postID string) (*liveblog.SyncRecord, error)
	Save(ctx context.Context, record liveblog.SyncRecord) error
	Delete(ctx context.Context, postID string) error
	Close() error
}

// snapshot is the serialized form shared by the memory and file backends.
type snapshot struct {
	LastSynced map[string]time.Time           `json:"lastSynced"`
	Records    map[string]liveblog.SyncRecord `json:"records"`
}

func newSnapshot() snapshot {
	return snapshot{
		LastSynced: map[string]time.Time{},
		Records:    map[string]liveblog.SyncRecord{},
	}
}

type MemoryStore struct {
	mu   sync.Mutex
	data snapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: newSnapshot()}
}

func (s *MemoryStore) LastSynced(ctx context.Context, sourceID string) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.data.LastSynced[sourceID]
	if !ok {
		return nil, nil
	}
	clone := t
	return &clone, nil
}

func (s *MemoryStore) SetLastSynced(ctx context.Context, sourceID string, t time.Time) error {
	if sourceID == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.LastSynced[sourceID] = t.UTC()
	return nil
}

func (s *MemoryStore) Lookup(ctx context.Context, postID string) (*liveblog.SyncRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.data.Records[postID]
	if !ok {
		return nil, nil
	}
	clone := record
	return &clone, nil
}

func (s *MemoryStore) Save(ctx context.Context, record liveblog.SyncRecord) error {
	if record.PostID == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Records[record.PostID] = record
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, postID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data.Records, postID)
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
