package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

type docRecord struct {
	info DocumentInfo
	log  []byte
}

// MemoryStore is an in-memory implementation of DocumentStore.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]*docRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]*docRecord)}
}

func (s *MemoryStore) Create(_ context.Context, id, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.docs[id]; exists {
		return fmt.Errorf("%w: %q", ErrExists, id)
	}
	now := time.Now()
	s.docs[id] = &docRecord{
		info: DocumentInfo{
			ID:        id,
			Token:     token,
			CreatedAt: now,
			UpdatedAt: now,
		},
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*DocumentInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.docs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	info := rec.info
	return &info, nil
}

func (s *MemoryStore) List(_ context.Context) ([]DocumentInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]DocumentInfo, 0, len(s.docs))
	for _, rec := range s.docs {
		result = append(result, rec.info)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *MemoryStore) Append(_ context.Context, id string, chunk []byte, offset int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.docs[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	if offset != int64(len(rec.log)) {
		return fmt.Errorf("%w: %q at %d, size %d", ErrOffsetMismatch, id, offset, len(rec.log))
	}
	rec.log = append(rec.log, chunk...)
	rec.info.Size = int64(len(rec.log))
	rec.info.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) ReadFrom(_ context.Context, id string, offset int64) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.docs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	if offset < 0 || offset > int64(len(rec.log)) {
		return nil, fmt.Errorf("invalid offset %d for %q of size %d", offset, id, len(rec.log))
	}
	out := make([]byte, int64(len(rec.log))-offset)
	copy(out, rec.log[offset:])
	return out, nil
}
