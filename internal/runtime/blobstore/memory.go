package blobstore

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type memoryStore struct {
	mu    sync.RWMutex
	blobs map[string]Blob
}

// NewMemory keeps blobs in process memory until they are revoked.
func NewMemory() Store {
	return &memoryStore{blobs: make(map[string]Blob)}
}

func (s *memoryStore) Put(_ context.Context, blob Blob) (string, error) {
	if len(blob.Data) == 0 {
		return "", fmt.Errorf("blobstore: put: empty blob")
	}
	if blob.CreatedAt.IsZero() {
		blob.CreatedAt = time.Now().UTC()
	}
	ref := NewRef()
	s.mu.Lock()
	s.blobs[ref] = cloneBlob(blob)
	s.mu.Unlock()
	return ref, nil
}

func (s *memoryStore) Get(_ context.Context, ref string) (Blob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	blob, ok := s.blobs[ref]
	if !ok {
		return Blob{}, fmt.Errorf("blobstore: get %s: %w", ref, ErrNotFound)
	}
	return cloneBlob(blob), nil
}

func (s *memoryStore) Revoke(_ context.Context, ref string) error {
	if ref == "" {
		return nil
	}
	s.mu.Lock()
	delete(s.blobs, ref)
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) Size(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.blobs)), nil
}

func (s *memoryStore) Close(_ context.Context) error {
	s.mu.Lock()
	s.blobs = make(map[string]Blob)
	s.mu.Unlock()
	return nil
}

func cloneBlob(in Blob) Blob {
	out := in
	if in.Data != nil {
		out.Data = append([]byte(nil), in.Data...)
	}
	return out
}
