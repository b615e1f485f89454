package store

import (
	"context"
	"sync"
	"time"

	"github.com/docquery/casepipe/internal/domain"
	"github.com/docquery/casepipe/internal/errs"
)

// HandleStore tracks in-flight external OCR jobs. Claim is an atomic take:
// the first callback for an external job id wins and every later duplicate
// sees errs.ErrNotFound.
type HandleStore interface {
	Put(ctx context.Context, handle domain.ExternalJobHandle) error
	Claim(ctx context.Context, externalJobID string) (*domain.ExternalJobHandle, error)
	Expired(ctx context.Context, now time.Time) ([]domain.ExternalJobHandle, error)
}

// MemoryHandleStore keeps handles in memory for local development and tests.
type MemoryHandleStore struct {
	mu      sync.Mutex
	handles map[string]domain.ExternalJobHandle
}

func NewMemoryHandleStore() *MemoryHandleStore {
	return &MemoryHandleStore{handles: make(map[string]domain.ExternalJobHandle)}
}

func (s *MemoryHandleStore) Put(_ context.Context, handle domain.ExternalJobHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handles[handle.ExternalJobID] = handle
	return nil
}

func (s *MemoryHandleStore) Claim(_ context.Context, externalJobID string) (*domain.ExternalJobHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	handle, ok := s.handles[externalJobID]
	if !ok {
		return nil, errs.ErrNotFound
	}
	delete(s.handles, externalJobID)
	return &handle, nil
}

func (s *MemoryHandleStore) Expired(_ context.Context, now time.Time) ([]domain.ExternalJobHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	expired := make([]domain.ExternalJobHandle, 0)
	for _, handle := range s.handles {
		if handle.Expired(now) {
			expired = append(expired, handle)
		}
	}
	return expired, nil
}

// Size is used by tests to assert exactly-one-handle invariants.
func (s *MemoryHandleStore) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}
