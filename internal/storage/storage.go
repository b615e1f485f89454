// Package storage models the object-storage collaborator at its interface:
// opaque blobs by key, plus object-created notifications on upload. The
// pipeline never depends on anything beyond this surface.
package storage

import (
	"context"
	"log"
	"sync"

	"github.com/docquery/casepipe/internal/domain"
	"github.com/docquery/casepipe/internal/errs"
)

// ObjectStore reads and writes opaque blobs by key.
type ObjectStore interface {
	Put(ctx context.Context, key, contentType string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// Notifier exposes the collaborator's object-created event feed.
type Notifier interface {
	Events() <-chan domain.UploadEventPayload
}

// Publisher is the slice of the bus the event pump needs.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any, dedupKey string) error
}

// PumpEvents routes storage upload notifications onto the bus until the
// context is canceled or the feed closes.
func PumpEvents(ctx context.Context, notifier Notifier, publisher Publisher, logger *log.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-notifier.Events():
			if !ok {
				return
			}
			if err := publisher.Publish(ctx, domain.TopicDocumentsUploaded, event, event.ObjectKey); err != nil {
				if logger != nil {
					logger.Printf("publish upload event failed object_key=%s err=%v", event.ObjectKey, err)
				}
			}
		}
	}
}

// MemoryStore keeps blobs in memory for local development and tests. Every
// Put emits an object-created event, mirroring the collaborator contract.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
	events  chan domain.UploadEventPayload
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects: make(map[string][]byte),
		events:  make(chan domain.UploadEventPayload, 256),
	}
}

func (s *MemoryStore) Put(_ context.Context, key, contentType string, data []byte) error {
	s.mu.Lock()
	s.objects[key] = append([]byte(nil), data...)
	s.mu.Unlock()

	event := domain.UploadEventPayload{
		ObjectKey:   key,
		ContentType: contentType,
		Size:        int64(len(data)),
	}
	select {
	case s.events <- event:
	default:
		// Feed full; the notification is lost, like a real collaborator
		// with a bounded delivery buffer.
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.objects[key]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (s *MemoryStore) Events() <-chan domain.UploadEventPayload {
	return s.events
}
