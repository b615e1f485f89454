package storage

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/docquery/casepipe/internal/domain"
	"github.com/docquery/casepipe/internal/errs"
)

// FilesystemStore backs the object-storage interface with a local directory
// for single-node runs. Keys are sanitized to stay inside the root.
type FilesystemStore struct {
	root   string
	events chan domain.UploadEventPayload
}

func NewFilesystemStore(root string) (*FilesystemStore, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("storage root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &FilesystemStore{
		root:   root,
		events: make(chan domain.UploadEventPayload, 256),
	}, nil
}

func (s *FilesystemStore) Put(_ context.Context, key, contentType string, data []byte) error {
	path, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create object dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write object %s: %w", key, err)
	}

	if contentType == "" {
		contentType = mime.TypeByExtension(filepath.Ext(key))
	}
	event := domain.UploadEventPayload{
		ObjectKey:   key,
		ContentType: contentType,
		Size:        int64(len(data)),
	}
	select {
	case s.events <- event:
	default:
	}
	return nil
}

func (s *FilesystemStore) Get(_ context.Context, key string) ([]byte, error) {
	path, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errs.ErrNotFound
		}
		return nil, fmt.Errorf("read object %s: %w", key, err)
	}
	return data, nil
}

func (s *FilesystemStore) Events() <-chan domain.UploadEventPayload {
	return s.events
}

func (s *FilesystemStore) resolve(key string) (string, error) {
	cleaned := filepath.Clean("/" + key)
	if cleaned == "/" {
		return "", errs.ErrValidation
	}
	return filepath.Join(s.root, cleaned), nil
}
