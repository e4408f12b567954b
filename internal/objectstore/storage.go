// Package objectstore retrieves and stores audio objects by key.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/cuongbtq/audio-pipeline/internal/domain"
	"github.com/google/uuid"
)

// Storage is the object storage collaborator
type Storage interface {
	// GetStream opens the object stored under key or returns domain.ErrObjectNotFound
	GetStream(ctx context.Context, key string) (io.ReadCloser, error)

	// Put stores the stream and returns the generated key
	Put(ctx context.Context, name string, r io.Reader) (string, error)
}

// ReadAll reads at most limit bytes from r. A stream longer than limit
// fails with domain.ErrAudioTooLarge.
func ReadAll(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("failed to read object: %w", err)
		}
		return data, nil
	}

	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read object: %w", err)
	}
	if n > limit {
		return nil, fmt.Errorf("%w: more than %d bytes", domain.ErrAudioTooLarge, limit)
	}
	return buf.Bytes(), nil
}

var _ Storage = (*LocalStorage)(nil)

// LocalStorage keeps objects as files under a root directory
type LocalStorage struct {
	root string
}

// NewLocalStorage creates the root directory if needed
func NewLocalStorage(root string) (*LocalStorage, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("storage root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}
	return &LocalStorage{root: root}, nil
}

func (s *LocalStorage) GetStream(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p, err := s.resolve(key)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", domain.ErrObjectNotFound, key)
		}
		return nil, fmt.Errorf("failed to open object: %w", err)
	}
	return file, nil
}

func (s *LocalStorage) Put(ctx context.Context, name string, r io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	key := path.Join("audio", uuid.NewString()+path.Ext(name))
	p, err := s.resolve(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("failed to create object dir: %w", err)
	}

	file, err := os.Create(p)
	if err != nil {
		return "", fmt.Errorf("failed to create object: %w", err)
	}
	if _, err := io.Copy(file, r); err != nil {
		file.Close()
		os.Remove(p)
		return "", fmt.Errorf("failed to write object: %w", err)
	}
	if err := file.Close(); err != nil {
		return "", fmt.Errorf("failed to close object: %w", err)
	}

	return key, nil
}

// resolve maps a key to a path inside root, rejecting keys that escape it
func (s *LocalStorage) resolve(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("object key is required")
	}
	cleaned := path.Clean("/" + key)
	if cleaned == "/" {
		return "", fmt.Errorf("invalid object key: %q", key)
	}
	return filepath.Join(s.root, filepath.FromSlash(cleaned)), nil
}
