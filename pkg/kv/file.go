// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package kv

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"gopkg.in/yaml.v3"
)

// lockTimeout is the maximum time to wait for the file lock.
const lockTimeout = 2 * time.Second

// fileDocument is the on-disk layout of a FileStore.
type fileDocument struct {
	Values map[string]string `yaml:"values"`
}

// FileStore implements Store on a single YAML document. Every mutation takes
// a process mutex and an advisory lock on "<path>.lock", so several processes
// sharing the file see atomic updates.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore creates a FileStore at path, creating the parent directory if needed.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("file store path is required")
	}
	path = filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return &FileStore{path: path}, nil
}

// Get reads key from the document.
func (s *FileStore) Get(ctx context.Context, key string) ([]byte, error) {
	var (
		value string
		found bool
	)
	err := s.withLock(ctx, func() error {
		doc, err := s.load()
		if err != nil {
			return err
		}
		value, found = doc.Values[key]
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotFound
	}
	return []byte(value), nil
}

// Set writes key to the document.
func (s *FileStore) Set(ctx context.Context, key string, value []byte) error {
	return s.Update(ctx, key, func([]byte) ([]byte, error) {
		return value, nil
	})
}

// Delete removes key from the document.
func (s *FileStore) Delete(ctx context.Context, key string) error {
	return s.Update(ctx, key, func([]byte) ([]byte, error) {
		return nil, nil
	})
}

// Update loads the document, applies fn to key and saves the document, all
// while holding both locks.
func (s *FileStore) Update(ctx context.Context, key string, fn UpdateFunc) error {
	return s.withLock(ctx, func() error {
		doc, err := s.load()
		if err != nil {
			return err
		}

		var current []byte
		if v, ok := doc.Values[key]; ok {
			current = []byte(v)
		}

		next, err := fn(current)
		if err != nil {
			return err
		}

		switch {
		case next == nil:
			if current == nil {
				return nil
			}
			delete(doc.Values, key)
		case unchanged(current, next):
			return nil
		default:
			doc.Values[key] = string(next)
		}
		return s.save(doc)
	})
}

// Close is a no-op; the file is opened per operation.
func (*FileStore) Close() error {
	return nil
}

func (s *FileStore) withLock(ctx context.Context, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fileLock := flock.New(s.path + ".lock")
	lockCtx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()

	locked, err := fileLock.TryLockContext(lockCtx, 10*time.Millisecond)
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("failed to acquire lock: timeout after %v", lockTimeout)
	}
	defer fileLock.Unlock() //nolint:errcheck // lock file is released on close regardless

	return fn()
}

func (s *FileStore) load() (*fileDocument, error) {
	doc := &fileDocument{Values: make(map[string]string)}

	// #nosec G304: path comes from operator configuration
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return doc, nil
	}
	if err != nil {
		return nil, fmt.Errorf("unable to read store file %s: %w", s.path, err)
	}
	if err := yaml.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("failed to parse store file yaml: %w", err)
	}
	if doc.Values == nil {
		doc.Values = make(map[string]string)
	}
	return doc, nil
}

// save writes the document to a temporary file and renames it into place so
// readers never observe a partial write.
func (s *FileStore) save(doc *fileDocument) error {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode store file: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write store file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace store file: %w", err)
	}
	return nil
}
