// Package storage provides file-based JSON storage over an afero filesystem.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/afero"
)

var (
	ErrNotFound = errors.New("not found")
)

// Storage stores JSON documents addressed by key paths.
type Storage struct {
	fs       afero.Fs
	basePath string
	osBacked bool

	mu    sync.Mutex
	locks map[string]*FileLock
}

// New creates a Storage rooted at basePath on the OS filesystem.
func New(basePath string) *Storage {
	s := NewWithFs(afero.NewOsFs(), basePath)
	s.osBacked = true
	return s
}

// NewWithFs creates a Storage on an arbitrary filesystem. Locks on a
// non-OS filesystem only exclude goroutines of this process.
func NewWithFs(fs afero.Fs, basePath string) *Storage {
	return &Storage{
		fs:       fs,
		basePath: basePath,
		locks:    make(map[string]*FileLock),
	}
}

// OSBacked reports whether documents live on the real filesystem.
func (s *Storage) OSBacked() bool { return s.osBacked }

// FilePath returns the file backing a key path.
func (s *Storage) FilePath(path []string) string {
	parts := append([]string{s.basePath}, path...)
	return filepath.Join(parts...) + ".json"
}

func (s *Storage) dirPath(path []string) string {
	parts := append([]string{s.basePath}, path...)
	return filepath.Join(parts...)
}

// Get reads the document at path into v.
func (s *Storage) Get(ctx context.Context, path []string, v any) error {
	return s.read(s.FilePath(path), v)
}

func (s *Storage) read(filePath string, v any) error {
	data, err := afero.ReadFile(s.fs, filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to read file: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal: %w", err)
	}
	return nil
}

// Put writes v at path atomically.
func (s *Storage) Put(ctx context.Context, path []string, v any) error {
	filePath := s.FilePath(path)

	lock := s.getLock(filePath)
	if err := lock.Lock(ctx); err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer lock.Unlock()

	return s.write(filePath, v)
}

// Update runs a locked read-modify-write cycle. v is filled from the
// current document (left untouched when absent), fn mutates it, and the
// result is written back unless fn returns an error.
func (s *Storage) Update(ctx context.Context, path []string, v any, fn func(found bool) error) error {
	filePath := s.FilePath(path)

	lock := s.getLock(filePath)
	if err := lock.Lock(ctx); err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer lock.Unlock()

	found := true
	if err := s.read(filePath, v); err != nil {
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		found = false
	}
	if err := fn(found); err != nil {
		return err
	}
	return s.write(filePath, v)
}

func (s *Storage) write(filePath string, v any) error {
	if err := s.fs.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal: %w", err)
	}

	tmpPath := filePath + ".tmp"
	if err := afero.WriteFile(s.fs, tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := s.fs.Rename(tmpPath, filePath); err != nil {
		_ = s.fs.Remove(tmpPath)
		return fmt.Errorf("failed to rename file: %w", err)
	}
	return nil
}

// List returns the keys directly under path.
func (s *Storage) List(ctx context.Context, path []string) ([]string, error) {
	entries, err := afero.ReadDir(s.fs, s.dirPath(path))
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}

	items := []string{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			items = append(items, name)
		} else if strings.HasSuffix(name, ".json") {
			items = append(items, strings.TrimSuffix(name, ".json"))
		}
	}
	return items, nil
}

func (s *Storage) getLock(filePath string) *FileLock {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.locks[filePath]
	if !ok {
		if s.osBacked {
			lock = NewFileLock(filePath)
		} else {
			lock = newLocalLock()
		}
		s.locks[filePath] = lock
	}
	return lock
}
