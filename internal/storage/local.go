package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LocalStore implements BlobStore on the local filesystem, served under a public base URL
type LocalStore struct {
	rootDir string
	baseURL string
}

// NewLocalStore creates a new LocalStore instance
func NewLocalStore(rootDir, baseURL string) (*LocalStore, error) {
	if err := os.MkdirAll(rootDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	abs, err := filepath.Abs(rootDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve storage directory: %w", err)
	}
	return &LocalStore{rootDir: abs, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// RootDir is where objects are written, for serving them over HTTP.
func (s *LocalStore) RootDir() string {
	return s.rootDir
}

func (s *LocalStore) resolve(path string) (string, error) {
	full := filepath.Join(s.rootDir, filepath.FromSlash(path))
	// Verify the path is within our root directory
	if !strings.HasPrefix(full, s.rootDir+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid object path %q: must be within storage root", path)
	}
	return full, nil
}

func (s *LocalStore) Put(ctx context.Context, path string, data []byte, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	full, err := s.resolve(path)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return "", fmt.Errorf("failed to create object directory: %w", err)
	}

	// O_EXCL keeps an existing object from being overwritten
	file, err := os.OpenFile(full, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return "", fmt.Errorf("failed to create object: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(data); err != nil {
		os.Remove(full) // Clean up on error
		return "", fmt.Errorf("failed to write object: %w", err)
	}

	return s.baseURL + "/" + path, nil
}

func (s *LocalStore) Get(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	full, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read object: %w", err)
	}
	return data, nil
}
