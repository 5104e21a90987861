package blob

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Compile-time check that FSStore implements Store.
var _ Store = (*FSStore)(nil)

// FSStore keeps blobs on the local filesystem under a root directory.
// Locators are "file://{key}" strings, so records stay portable if the
// backing store later moves to an object store with the same key layout.
type FSStore struct {
	root string
}

// NewFSStore creates (if needed) and wraps the given root directory.
func NewFSStore(root string) (*FSStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating blob root: %w", err)
	}
	return &FSStore{root: root}, nil
}

const locatorScheme = "file://"

func (s *FSStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	path, err := s.keyPath(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating blob directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("writing blob %s: %w", key, err)
	}
	return locatorScheme + key, nil
}

func (s *FSStore) Open(ctx context.Context, locator string) ([]byte, error) {
	key, ok := strings.CutPrefix(locator, locatorScheme)
	if !ok {
		return nil, fmt.Errorf("unsupported locator %q", locator)
	}
	path, err := s.keyPath(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, locator)
	}
	if err != nil {
		return nil, fmt.Errorf("reading blob %s: %w", key, err)
	}
	return data, nil
}

func (s *FSStore) DeletePrefix(ctx context.Context, prefix string) error {
	path, err := s.keyPath(prefix)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("deleting blobs under %s: %w", prefix, err)
	}
	return nil
}

// ResolveURL returns a file URL for the locator. The filesystem backend has
// no expiry mechanism; ttl is honored by object-store implementations.
func (s *FSStore) ResolveURL(locator string, ttl time.Duration) (string, error) {
	key, ok := strings.CutPrefix(locator, locatorScheme)
	if !ok {
		return "", fmt.Errorf("unsupported locator %q", locator)
	}
	path, err := s.keyPath(key)
	if err != nil {
		return "", err
	}
	return "file://" + path, nil
}

// keyPath maps a key to a path under root, rejecting traversal outside it.
func (s *FSStore) keyPath(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) || filepath.IsAbs(clean) {
		return "", fmt.Errorf("invalid blob key %q", key)
	}
	return filepath.Join(s.root, clean), nil
}

func frameName(timestampMS int64) string {
	return fmt.Sprintf("frame_%08d.jpg", timestampMS)
}
