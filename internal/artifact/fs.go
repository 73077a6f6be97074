package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// FSStore stores blobs as files under a root directory.
type FSStore struct {
	root string
}

var _ Store = (*FSStore)(nil)

// NewFSStore creates the root directory if needed.
func NewFSStore(root string) (*FSStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve artifact dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0750); err != nil {
		return nil, fmt.Errorf("failed to create artifact dir: %w", err)
	}
	return &FSStore{root: abs}, nil
}

// resolve maps a blob path to a file path, rejecting escapes from the root.
func (s *FSStore) resolve(p string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(p))
	if clean == "." || filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("invalid artifact path %q", p)
	}
	return filepath.Join(s.root, clean), nil
}

// Put implements Store.
func (s *FSStore) Put(_ context.Context, p string, r io.Reader, _ int64, _ string) error {
	target, err := s.resolve(p)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0750); err != nil {
		return fmt.Errorf("failed to create artifact subdir: %w", err)
	}

	// Write to a sibling temp file and rename so readers never see a
	// partial blob.
	tmp, err := os.CreateTemp(filepath.Dir(target), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp blob: %w", err)
	}
	if _, err := io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to close blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to finalize blob: %w", err)
	}
	return nil
}

// Open implements Store.
func (s *FSStore) Open(_ context.Context, p string) (io.ReadCloser, error) {
	target, err := s.resolve(p)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(target) //nolint:gosec
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", p, ErrNotExist)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open blob: %w", err)
	}
	return f, nil
}

// Delete implements Store.
func (s *FSStore) Delete(_ context.Context, p string) error {
	target, err := s.resolve(p)
	if err != nil {
		return err
	}
	err = os.Remove(target)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%s: %w", p, ErrNotExist)
	}
	if err != nil {
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	return nil
}
