package blob

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// FS stores payloads as files under a root directory.
type FS struct {
	root string
}

var _ Store = (*FS)(nil)

// NewFS creates the root directory if needed and returns a store over it.
func NewFS(root string) (*FS, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("blob root directory is required")
	}
	root = filepath.Clean(root)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	return &FS{root: root}, nil
}

// Put writes the payload to a temp file and renames it into place, so a
// concurrent Get never observes a partial write.
func (s *FS) Put(ctx context.Context, key string, payload io.Reader, size int64, contentType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dst, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create blob directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".waypost-upload-*")
	if err != nil {
		return fmt.Errorf("create temp payload: %w", err)
	}
	defer os.Remove(tmp.Name())

	written, err := io.Copy(tmp, payload)
	if err != nil {
		tmp.Close()
		return fmt.Errorf("write payload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("flush payload: %w", err)
	}
	if size >= 0 && written != size {
		return fmt.Errorf("payload size mismatch: declared %d bytes, wrote %d", size, written)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return fmt.Errorf("store payload: %w", err)
	}
	return nil
}

func (s *FS) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	src, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(src)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("open payload: %w", err)
	}
	return f, nil
}

// Delete removes the payload. Deleting a missing key is not an error.
func (s *FS) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dst, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete payload: %w", err)
	}
	return nil
}

// resolve maps a key to an absolute path, rejecting keys that would
// escape the root.
func (s *FS) resolve(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", ErrKeyInvalid
	}
	clean := path.Clean(key)
	if clean != key || clean == "." || strings.HasPrefix(clean, "/") || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", ErrKeyInvalid
	}
	return filepath.Join(s.root, filepath.FromSlash(clean)), nil
}
