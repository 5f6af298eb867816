// Package local stages damage images as files in one directory.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/quickcheck-project/quickcheck-liff/internal/photostore"
)

var extByMIME = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

var mimeByExt = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
}

// DiskStore keeps staged images as flat files named
// <prefix>_<uuid><ext> under dir.
type DiskStore struct {
	dir string
}

func NewDiskStore(dir string) (*DiskStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	return &DiskStore{dir: dir}, nil
}

// Save writes r to a temporary file and renames it into place; a key is only
// returned for a complete image.
func (s *DiskStore) Save(_ context.Context, prefix, mimeType string, r io.Reader) (string, error) {
	ext, ok := extByMIME[mimeType]
	if !ok {
		return "", fmt.Errorf("unsupported image type %q", mimeType)
	}

	tmp, err := os.CreateTemp(s.dir, ".staging-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	discard := func() {
		if err := os.Remove(tmp.Name()); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Error("failed to remove temp image", "path", tmp.Name(), "error", err)
		}
	}

	if _, err := io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		discard()
		return "", fmt.Errorf("failed to write image: %w", err)
	}
	if err := tmp.Close(); err != nil {
		discard()
		return "", fmt.Errorf("failed to close image: %w", err)
	}

	key := keyPrefix(prefix) + "_" + uuid.NewString() + ext
	if err := os.Rename(tmp.Name(), filepath.Join(s.dir, key)); err != nil {
		discard()
		return "", fmt.Errorf("failed to move image into place: %w", err)
	}
	return key, nil
}

func (s *DiskStore) Get(_ context.Context, storageKey string) (io.ReadCloser, string, error) {
	path, err := s.path(storageKey)
	if err != nil {
		return nil, "", err
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, "", photostore.ErrNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to open image: %w", err)
	}

	mimeType, ok := mimeByExt[strings.ToLower(filepath.Ext(path))]
	if !ok {
		mimeType = "application/octet-stream"
	}
	return f, mimeType, nil
}

// Delete releases a staged image.
func (s *DiskStore) Delete(_ context.Context, storageKey string) error {
	path, err := s.path(storageKey)
	if err != nil {
		return err
	}
	err = os.Remove(path)
	if errors.Is(err, os.ErrNotExist) {
		return photostore.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to delete image: %w", err)
	}
	return nil
}

// path maps a key to its file. Keys are single local path elements; anything
// else is refused.
func (s *DiskStore) path(storageKey string) (string, error) {
	if storageKey == "" || !filepath.IsLocal(storageKey) || filepath.Base(storageKey) != storageKey {
		return "", fmt.Errorf("invalid storage key %q", storageKey)
	}
	return filepath.Join(s.dir, storageKey), nil
}

func keyPrefix(prefix string) string {
	var b strings.Builder
	for _, r := range prefix {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' {
			b.WriteRune(r)
		} else {
			b.WriteByte('-')
		}
	}
	if b.Len() == 0 {
		return "image"
	}
	return b.String()
}
