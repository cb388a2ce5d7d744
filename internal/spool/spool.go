package spool

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Spool stages upload payloads on disk. Each file belongs to exactly one
// queue item; the item id keys the file so deletion cannot orphan storage.
type Spool struct {
	dir string
}

// New ensures the spool directory exists.
func New(dir string) (*Spool, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}
	return &Spool{dir: dir}, nil
}

// Save writes the payload for the given item id, keeping the original
// filename's extension so content type sniffing downstream stays cheap.
// It returns the absolute path of the staged file.
func (s *Spool) Save(itemID, filename string, r io.Reader) (string, error) {
	path := s.path(itemID, filename)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return "", fmt.Errorf("create spool file: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		_ = os.Remove(path)
		return "", fmt.Errorf("write spool file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("close spool file: %w", err)
	}
	return path, nil
}

// Remove deletes a staged file. Missing files are not an error; the caller
// may be cleaning up after a partially failed save.
func (s *Spool) Remove(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove spool file: %w", err)
	}
	return nil
}

func (s *Spool) path(itemID, filename string) string {
	ext := filepath.Ext(filename)
	// Uploaded filenames are untrusted; only the extension survives, stripped
	// of separators.
	ext = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\':
			return -1
		}
		return r
	}, ext)
	return filepath.Join(s.dir, itemID+ext)
}
