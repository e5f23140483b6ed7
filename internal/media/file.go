package media

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
)

// FileStore reads local files. Relative locators resolve under Root and
// may not escape it.
type FileStore struct {
	Root     string
	MaxBytes int64
}

func (s FileStore) Fetch(ctx context.Context, locator string) (Object, error) {
	if err := ctx.Err(); err != nil {
		return Object{}, err
	}
	path, err := s.resolve(locator)
	if err != nil {
		return Object{}, err
	}
	f, err := os.Open(path)
	if err != nil {
		return Object{}, fmt.Errorf("open %s: %w", locator, err)
	}
	defer f.Close()
	data, err := readLimited(f, s.MaxBytes)
	if err != nil {
		return Object{}, fmt.Errorf("read %s: %w", locator, err)
	}
	return Object{Locator: locator, ContentType: sniff(mime.TypeByExtension(filepath.Ext(path)), data), Data: data}, nil
}

func (s FileStore) resolve(locator string) (string, error) {
	p := strings.TrimPrefix(locator, "file://")
	if filepath.IsAbs(p) && s.Root == "" {
		return filepath.Clean(p), nil
	}
	root := s.Root
	if root == "" {
		root = "."
	}
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	var full string
	if filepath.IsAbs(p) {
		full = filepath.Clean(p)
	} else {
		full = filepath.Join(rootAbs, p)
	}
	rel, err := filepath.Rel(rootAbs, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s escapes media root", locator)
	}
	return full, nil
}
