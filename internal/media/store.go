// Package media fetches evidence bytes by locator. Locators are plain
// paths, file://, http(s)://, ipfs:// or s3:// URIs.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

type Object struct {
	Locator     string
	ContentType string
	Data        []byte
}

// Store returns the raw bytes behind a locator or fails.
type Store interface {
	Fetch(ctx context.Context, locator string) (Object, error)
}

var (
	ErrUnsupportedLocator = errors.New("unsupported media locator")
	ErrTooLarge           = errors.New("media exceeds size limit")
)

// DefaultMaxBytes caps a single object when no limit is configured.
const DefaultMaxBytes = 20 << 20

// Router dispatches by locator scheme. A nil backend rejects its scheme.
type Router struct {
	File Store
	HTTP Store
	IPFS Store
	S3   Store
}

func (r Router) Fetch(ctx context.Context, locator string) (Object, error) {
	locator = strings.TrimSpace(locator)
	if locator == "" {
		return Object{}, fmt.Errorf("empty locator: %w", ErrUnsupportedLocator)
	}
	var backend Store
	switch scheme(locator) {
	case "", "file":
		backend = r.File
	case "http", "https":
		backend = r.HTTP
	case "ipfs":
		backend = r.IPFS
	case "s3":
		backend = r.S3
	}
	if backend == nil {
		return Object{}, fmt.Errorf("%s: %w", locator, ErrUnsupportedLocator)
	}
	return backend.Fetch(ctx, locator)
}

func scheme(locator string) string {
	i := strings.Index(locator, "://")
	if i <= 0 {
		return ""
	}
	return strings.ToLower(locator[:i])
}

// Options configures NewRouter.
type Options struct {
	Root        string
	IPFSGateway string
	S3Region    string
	MaxBytes    int64
	HTTPClient  *http.Client
}

// NewRouter builds a router with every backend the options allow. S3 is
// only enabled when a region is set.
func NewRouter(opts Options) (Router, error) {
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	h := HTTPStore{Client: opts.HTTPClient, MaxBytes: opts.MaxBytes}
	r := Router{
		File: FileStore{Root: opts.Root, MaxBytes: opts.MaxBytes},
		HTTP: h,
	}
	if opts.IPFSGateway != "" {
		if _, err := url.Parse(opts.IPFSGateway); err != nil {
			return Router{}, fmt.Errorf("media.ipfs_gateway: %w", err)
		}
		r.IPFS = IPFSStore{Gateway: opts.IPFSGateway, HTTP: h}
	}
	if opts.S3Region != "" {
		s3, err := NewS3Store(opts.S3Region, opts.MaxBytes)
		if err != nil {
			return Router{}, err
		}
		r.S3 = s3
	}
	return r, nil
}

// readLimited reads at most limit bytes and fails when more remain.
func readLimited(rd io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		limit = DefaultMaxBytes
	}
	data, err := io.ReadAll(io.LimitReader(rd, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, ErrTooLarge
	}
	return data, nil
}

func sniff(contentType string, data []byte) string {
	if ct := strings.TrimSpace(contentType); ct != "" && ct != "application/octet-stream" {
		if i := strings.Index(ct, ";"); i >= 0 {
			ct = strings.TrimSpace(ct[:i])
		}
		return ct
	}
	return http.DetectContentType(data)
}
