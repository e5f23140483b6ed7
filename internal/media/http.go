package media

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

type HTTPStore struct {
	Client   *http.Client
	MaxBytes int64
}

func (s HTTPStore) client() *http.Client {
	if s.Client != nil {
		return s.Client
	}
	return &http.Client{Timeout: 30 * time.Second}
}

func (s HTTPStore) Fetch(ctx context.Context, locator string) (Object, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, locator, nil)
	if err != nil {
		return Object{}, fmt.Errorf("build request: %w", err)
	}
	resp, err := s.client().Do(req)
	if err != nil {
		return Object{}, fmt.Errorf("fetch %s: %w", locator, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Object{}, fmt.Errorf("fetch %s: status %d", locator, resp.StatusCode)
	}
	if resp.ContentLength > 0 && s.MaxBytes > 0 && resp.ContentLength > s.MaxBytes {
		return Object{}, fmt.Errorf("fetch %s: %w", locator, ErrTooLarge)
	}
	data, err := readLimited(resp.Body, s.MaxBytes)
	if err != nil {
		return Object{}, fmt.Errorf("read %s: %w", locator, err)
	}
	return Object{Locator: locator, ContentType: sniff(resp.Header.Get("Content-Type"), data), Data: data}, nil
}

// IPFSStore resolves ipfs://<cid>/<path> through an HTTP gateway.
type IPFSStore struct {
	Gateway string
	HTTP    HTTPStore
}

func (s IPFSStore) Fetch(ctx context.Context, locator string) (Object, error) {
	rest := strings.TrimPrefix(locator, "ipfs://")
	if rest == "" || rest == locator {
		return Object{}, fmt.Errorf("%s: %w", locator, ErrUnsupportedLocator)
	}
	obj, err := s.HTTP.Fetch(ctx, strings.TrimRight(s.Gateway, "/")+"/ipfs/"+rest)
	if err != nil {
		return Object{}, err
	}
	obj.Locator = locator
	return obj, nil
}
