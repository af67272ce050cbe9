package iocap

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPScheme implements a read-only Scheme over http:// and https://
// URLs: WriteAll, Delete, and ListDir all fail, matching spec §4.A's
// "http(s):// is read-only" constraint.
type HTTPScheme struct {
	client *http.Client
}

// NewHTTPScheme builds an HTTPScheme with a bounded-timeout client, the
// same connection-pooling shape the pack's shared HTTP client uses.
func NewHTTPScheme() *HTTPScheme {
	return &HTTPScheme{client: &http.Client{
		Timeout: 60 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 20,
			IdleConnTimeout:     90 * time.Second,
		},
	}}
}

func (s *HTTPScheme) do(ctx context.Context, method, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, path, nil)
	if err != nil {
		return nil, err
	}
	return s.client.Do(req)
}

func (s *HTTPScheme) Exists(ctx context.Context, path string) (bool, error) {
	resp, err := s.do(ctx, http.MethodHead, path)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300, nil
}

func (s *HTTPScheme) Size(ctx context.Context, path string) (int64, error) {
	resp, err := s.do(ctx, http.MethodHead, path)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return 0, fmt.Errorf("iocap: HEAD %s: status %d", path, resp.StatusCode)
	}
	return resp.ContentLength, nil
}

func (s *HTTPScheme) ReadAll(ctx context.Context, path string) ([]byte, error) {
	resp, err := s.do(ctx, http.MethodGet, path)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("iocap: GET %s: status %d", path, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (s *HTTPScheme) WriteAll(_ context.Context, path string, _ []byte) error {
	return fmt.Errorf("iocap: %s is read-only, cannot write", path)
}

func (s *HTTPScheme) Delete(_ context.Context, path string) error {
	return fmt.Errorf("iocap: %s is read-only, cannot delete", path)
}

func (s *HTTPScheme) Checksum(ctx context.Context, path string, kind HashKind) (string, error) {
	resp, err := s.do(ctx, http.MethodGet, path)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("iocap: GET %s: status %d", path, resp.StatusCode)
	}
	return hashReader(resp.Body, kind)
}

func (s *HTTPScheme) ListDir(_ context.Context, path string) ([]string, error) {
	return nil, fmt.Errorf("iocap: %s does not support directory listing", path)
}

func (s *HTTPScheme) Capabilities() Capabilities {
	return Capabilities{}
}
