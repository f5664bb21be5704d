package imagestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"report-verify-pipeline/resilience"
)

// ErrTooLarge is returned when an image exceeds the configured size limit.
var ErrTooLarge = errors.New("image exceeds size limit")

// Fetcher loads image bytes referenced by a submission.
type Fetcher interface {
	Fetch(ctx context.Context, ref string) ([]byte, error)
}

// HTTPFetcher downloads images from object storage over HTTP(S).
type HTTPFetcher struct {
	client   *http.Client
	maxBytes int64
}

// NewHTTPFetcher creates a fetcher that rejects bodies larger than maxBytes.
func NewHTTPFetcher(maxBytes int64) *HTTPFetcher {
	return &HTTPFetcher{
		client:   &http.Client{Timeout: 20 * time.Second},
		maxBytes: maxBytes,
	}
}

// Fetch downloads ref. 4xx responses and oversize bodies are permanent.
func (f *HTTPFetcher) Fetch(ctx context.Context, ref string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, resilience.Permanent(fmt.Errorf("invalid image url: %w", err))
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("image store returned status %d", resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, resilience.Permanent(err)
		}
		return nil, err
	}
	if f.maxBytes > 0 && resp.ContentLength > f.maxBytes {
		return nil, resilience.Permanent(ErrTooLarge)
	}

	limit := f.maxBytes
	if limit <= 0 {
		limit = 1 << 30
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, resilience.Permanent(ErrTooLarge)
	}
	return data, nil
}
