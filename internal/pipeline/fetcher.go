package pipeline

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pixcache/pixcache/pkg/errors"
)

// MaxSourceSize bounds how much of a source is read into memory.
const MaxSourceSize = 256 << 20

// Fetcher reads the raw bytes of a source URI.
type Fetcher interface {
	Fetch(ctx context.Context, uri string) (*FetchResult, error)
	// Cacheable reports whether fetched bytes go through the download
	// cache. Local sources return false.
	Cacheable() bool
}

// FetchResult is a source body plus the response metadata that is kept in
// the download cache.
type FetchResult struct {
	Body          io.ReadCloser
	MimeType      string
	ETag          string
	LastModified  string
	ContentLength int64
}

// readAll drains and closes the body.
func (r *FetchResult) readAll(uri string) ([]byte, error) {
	defer func() { _ = r.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(r.Body, MaxSourceSize+1))
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeFetchFailed, "failed to read source body", err).
			WithComponent("pipeline").WithOperation("fetch").WithContext("uri", uri).WithRetryable(true)
	}
	if len(data) > MaxSourceSize {
		return nil, errors.NewError(errors.ErrCodeCapacityExceeded, "source exceeds maximum size").
			WithComponent("pipeline").WithOperation("fetch").WithContext("uri", uri)
	}
	return data, nil
}

// Fetchers maps URI schemes to fetchers.
type Fetchers map[string]Fetcher

// For returns the fetcher for uri. Bare paths are treated as file URIs.
func (f Fetchers) For(uri string) (Fetcher, error) {
	scheme := "file"
	if u, err := url.Parse(uri); err == nil && u.Scheme != "" {
		scheme = strings.ToLower(u.Scheme)
	} else if strings.HasPrefix(uri, "data:") {
		scheme = "data"
	}

	fetcher, ok := f[scheme]
	if !ok {
		return nil, errors.NewError(errors.ErrCodeUnsupportedURI, fmt.Sprintf("no fetcher for scheme %q", scheme)).
			WithComponent("pipeline").WithOperation("fetch").WithContext("uri", uri)
	}
	return fetcher, nil
}

// HTTPFetcher fetches http and https URIs.
type HTTPFetcher struct {
	Client    *http.Client
	UserAgent string
}

// NewHTTPFetcher creates an HTTP fetcher with its own client.
func NewHTTPFetcher(userAgent string, timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{
		Client:    &http.Client{Timeout: timeout},
		UserAgent: userAgent,
	}
}

// Cacheable implements Fetcher.
func (f *HTTPFetcher) Cacheable() bool { return true }

// Fetch implements Fetcher. Server errors, 408 and 429 responses and
// transport failures are retryable; other non-2xx responses are not.
func (f *HTTPFetcher) Fetch(ctx context.Context, uri string) (*FetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeUnsupportedURI, "invalid http uri", err).
			WithComponent("pipeline").WithOperation("fetch").WithContext("uri", uri)
	}
	if f.UserAgent != "" {
		req.Header.Set("User-Agent", f.UserAgent)
	}
	req.Header.Set("Accept", "image/*,*/*;q=0.8")

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		if stderrors.Is(err, context.Canceled) {
			return nil, errors.Wrap(errors.ErrCodeOperationCanceled, "fetch canceled", err).
				WithComponent("pipeline").WithOperation("fetch").WithContext("uri", uri)
		}
		return nil, errors.Wrap(errors.ErrCodeFetchFailed, "http request failed", err).
			WithComponent("pipeline").WithOperation("fetch").WithContext("uri", uri).WithRetryable(true)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		retryable := resp.StatusCode >= 500 ||
			resp.StatusCode == http.StatusRequestTimeout ||
			resp.StatusCode == http.StatusTooManyRequests
		return nil, errors.NewError(errors.ErrCodeFetchFailed, fmt.Sprintf("unexpected status %d", resp.StatusCode)).
			WithComponent("pipeline").WithOperation("fetch").
			WithContext("uri", uri).WithDetail("status", resp.StatusCode).WithRetryable(retryable)
	}

	return &FetchResult{
		Body:          resp.Body,
		MimeType:      mimeFromHeader(resp.Header.Get("Content-Type")),
		ETag:          resp.Header.Get("ETag"),
		LastModified:  resp.Header.Get("Last-Modified"),
		ContentLength: resp.ContentLength,
	}, nil
}

// originOf returns scheme://host for uri, the unit a circuit breaker
// guards. S3 origins are per bucket.
func originOf(uri string) string {
	u, err := url.Parse(uri)
	if err != nil || u.Host == "" {
		return uri
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host)
}

// mimeFromHeader strips parameters such as charset from a Content-Type.
func mimeFromHeader(contentType string) string {
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = contentType[:i]
	}
	return strings.TrimSpace(strings.ToLower(contentType))
}
