package pipeline

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/pixcache/pixcache/pkg/errors"
)

// FileFetcher reads file URIs and bare paths from the local filesystem.
type FileFetcher struct{}

// Cacheable implements Fetcher. Local files are never copied into the
// download cache.
func (FileFetcher) Cacheable() bool { return false }

// Fetch implements Fetcher.
func (FileFetcher) Fetch(ctx context.Context, uri string) (*FetchResult, error) {
	path := uri
	if strings.HasPrefix(uri, "file:") {
		u, err := url.Parse(uri)
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeUnsupportedURI, "invalid file uri", err).
				WithComponent("pipeline").WithOperation("fetch").WithContext("uri", uri)
		}
		path = u.Path
	}

	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeFetchFailed, "failed to open file", err).
			WithComponent("pipeline").WithOperation("fetch").WithContext("uri", uri)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrap(errors.ErrCodeFetchFailed, "failed to stat file", err).
			WithComponent("pipeline").WithOperation("fetch").WithContext("uri", uri)
	}

	return &FetchResult{
		Body:          f,
		MimeType:      mime.TypeByExtension(filepath.Ext(path)),
		LastModified:  info.ModTime().UTC().Format(http.TimeFormat),
		ContentLength: info.Size(),
	}, nil
}

// DataFetcher decodes data: URIs (RFC 2397).
type DataFetcher struct{}

// Cacheable implements Fetcher.
func (DataFetcher) Cacheable() bool { return false }

// Fetch implements Fetcher.
func (DataFetcher) Fetch(ctx context.Context, uri string) (*FetchResult, error) {
	body, ok := strings.CutPrefix(uri, "data:")
	comma := strings.IndexByte(body, ',')
	if !ok || comma < 0 {
		return nil, errors.NewError(errors.ErrCodeUnsupportedURI, "malformed data uri").
			WithComponent("pipeline").WithOperation("fetch")
	}
	header, payload := body[:comma], body[comma+1:]

	isBase64 := false
	mimeType := "text/plain"
	for i, part := range strings.Split(header, ";") {
		switch {
		case i == 0 && part != "":
			mimeType = strings.ToLower(part)
		case part == "base64":
			isBase64 = true
		}
	}

	var data []byte
	var err error
	if isBase64 {
		data, err = base64.StdEncoding.DecodeString(payload)
		if err != nil {
			// tolerate unpadded payloads
			data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "="))
		}
	} else {
		var s string
		s, err = url.PathUnescape(payload)
		data = []byte(s)
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeUnsupportedURI, "malformed data uri payload", err).
			WithComponent("pipeline").WithOperation("fetch")
	}

	return &FetchResult{
		Body:          io.NopCloser(bytes.NewReader(data)),
		MimeType:      mimeType,
		ContentLength: int64(len(data)),
	}, nil
}
