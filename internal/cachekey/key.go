// Package cachekey derives stable cache keys from image requests and the
// disk-safe fingerprints the disk caches store them under.
package cachekey

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/opencontainers/go-digest"

	"github.com/pixcache/pixcache/pkg/errors"
)

// Resize describes the requested output dimensions.
type Resize struct {
	Width     int
	Height    int
	Precision string // e.g. "less_pixels", "exactly", "same_aspect_ratio"
	Scale     string // e.g. "center_crop", "fill"
}

// IsZero reports whether no resize was requested.
func (r *Resize) IsZero() bool {
	return r == nil || (r.Width <= 0 && r.Height <= 0 && r.Precision == "" && r.Scale == "")
}

// Request holds the inputs that identify a cacheable artifact.
type Request struct {
	URI    string
	Resize *Resize
	// Transformations are transformation keys in application order.
	Transformations []string
	// Params are additional cache-relevant parameters (for example the
	// requested color space). Order does not matter.
	Params map[string]string
}

// Build returns the normalized key for req. Equal requests always yield
// equal keys and the format is stable across releases.
func Build(req Request) (string, error) {
	uri, err := normalizeURI(req.URI)
	if err != nil {
		return "", err
	}

	var parts []string
	if !req.Resize.IsZero() {
		r := req.Resize
		parts = append(parts, "_size="+strconv.Itoa(r.Width)+"x"+strconv.Itoa(r.Height))
		if r.Precision != "" {
			parts = append(parts, "_precision="+url.QueryEscape(r.Precision))
		}
		if r.Scale != "" {
			parts = append(parts, "_scale="+url.QueryEscape(r.Scale))
		}
	}

	if len(req.Transformations) > 0 {
		escaped := make([]string, len(req.Transformations))
		for i, t := range req.Transformations {
			escaped[i] = url.QueryEscape(t)
		}
		parts = append(parts, "_transformations="+strings.Join(escaped, ","))
	}

	if len(req.Params) > 0 {
		names := make([]string, 0, len(req.Params))
		for name := range req.Params {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			parts = append(parts, url.QueryEscape(name)+"="+url.QueryEscape(req.Params[name]))
		}
	}

	if len(parts) == 0 {
		return uri, nil
	}
	return uri + "?" + strings.Join(parts, "&"), nil
}

// MustBuild is Build for requests known to be valid. It panics on error.
func MustBuild(req Request) string {
	key, err := Build(req)
	if err != nil {
		panic(err)
	}
	return key
}

// DownloadKey is the key raw source bytes are cached under: the URI alone.
func DownloadKey(uri string) (string, error) {
	return normalizeURI(uri)
}

// Fingerprint returns the lowercase sha256 hex of key (64 characters).
func Fingerprint(key string) string {
	return digest.FromString(key).Encoded()
}

func normalizeURI(uri string) (string, error) {
	trimmed := strings.TrimSpace(uri)
	if trimmed == "" {
		return "", errors.NewError(errors.ErrCodeInvalidKey, "uri cannot be empty").
			WithComponent("cachekey")
	}
	if strings.ContainsAny(trimmed, "\n\r") {
		return "", errors.NewError(errors.ErrCodeInvalidKey, fmt.Sprintf("uri contains a line break: %q", trimmed)).
			WithComponent("cachekey")
	}
	return trimmed, nil
}
