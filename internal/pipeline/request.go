package pipeline

import (
	"github.com/pixcache/pixcache/internal/cachekey"
	"github.com/pixcache/pixcache/pkg/types"
)

// Policies selects which cache tiers a request may read and write.
type Policies struct {
	Memory   types.CachePolicy `yaml:"memory"`
	Result   types.CachePolicy `yaml:"result"`
	Download types.CachePolicy `yaml:"download"`
}

// DefaultPolicies enables every tier.
func DefaultPolicies() Policies {
	return Policies{
		Memory:   types.PolicyEnabled,
		Result:   types.PolicyEnabled,
		Download: types.PolicyEnabled,
	}
}

// Request describes one image to load.
type Request struct {
	URI             string
	Resize          *cachekey.Resize
	Transformations []Transformation
	// Params are extra cache-relevant parameters passed through to the key.
	Params map[string]string
	// Policies overrides the engine defaults when set.
	Policies *Policies
}

// CacheKey returns the memory and result cache key for r.
func (r *Request) CacheKey() (string, error) {
	return cachekey.Build(cachekey.Request{
		URI:             r.URI,
		Resize:          r.Resize,
		Transformations: r.transformationKeys(),
		Params:          r.Params,
	})
}

func (r *Request) transformationKeys() []string {
	if len(r.Transformations) == 0 {
		return nil
	}
	keys := make([]string, len(r.Transformations))
	for i, t := range r.Transformations {
		keys[i] = t.Key()
	}
	return keys
}

// transformed reports whether the output differs from the source bytes,
// which is when the result cache is worth writing.
func (r *Request) transformed() bool {
	return !r.Resize.IsZero() || len(r.Transformations) > 0
}

// DataSource tells where a result came from.
type DataSource int

const (
	SourceMemory DataSource = iota
	SourceResultCache
	SourceDownloadCache
	SourceNetwork
	SourceLocal
)

func (s DataSource) String() string {
	switch s {
	case SourceMemory:
		return "memory"
	case SourceResultCache:
		return "result_cache"
	case SourceDownloadCache:
		return "download_cache"
	case SourceNetwork:
		return "network"
	case SourceLocal:
		return "local"
	default:
		return "unknown"
	}
}

// Result is a loaded image and where it came from.
type Result struct {
	Image  *Image
	Key    string
	Source DataSource
}
