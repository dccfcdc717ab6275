package diskcache

import (
	"github.com/pixcache/pixcache/pkg/types"
	"github.com/pixcache/pixcache/pkg/utils"
)

// Type selects what a cache holds.
type Type int

const (
	// Download caches raw fetched bytes keyed by source URI.
	Download Type = iota
	// Result caches encoded, transformed images keyed by request key.
	Result
)

func (t Type) String() string {
	switch t {
	case Download:
		return "download"
	case Result:
		return "result"
	default:
		return "unknown"
	}
}

// Tier is the metrics tier of this cache type.
func (t Type) Tier() types.Tier {
	if t == Result {
		return types.TierResult
	}
	return types.TierDownload
}

const (
	DefaultDownloadMaxSize = 256 << 20
	DefaultResultMaxSize   = 128 << 20

	// AppVersion is stamped into every journal. Bump it when the
	// metadata format changes incompatibly.
	AppVersion = 1

	payloadStream  = 0
	metadataStream = 1
	valueCount     = 2
)

// Options configures a disk cache.
type Options struct {
	Dir     string `yaml:"dir"`
	MaxSize int64  `yaml:"max_size"`
	// CompactThreshold is the number of redundant journal records that
	// triggers a background rewrite. Zero uses the store default.
	CompactThreshold int `yaml:"compact_threshold"`
	// NoSync skips fsync on commit. Crash safety of the last commits is lost.
	NoSync bool `yaml:"no_sync"`

	Serializer  Serializer              `yaml:"-"`
	Coordinator *Coordinator            `yaml:"-"`
	Logger      *utils.StructuredLogger `yaml:"-"`
	Metrics     types.MetricsCollector  `yaml:"-"`

	// Fingerprint maps a content key to the on-disk key. Nil uses
	// cachekey.Fingerprint.
	Fingerprint func(contentKey string) string `yaml:"-"`
}

func (o Options) withDefaults(typ Type) Options {
	if o.MaxSize <= 0 {
		if typ == Result {
			o.MaxSize = DefaultResultMaxSize
		} else {
			o.MaxSize = DefaultDownloadMaxSize
		}
	}
	if o.Serializer == nil {
		o.Serializer = IdentitySerializer{}
	}
	if o.Coordinator == nil {
		o.Coordinator = NewCoordinator()
	}
	if o.Logger == nil {
		o.Logger = utils.NewNopLogger()
	}
	if o.Metrics == nil {
		o.Metrics = types.NopMetrics{}
	}
	return o
}
