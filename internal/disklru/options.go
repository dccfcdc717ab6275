package disklru

import (
	"github.com/pixcache/pixcache/pkg/types"
	"github.com/pixcache/pixcache/pkg/utils"
)

const (
	defaultMaxSize          = 100 << 20
	defaultValueCount       = 2
	defaultAppVersion       = 1
	defaultCompactThreshold = 2000
)

type options struct {
	maxSize          int64
	valueCount       int
	appVersion       int
	compactThreshold int
	syncOnCommit     bool
	logger           *utils.StructuredLogger
	metrics          types.MetricsCollector
	tier             types.Tier
}

func defaultOptions() options {
	return options{
		maxSize:          defaultMaxSize,
		valueCount:       defaultValueCount,
		appVersion:       defaultAppVersion,
		compactThreshold: defaultCompactThreshold,
		syncOnCommit:     true,
		metrics:          types.NopMetrics{},
	}
}

// Option configures a Store.
type Option func(*options)

// WithMaxSize sets the byte budget for all committed streams.
func WithMaxSize(n int64) Option {
	return func(o *options) {
		if n > 0 {
			o.maxSize = n
		}
	}
}

// WithValueCount sets the number of streams per entry. Changing it for an
// existing directory wipes the directory on open.
func WithValueCount(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.valueCount = n
		}
	}
}

// WithAppVersion stamps the journal. A different version on open wipes the
// directory.
func WithAppVersion(v int) Option {
	return func(o *options) {
		o.appVersion = v
	}
}

// WithCompactThreshold sets how many redundant journal records accumulate
// before a background rewrite.
func WithCompactThreshold(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.compactThreshold = n
		}
	}
}

// WithSyncOnCommit controls whether stream files and the CLEAN record are
// fsynced during Commit.
func WithSyncOnCommit(sync bool) Option {
	return func(o *options) {
		o.syncOnCommit = sync
	}
}

// WithLogger sets the logger. The store logs under the "disklru" component.
func WithLogger(logger *utils.StructuredLogger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithMetrics reports evictions, journal rebuilds and size changes under tier.
func WithMetrics(m types.MetricsCollector, tier types.Tier) Option {
	return func(o *options) {
		if m != nil {
			o.metrics = m
			o.tier = tier
		}
	}
}
