package types

import (
	"fmt"
	"strings"
)

// CacheStats represents cache performance statistics
type CacheStats struct {
	Hits        uint64  `json:"hits"`
	Misses      uint64  `json:"misses"`
	Evictions   uint64  `json:"evictions"`
	Entries     int     `json:"entries"`
	Size        int64   `json:"size"`
	PinnedSize  int64   `json:"pinned_size,omitempty"`
	Capacity    int64   `json:"capacity"`
	HitRate     float64 `json:"hit_rate"`
	Utilization float64 `json:"utilization"`
}

// ComputeRates fills HitRate and Utilization from the counters.
func (s *CacheStats) ComputeRates() {
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	if s.Capacity > 0 {
		s.Utilization = float64(s.Size) / float64(s.Capacity)
	}
}

// EngineStats aggregates the statistics of every cache tier owned by an engine.
type EngineStats struct {
	Memory   CacheStats `json:"memory"`
	Result   CacheStats `json:"result"`
	Download CacheStats `json:"download"`
}

// Tier names a cache level. Used as a metrics label and a log field.
type Tier string

const (
	TierMemory   Tier = "memory"
	TierResult   Tier = "result"
	TierDownload Tier = "download"
)

// TrimLevel is the severity of a memory trim request.
type TrimLevel int

const (
	// TrimModerate shrinks the cache to 75% of its budget.
	TrimModerate TrimLevel = iota
	// TrimLow shrinks the cache to 50% of its budget.
	TrimLow
	// TrimCritical shrinks the cache to 25% of its budget.
	TrimCritical
	// TrimFull drops every unpinned entry.
	TrimFull
)

// TargetFraction is the share of the budget that survives a trim at this level.
func (l TrimLevel) TargetFraction() float64 {
	switch l {
	case TrimModerate:
		return 0.75
	case TrimLow:
		return 0.5
	case TrimCritical:
		return 0.25
	default:
		return 0
	}
}

func (l TrimLevel) String() string {
	switch l {
	case TrimModerate:
		return "moderate"
	case TrimLow:
		return "low"
	case TrimCritical:
		return "critical"
	case TrimFull:
		return "full"
	default:
		return fmt.Sprintf("TrimLevel(%d)", int(l))
	}
}

// DisposeReason tells a dispose callback why an entry left the cache.
type DisposeReason int

const (
	DisposeEvicted DisposeReason = iota
	DisposeRemoved
	DisposeReplaced
	DisposeCleared
)

func (r DisposeReason) String() string {
	switch r {
	case DisposeEvicted:
		return "evicted"
	case DisposeRemoved:
		return "removed"
	case DisposeReplaced:
		return "replaced"
	case DisposeCleared:
		return "cleared"
	default:
		return "unknown"
	}
}

// CachePolicy controls whether a request may read from and write to a tier.
type CachePolicy int

const (
	PolicyEnabled CachePolicy = iota
	PolicyReadOnly
	PolicyWriteOnly
	PolicyDisabled
)

// ReadEnabled reports whether lookups are allowed.
func (p CachePolicy) ReadEnabled() bool {
	return p == PolicyEnabled || p == PolicyReadOnly
}

// WriteEnabled reports whether results may be stored.
func (p CachePolicy) WriteEnabled() bool {
	return p == PolicyEnabled || p == PolicyWriteOnly
}

func (p CachePolicy) String() string {
	switch p {
	case PolicyEnabled:
		return "enabled"
	case PolicyReadOnly:
		return "read_only"
	case PolicyWriteOnly:
		return "write_only"
	case PolicyDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// ParseCachePolicy parses the names produced by CachePolicy.String.
func ParseCachePolicy(s string) (CachePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "enabled":
		return PolicyEnabled, nil
	case "read_only", "readonly":
		return PolicyReadOnly, nil
	case "write_only", "writeonly":
		return PolicyWriteOnly, nil
	case "disabled":
		return PolicyDisabled, nil
	default:
		return PolicyEnabled, fmt.Errorf("invalid cache policy: %s", s)
	}
}
