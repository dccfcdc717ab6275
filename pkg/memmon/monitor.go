// Package memmon samples heap usage and asks registered caches to trim
// themselves when usage crosses configured thresholds.
package memmon

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pixcache/pixcache/pkg/types"
	"github.com/pixcache/pixcache/pkg/utils"
)

// MonitorConfig configures memory monitoring behavior
type MonitorConfig struct {
	// SampleInterval is how often to collect memory stats
	SampleInterval time.Duration

	// HeapLimit is the heap size treated as 100% usage. Zero disables trimming.
	HeapLimit uint64

	// Usage ratios of HeapLimit at which each trim level fires
	ModerateThreshold float64
	LowThreshold      float64
	CriticalThreshold float64
	FullThreshold     float64

	// Cooldown is the minimum time between two trims at the same level
	Cooldown time.Duration

	// MaxSamples is the number of samples to keep in history
	MaxSamples int

	// Logger for monitoring events
	Logger *utils.StructuredLogger

	// ReadHeap returns the current heap usage in bytes. Defaults to
	// runtime.MemStats.HeapAlloc.
	ReadHeap func() uint64
}

// DefaultMonitorConfig returns sensible defaults
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		SampleInterval:    10 * time.Second,
		ModerateThreshold: 0.70,
		LowThreshold:      0.80,
		CriticalThreshold: 0.90,
		FullThreshold:     0.97,
		Cooldown:          30 * time.Second,
		MaxSamples:        60,
	}
}

// MemorySample represents a memory usage sample
type MemorySample struct {
	Timestamp time.Time
	HeapAlloc uint64
	Usage     float64 // HeapAlloc / HeapLimit
}

// TrimEvent records a trim request sent to the registered trimmers
type TrimEvent struct {
	Timestamp time.Time
	Level     types.TrimLevel
	Usage     float64
}

// MemoryStats provides memory statistics
type MemoryStats struct {
	CurrentSample MemorySample
	SampleCount   int
	TrimCount     int
	LastTrim      *TrimEvent
}

// PressureMonitor watches heap usage and dispatches trim levels
type PressureMonitor struct {
	config MonitorConfig
	logger *utils.StructuredLogger

	mu        sync.RWMutex
	samples   []MemorySample
	current   MemorySample
	trims     []TrimEvent
	lastFired map[types.TrimLevel]time.Time
	trimmers  map[string]types.Trimmer

	stopCh chan struct{}
	wg     sync.WaitGroup
	active int32
}

// NewPressureMonitor creates a new memory pressure monitor
func NewPressureMonitor(config MonitorConfig) *PressureMonitor {
	defaults := DefaultMonitorConfig()
	if config.SampleInterval <= 0 {
		config.SampleInterval = defaults.SampleInterval
	}
	if config.MaxSamples <= 0 {
		config.MaxSamples = defaults.MaxSamples
	}
	if config.Logger == nil {
		config.Logger = utils.NewNopLogger()
	}
	if config.ReadHeap == nil {
		config.ReadHeap = readHeapAlloc
	}

	return &PressureMonitor{
		config:    config,
		logger:    config.Logger.WithComponent("memmon"),
		samples:   make([]MemorySample, 0, config.MaxSamples),
		lastFired: make(map[types.TrimLevel]time.Time),
		trimmers:  make(map[string]types.Trimmer),
		stopCh:    make(chan struct{}),
	}
}

func readHeapAlloc() uint64 {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	return memStats.HeapAlloc
}

// Register adds a trimmer that receives every dispatched trim level.
func (pm *PressureMonitor) Register(name string, trimmer types.Trimmer) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.trimmers[name] = trimmer
}

// Unregister removes a trimmer.
func (pm *PressureMonitor) Unregister(name string) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	delete(pm.trimmers, name)
}

// Start begins memory monitoring
func (pm *PressureMonitor) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&pm.active, 0, 1) {
		return fmt.Errorf("monitor already running")
	}

	pm.logger.Info("Starting memory pressure monitor", map[string]interface{}{
		"sample_interval": pm.config.SampleInterval,
		"heap_limit":      utils.FormatBytes(int64(pm.config.HeapLimit)),
	})

	pm.wg.Add(1)
	go pm.monitorLoop(ctx)

	return nil
}

// Stop stops memory monitoring
func (pm *PressureMonitor) Stop() error {
	if !atomic.CompareAndSwapInt32(&pm.active, 1, 0) {
		return nil
	}

	close(pm.stopCh)
	pm.wg.Wait()
	pm.logger.Info("Stopped memory pressure monitor", nil)

	return nil
}

func (pm *PressureMonitor) monitorLoop(ctx context.Context) {
	defer pm.wg.Done()

	ticker := time.NewTicker(pm.config.SampleInterval)
	defer ticker.Stop()

	pm.Check()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pm.stopCh:
			return
		case <-ticker.C:
			pm.Check()
		}
	}
}

// Check takes one sample and dispatches a trim level if a threshold is
// crossed. It returns the dispatched level, if any.
func (pm *PressureMonitor) Check() (types.TrimLevel, bool) {
	sample := pm.takeSample()

	level, ok := pm.LevelFor(sample.Usage)
	if !ok {
		return 0, false
	}

	pm.mu.Lock()
	if last, fired := pm.lastFired[level]; fired && sample.Timestamp.Sub(last) < pm.config.Cooldown {
		pm.mu.Unlock()
		return 0, false
	}
	pm.lastFired[level] = sample.Timestamp
	pm.trims = append(pm.trims, TrimEvent{Timestamp: sample.Timestamp, Level: level, Usage: sample.Usage})

	names := make([]string, 0, len(pm.trimmers))
	for name := range pm.trimmers {
		names = append(names, name)
	}
	sort.Strings(names)
	trimmers := make([]types.Trimmer, 0, len(names))
	for _, name := range names {
		trimmers = append(trimmers, pm.trimmers[name])
	}
	pm.mu.Unlock()

	pm.logger.Warn("Memory pressure, trimming caches", map[string]interface{}{
		"level":      level.String(),
		"usage":      fmt.Sprintf("%.1f%%", sample.Usage*100),
		"heap_alloc": utils.FormatBytes(int64(sample.HeapAlloc)),
		"trimmers":   len(trimmers),
	})

	for _, trimmer := range trimmers {
		trimmer.TrimToLevel(level)
	}

	return level, true
}

// LevelFor maps a usage ratio to the most severe trim level whose
// threshold it reaches. Thresholds of zero are disabled.
func (pm *PressureMonitor) LevelFor(usage float64) (types.TrimLevel, bool) {
	checks := []struct {
		threshold float64
		level     types.TrimLevel
	}{
		{pm.config.FullThreshold, types.TrimFull},
		{pm.config.CriticalThreshold, types.TrimCritical},
		{pm.config.LowThreshold, types.TrimLow},
		{pm.config.ModerateThreshold, types.TrimModerate},
	}
	for _, c := range checks {
		if c.threshold > 0 && usage >= c.threshold {
			return c.level, true
		}
	}
	return 0, false
}

func (pm *PressureMonitor) takeSample() MemorySample {
	heap := pm.config.ReadHeap()
	sample := MemorySample{
		Timestamp: time.Now(),
		HeapAlloc: heap,
	}
	if pm.config.HeapLimit > 0 {
		sample.Usage = float64(heap) / float64(pm.config.HeapLimit)
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.current = sample
	pm.samples = append(pm.samples, sample)
	if len(pm.samples) > pm.config.MaxSamples {
		pm.samples = pm.samples[1:]
	}
	return sample
}

// GetStats returns current memory statistics
func (pm *PressureMonitor) GetStats() MemoryStats {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	stats := MemoryStats{
		CurrentSample: pm.current,
		SampleCount:   len(pm.samples),
		TrimCount:     len(pm.trims),
	}
	if n := len(pm.trims); n > 0 {
		last := pm.trims[n-1]
		stats.LastTrim = &last
	}
	return stats
}

// GetSamples returns memory sample history
func (pm *PressureMonitor) GetSamples() []MemorySample {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	samples := make([]MemorySample, len(pm.samples))
	copy(samples, pm.samples)
	return samples
}
