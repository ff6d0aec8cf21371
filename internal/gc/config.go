package gc

import (
	"fmt"
	"time"
)

// Config is read once at construction and treated as immutable.
type Config struct {
	Strategy          Strategy
	MemoryThreshold   int           // heap bytes that trigger a background pass
	TimeThreshold     time.Duration // elapsed time since the last pass that triggers one
	MaxHeapSize       int
	Enabled           bool // false turns CollectGarbage into a no-op
	CollectionTimeout time.Duration
	Generational      GenerationalConfig
	Incremental       IncrementalConfig
}

// GenerationalConfig tunes the generational strategy.
type GenerationalConfig struct {
	Generations           uint8
	PromotionThresholds   []uint32
	CollectionFrequencies []float64 // advisory; scheduling is up to the caller
}

// IncrementalConfig tunes the incremental strategy.
type IncrementalConfig struct {
	MaxStepTime      time.Duration
	ObjectsPerStep   int
	UseWriteBarriers bool
}

// DefaultConfig returns the stock collector configuration.
func DefaultConfig() Config {
	return Config{
		Strategy:          MarkAndSweep,
		MemoryThreshold:   1024 * 1024,       // 1MB
		TimeThreshold:     30 * time.Second,
		MaxHeapSize:       100 * 1024 * 1024, // 100MB
		Enabled:           true,
		CollectionTimeout: 5 * time.Second,
		Generational: GenerationalConfig{
			Generations:           3,
			PromotionThresholds:   []uint32{1, 10, 100},
			CollectionFrequencies: []float64{0.1, 0.5, 1.0},
		},
		Incremental: IncrementalConfig{
			MaxStepTime:      10 * time.Millisecond,
			ObjectsPerStep:   100,
			UseWriteBarriers: true,
		},
	}
}

// Validate checks the settings used by the configured strategy.
func (c Config) Validate() error {
	if _, ok := strategyNames[c.Strategy]; !ok {
		return fmt.Errorf("unknown strategy %d", int(c.Strategy))
	}
	if c.MemoryThreshold < 0 || c.MaxHeapSize < 0 {
		return fmt.Errorf("heap limits must not be negative")
	}
	switch c.Strategy {
	case Generational:
		g := c.Generational
		if g.Generations == 0 {
			return fmt.Errorf("generational: generations must be at least 1")
		}
		if len(g.PromotionThresholds) < int(g.Generations) {
			return fmt.Errorf("generational: need %d promotion thresholds, got %d",
				g.Generations, len(g.PromotionThresholds))
		}
	case Incremental:
		if c.Incremental.ObjectsPerStep <= 0 {
			return fmt.Errorf("incremental: objects per step must be positive")
		}
	}
	return nil
}
