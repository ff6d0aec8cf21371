package pool

import (
	"fmt"
	"sync"
)

// NurseryConfig bounds the nursery.
type NurseryConfig struct {
	MaxSize int
	Enabled bool
}

// DefaultNurseryConfig returns a 10MB nursery.
func DefaultNurseryConfig() NurseryConfig {
	return NurseryConfig{MaxSize: 10 * 1024 * 1024, Enabled: true}
}

// NurseryStats counts what passed through the nursery.
type NurseryStats struct {
	Objects       uint64  `json:"objects"`
	Promoted      uint64  `json:"promoted"`
	Collected     uint64  `json:"collected"`
	Resident      int     `json:"resident"`
	CurrentSize   int     `json:"current_size"`
	PeakSize      int     `json:"peak_size"`
	MaxSize       int     `json:"max_size"`
	PromotionRate float64 `json:"promotion_rate"`
}

// Nursery tracks young objects by size. An object leaves it either by
// promotion to an older generation or by being collected while young.
type Nursery struct {
	mu      sync.Mutex
	cfg     NurseryConfig
	objects map[uint64]int
	stats   NurseryStats
}

func NewNursery(cfg NurseryConfig) *Nursery {
	return &Nursery{
		cfg:     cfg,
		objects: make(map[uint64]int),
	}
}

// Admit records a new young object. It fails when the nursery is disabled
// or the object would push it past MaxSize.
func (n *Nursery) Admit(id uint64, size int) error {
	if !n.cfg.Enabled {
		return fmt.Errorf("nursery: %w", ErrDisabled)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.objects[id]; ok {
		return fmt.Errorf("nursery: object %d: %w", id, ErrInUse)
	}
	if n.cfg.MaxSize > 0 && n.stats.CurrentSize+size > n.cfg.MaxSize {
		return fmt.Errorf("nursery: %d of %d bytes: %w", n.stats.CurrentSize, n.cfg.MaxSize, ErrFull)
	}
	n.objects[id] = size
	n.stats.Objects++
	n.stats.CurrentSize += size
	n.stats.PeakSize = max(n.stats.PeakSize, n.stats.CurrentSize)
	return nil
}

// PromoteObject moves id out of the nursery into the old generation.
func (n *Nursery) PromoteObject(id uint64) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	size, ok := n.objects[id]
	if !ok {
		return fmt.Errorf("nursery: object %d: %w", id, ErrNotFound)
	}
	delete(n.objects, id)
	n.stats.CurrentSize -= size
	n.stats.Promoted++
	return nil
}

// Collect drops id if it died young and reports whether it was resident.
func (n *Nursery) Collect(id uint64) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	size, ok := n.objects[id]
	if !ok {
		return false
	}
	delete(n.objects, id)
	n.stats.CurrentSize -= size
	n.stats.Collected++
	return true
}

// Contains reports whether id is still in the nursery.
func (n *Nursery) Contains(id uint64) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.objects[id]
	return ok
}

func (n *Nursery) Stats() NurseryStats {
	n.mu.Lock()
	defer n.mu.Unlock()

	s := n.stats
	s.Resident = len(n.objects)
	s.MaxSize = n.cfg.MaxSize
	if s.Objects > 0 {
		s.PromotionRate = float64(s.Promoted) / float64(s.Objects)
	}
	return s
}

// Clear forgets every resident object and resets the counters.
func (n *Nursery) Clear() {
	n.mu.Lock()
	defer n.mu.Unlock()
	clear(n.objects)
	n.stats = NurseryStats{}
}
