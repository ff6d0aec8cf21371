// Package pool recycles fixed-size storage blocks for heap objects. Blocks
// are grouped into typed pools that grow a chunk at a time, and a nursery
// tracks young objects until the collector promotes them.
package pool

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

var (
	ErrDisabled  = errors.New("pooling disabled")
	ErrExhausted = errors.New("pool exhausted")
	ErrTooLarge  = errors.New("does not fit a block")
	ErrNotFound  = errors.New("block not found")
	ErrInUse     = errors.New("block already allocated")
	ErrFull      = errors.New("nursery full")
)

// Type names a pool. Small, Medium and Large are size classes; the rest
// hold objects of one kind.
type Type uint8

const (
	Small Type = iota
	Medium
	Large
	String
	Array
	Object
	Function
)

var typeNames = [...]string{"small", "medium", "large", "string", "array", "object", "function"}

func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("Type(%d)", uint8(t))
}

// sizeClasses in ascending block size.
var sizeClasses = []Type{Small, Medium, Large}

// kindFor maps an object type name onto its dedicated pool.
func kindFor(objectType string) (Type, bool) {
	switch strings.ToLower(objectType) {
	case "string":
		return String, true
	case "array":
		return Array, true
	case "object":
		return Object, true
	case "function":
		return Function, true
	}
	return 0, false
}

// Config sizes one pool.
type Config struct {
	Type           Type
	BlockSize      int
	BlocksPerChunk int
	MaxChunks      int
	Enabled        bool

	// ShrinkThreshold is the in-use ratio below which Shrink releases a chunk.
	ShrinkThreshold float64
}

// DefaultConfigs returns the stock pool layout.
func DefaultConfigs() map[Type]Config {
	return map[Type]Config{
		Small:    {Type: Small, BlockSize: 64, BlocksPerChunk: 1000, MaxChunks: 10, Enabled: true, ShrinkThreshold: 0.3},
		Medium:   {Type: Medium, BlockSize: 256, BlocksPerChunk: 500, MaxChunks: 5, Enabled: true, ShrinkThreshold: 0.4},
		Large:    {Type: Large, BlockSize: 1024, BlocksPerChunk: 100, MaxChunks: 3, Enabled: true, ShrinkThreshold: 0.5},
		String:   {Type: String, BlockSize: 128, BlocksPerChunk: 2000, MaxChunks: 15, Enabled: true, ShrinkThreshold: 0.2},
		Array:    {Type: Array, BlockSize: 512, BlocksPerChunk: 300, MaxChunks: 8, Enabled: true, ShrinkThreshold: 0.3},
		Object:   {Type: Object, BlockSize: 256, BlocksPerChunk: 400, MaxChunks: 6, Enabled: true, ShrinkThreshold: 0.35},
		Function: {Type: Function, BlockSize: 1024, BlocksPerChunk: 150, MaxChunks: 4, Enabled: true, ShrinkThreshold: 0.4},
	}
}

// Stats is a point-in-time view of one pool.
type Stats struct {
	Type          string  `json:"type"`
	BlockSize     int     `json:"block_size"`
	Chunks        int     `json:"chunks"`
	Blocks        int     `json:"blocks"`
	InUse         int     `json:"in_use"`
	Available     int     `json:"available"`
	TotalBytes    int     `json:"total_bytes"`
	InUseBytes    int     `json:"in_use_bytes"`
	Allocations   uint64  `json:"allocations"`
	Deallocations uint64  `json:"deallocations"`
	Expansions    uint64  `json:"expansions"`
	HitRate       float64 `json:"hit_rate"`
}

// Pool hands out blocks of one size, keyed by the owning object's ID.
// It starts with one chunk and grows by a chunk whenever the free list is
// empty, up to MaxChunks.
type Pool struct {
	mu     sync.Mutex
	cfg    Config
	free   [][]byte
	inUse  map[uint64][]byte
	chunks int

	allocs     uint64
	deallocs   uint64
	expansions uint64
}

// New creates a pool with its first chunk allocated.
func New(cfg Config) *Pool {
	if cfg.BlocksPerChunk <= 0 {
		cfg.BlocksPerChunk = 1
	}
	if cfg.MaxChunks <= 0 {
		cfg.MaxChunks = 1
	}
	p := &Pool{
		cfg:   cfg,
		inUse: make(map[uint64][]byte),
	}
	p.grow()
	return p
}

// BlockSize returns the size of every block in the pool.
func (p *Pool) BlockSize() int {
	return p.cfg.BlockSize
}

func (p *Pool) grow() {
	chunk := make([]byte, p.cfg.BlocksPerChunk*p.cfg.BlockSize)
	for i := 0; i < p.cfg.BlocksPerChunk; i++ {
		off := i * p.cfg.BlockSize
		p.free = append(p.free, chunk[off:off+p.cfg.BlockSize:off+p.cfg.BlockSize])
	}
	p.chunks++
}

// Allocate reserves a block for key and copies data into it. The returned
// slice aliases the block and is nil when data is empty.
func (p *Pool) Allocate(key uint64, data []byte) ([]byte, error) {
	if !p.cfg.Enabled {
		return nil, fmt.Errorf("%s pool: %w", p.cfg.Type, ErrDisabled)
	}
	if len(data) > p.cfg.BlockSize {
		return nil, fmt.Errorf("%s pool: %d bytes: %w", p.cfg.Type, len(data), ErrTooLarge)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.inUse[key]; ok {
		return nil, fmt.Errorf("%s pool: block %d: %w", p.cfg.Type, key, ErrInUse)
	}
	if len(p.free) == 0 {
		if p.chunks >= p.cfg.MaxChunks {
			return nil, fmt.Errorf("%s pool: %d chunks: %w", p.cfg.Type, p.chunks, ErrExhausted)
		}
		p.grow()
		p.expansions++
	}

	block := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.inUse[key] = block
	p.allocs++

	if len(data) == 0 {
		return nil, nil
	}
	return block[:copy(block, data)], nil
}

// Deallocate returns key's block to the free list, zeroed.
func (p *Pool) Deallocate(key uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	block, ok := p.inUse[key]
	if !ok {
		return fmt.Errorf("%s pool: block %d: %w", p.cfg.Type, key, ErrNotFound)
	}
	delete(p.inUse, key)
	clear(block)
	p.free = append(p.free, block)
	p.deallocs++
	return nil
}

// Shrink releases one chunk worth of free blocks when usage is under the
// shrink threshold. The first chunk is never released. It reports whether
// anything was released.
func (p *Pool) Shrink() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.chunks <= 1 || len(p.free) < p.cfg.BlocksPerChunk {
		return false
	}
	total := p.chunks * p.cfg.BlocksPerChunk
	if float64(len(p.inUse))/float64(total) >= p.cfg.ShrinkThreshold {
		return false
	}
	keep := len(p.free) - p.cfg.BlocksPerChunk
	clear(p.free[keep:])
	p.free = p.free[:keep]
	p.chunks--
	return true
}

// Stats returns the pool's counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	blocks := p.chunks * p.cfg.BlocksPerChunk
	s := Stats{
		Type:          p.cfg.Type.String(),
		BlockSize:     p.cfg.BlockSize,
		Chunks:        p.chunks,
		Blocks:        blocks,
		InUse:         len(p.inUse),
		Available:     len(p.free),
		TotalBytes:    blocks * p.cfg.BlockSize,
		InUseBytes:    len(p.inUse) * p.cfg.BlockSize,
		Allocations:   p.allocs,
		Deallocations: p.deallocs,
		Expansions:    p.expansions,
	}
	if p.allocs > 0 {
		s.HitRate = float64(p.allocs-p.expansions) / float64(p.allocs)
	}
	return s
}

// Clear returns every block to the free list and resets the counters.
// Chunks already allocated are kept.
func (p *Pool) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for key, block := range p.inUse {
		clear(block)
		p.free = append(p.free, block)
		delete(p.inUse, key)
	}
	p.allocs, p.deallocs, p.expansions = 0, 0, 0
}
