// Package gc implements the tracing garbage collector that owns the object
// heap of the engine. Objects live in an ID-indexed table and reference each
// other by ID, so the heap graph may contain cycles without any ownership
// problem. Liveness is decided by tracing from explicitly registered roots.
package gc

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// Sentinel errors for expected conditions.
var (
	ErrNotFound     = errors.New("not found")
	ErrDisabled     = errors.New("disabled")
	ErrInvalidState = errors.New("invalid state")
)

// Strategy selects the collection algorithm.
type Strategy int

const (
	MarkAndSweep Strategy = iota
	Generational
	Incremental
	// Concurrent currently runs mark-and-sweep synchronously.
	Concurrent
)

var strategyNames = map[Strategy]string{
	MarkAndSweep: "mark-and-sweep",
	Generational: "generational",
	Incremental:  "incremental",
	Concurrent:   "concurrent",
}

func (s Strategy) String() string {
	if name, ok := strategyNames[s]; ok {
		return name
	}
	return fmt.Sprintf("strategy(%d)", int(s))
}

// ParseStrategy parses a strategy name as printed by String.
func ParseStrategy(name string) (Strategy, error) {
	for s, n := range strategyNames {
		if n == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown gc strategy %q", name)
}

// MarshalText implements encoding.TextMarshaler.
func (s Strategy) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Strategy) UnmarshalText(b []byte) error {
	parsed, err := ParseStrategy(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ReferenceState is the per-object tracing state.
type ReferenceState int

const (
	Reachable ReferenceState = iota
	Unreachable
	Processing
	Marked
)

func (s ReferenceState) String() string {
	switch s {
	case Reachable:
		return "reachable"
	case Unreachable:
		return "unreachable"
	case Processing:
		return "processing"
	case Marked:
		return "marked"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s ReferenceState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *ReferenceState) UnmarshalText(b []byte) error {
	for _, c := range []ReferenceState{Reachable, Unreachable, Processing, Marked} {
		if c.String() == string(b) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("unknown reference state %q", b)
}

// RootType classifies a root.
type RootType int

const (
	RootGlobal RootType = iota
	RootStack
	RootStatic
	RootModule
	RootOther
)

var rootTypeNames = []string{"global", "stack", "static", "module", "other"}

func (t RootType) String() string {
	if int(t) >= 0 && int(t) < len(rootTypeNames) {
		return rootTypeNames[t]
	}
	return fmt.Sprintf("root(%d)", int(t))
}

// ParseRootType parses a root type name as printed by String.
func ParseRootType(name string) (RootType, error) {
	for i, n := range rootTypeNames {
		if n == name {
			return RootType(i), nil
		}
	}
	return 0, fmt.Errorf("unknown root type %q", name)
}

func (t RootType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *RootType) UnmarshalText(b []byte) error {
	parsed, err := ParseRootType(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// MemoryObject is the unit of garbage-collected allocation.
type MemoryObject struct {
	ID             uint64         `json:"id"`
	ObjectType     string         `json:"object_type"`
	Size           int            `json:"size"`
	ReferenceCount uint32         `json:"reference_count"` // advisory, tracing decides liveness
	State          ReferenceState `json:"state"`
	CreatedAt      time.Time      `json:"created_at"`
	LastAccessed   time.Time      `json:"last_accessed"`
	Generation     uint8          `json:"generation"`
	Data           []byte         `json:"data,omitempty"`
	References     []uint64       `json:"references"`
}

func (o *MemoryObject) clone() MemoryObject {
	out := *o
	out.Data = slices.Clone(o.Data)
	out.References = slices.Clone(o.References)
	return out
}

// RootReference is a named set of always-live object IDs.
type RootReference struct {
	ID        string   `json:"id"`
	ObjectIDs []uint64 `json:"object_ids"`
	RootType  RootType `json:"root_type"`
}

func (r RootReference) clone() RootReference {
	r.ObjectIDs = slices.Clone(r.ObjectIDs)
	return r
}

// GCStats holds cumulative counters and heap gauges.
type GCStats struct {
	TotalCollections      uint64  `json:"total_collections"`
	TotalObjectsCollected uint64  `json:"total_objects_collected"`
	TotalMemoryFreed      int     `json:"total_memory_freed"`
	AvgCollectionTimeMs   float64 `json:"avg_collection_time_ms"`
	LastCollectionTimeMs  float64 `json:"last_collection_time_ms"`
	CurrentHeapSize       int     `json:"current_heap_size"`
	PeakHeapSize          int     `json:"peak_heap_size"`
	LiveObjects           uint64  `json:"live_objects"`
	DeadObjects           uint64  `json:"dead_objects"`
	CollectionFrequency   float64 `json:"collection_frequency"` // collections per minute
}
