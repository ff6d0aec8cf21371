package icache

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock advances one millisecond per reading.
type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.UnixMilli(1_700_000_000_000)}
}

func (f *fakeClock) Now() time.Time {
	f.t = f.t.Add(time.Millisecond)
	return f.t
}

func TestBoundedCache_EvictsToHalf(t *testing.T) {
	clock := newFakeClock()
	c := NewGlobalCache(4, clock.Now)

	for i := 0; i < 4; i++ {
		c.Store(fmt.Sprintf("g%d", i), Number(float64(i)))
	}
	require.Equal(t, 4, c.Len())

	// Bump g2 and g3 so they outrank g0 and g1.
	assert.True(t, c.Update("g2", Number(20)))
	assert.True(t, c.Update("g3", Number(30)))

	c.Store("g4", Number(4))
	assert.Equal(t, 3, c.Len())

	_, ok := c.Lookup("g0")
	assert.False(t, ok)
	_, ok = c.Lookup("g1")
	assert.False(t, ok)

	e, ok := c.Lookup("g2")
	require.True(t, ok)
	n, _ := e.Value.AsNumber()
	assert.Equal(t, 20.0, n)
	_, ok = c.Lookup("g4")
	assert.True(t, ok)
}

func TestBoundedCache_NeverExceedsMax(t *testing.T) {
	for _, max := range []int{1, 2, 3, 7, 16} {
		c := NewPropertyCache(max, newFakeClock().Now)
		for i := 0; i < 100; i++ {
			c.Store(uint64(i), "x", 1, 0, Number(1))
			assert.LessOrEqual(t, c.Len(), max, "max=%d", max)
		}
	}
}

func TestBoundedCache_ZeroCapacityStoresNothing(t *testing.T) {
	c := NewGlobalCache(0, nil)
	c.Store("x", Null())
	assert.Equal(t, 0, c.Len())
}

func TestBoundedCache_ReplaceDoesNotEvict(t *testing.T) {
	c := NewGlobalCache(2, newFakeClock().Now)
	c.Store("a", Number(1))
	c.Store("b", Number(2))
	c.Store("a", Number(3))

	assert.Equal(t, 2, c.Len())
	e, ok := c.Lookup("a")
	require.True(t, ok)
	assert.Equal(t, uint32(1), e.HitCount)
}

func TestBoundedCache_HitRate(t *testing.T) {
	c := NewGlobalCache(8, nil)
	assert.Equal(t, 0.0, c.Stats().HitRate)

	c.Store("x", Bool(true))
	c.Lookup("x")
	c.Lookup("x")
	c.Lookup("x")
	c.Lookup("missing")

	s := c.Stats()
	assert.Equal(t, uint64(3), s.Hits)
	assert.Equal(t, uint64(1), s.Misses)
	assert.InDelta(t, 0.75, s.HitRate, 1e-9)
	assert.Equal(t, 1, s.Size)
	assert.Equal(t, 8, s.MaxSize)

	c.Clear()
	s = c.Stats()
	assert.Zero(t, s.Hits)
	assert.Zero(t, s.Misses)
	assert.Zero(t, s.Size)
}

func TestLookup_DoesNotMutateEntry(t *testing.T) {
	c := NewPropertyCache(8, newFakeClock().Now)
	c.Store(1, "x", 5, 0, Number(1))

	first, ok := c.Lookup(1, "x")
	require.True(t, ok)
	second, ok := c.Lookup(1, "x")
	require.True(t, ok)

	assert.Equal(t, uint32(1), second.HitCount)
	assert.Equal(t, first.LastAccess, second.LastAccess)
}

func TestUpdate_AbsentKeyIsNoop(t *testing.T) {
	c := NewPropertyCache(8, nil)
	assert.False(t, c.Update(1, "x", Number(1)))
	assert.Equal(t, 0, c.Len())
	assert.Zero(t, c.Stats().Misses)
}

func TestUpdate_BumpsHitCount(t *testing.T) {
	clock := newFakeClock()
	c := NewPropertyCache(8, clock.Now)
	c.Store(1, "x", 5, 2, Number(1))
	before, _ := c.Lookup(1, "x")

	require.True(t, c.Update(1, "x", String("new")))
	after, _ := c.Lookup(1, "x")

	assert.Equal(t, uint32(2), after.HitCount)
	assert.Greater(t, after.LastAccess, before.LastAccess)
	assert.Equal(t, uint64(5), after.ShapeID)
	assert.Equal(t, 2, after.Offset)
	s, _ := after.Value.AsString()
	assert.Equal(t, "new", s)
}

func TestPropertyCache_LookupForShape(t *testing.T) {
	c := NewPropertyCache(8, nil)
	c.Store(1, "x", 5, 0, Number(1))

	_, ok := c.LookupForShape(1, "x", 5)
	assert.True(t, ok)

	// A stale shape drops the entry.
	_, ok = c.LookupForShape(1, "x", 6)
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())

	s := c.Stats()
	assert.Equal(t, uint64(1), s.Hits)
	assert.Equal(t, uint64(1), s.Misses)
}

func TestPropertyCache_InvalidateObject(t *testing.T) {
	c := NewPropertyCache(16, nil)
	c.Store(1, "a", 1, 0, Number(1))
	c.Store(1, "b", 1, 1, Number(2))
	c.Store(2, "a", 1, 0, Number(3))

	assert.Equal(t, 2, c.InvalidateObject(1))
	_, ok := c.Lookup(1, "a")
	assert.False(t, ok)
	_, ok = c.Lookup(2, "a")
	assert.True(t, ok)

	assert.False(t, c.InvalidateProperty(1, "a"))
	assert.True(t, c.InvalidateProperty(2, "a"))
}

func TestMethodCache_StoreLookup(t *testing.T) {
	c := NewMethodCache(8, nil)
	c.Store(3, "greet", 9, 2, FunctionValue{Name: "greet", ParamCount: 1})

	e, ok := c.Lookup(3, "greet")
	require.True(t, ok)
	assert.Equal(t, "greet", e.Method.Name)
	assert.Equal(t, uint32(1), e.Method.ParamCount)
	assert.Equal(t, uint64(9), e.ShapeID)
	assert.Equal(t, 2, e.Offset)

	assert.True(t, c.Update(3, "greet", FunctionValue{Name: "hello"}))
	e, _ = c.Lookup(3, "greet")
	assert.Equal(t, "hello", e.Method.Name)
	assert.Equal(t, 2, e.Offset)

	_, ok = c.LookupForShape(3, "greet", 10)
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestCache_StoresCopies(t *testing.T) {
	c := NewPropertyCache(8, nil)
	props := map[string]Value{"n": Number(1)}
	c.Store(1, "o", 1, 0, Object(ObjectValue{ShapeID: 1, Properties: props}))
	props["n"] = Number(2)

	e, ok := c.Lookup(1, "o")
	require.True(t, ok)
	obj, _ := e.Value.AsObject()
	n, _ := obj.Properties["n"].AsNumber()
	assert.Equal(t, 1.0, n)

	obj.Properties["n"] = Number(3)
	e, _ = c.Lookup(1, "o")
	obj, _ = e.Value.AsObject()
	n, _ = obj.Properties["n"].AsNumber()
	assert.Equal(t, 1.0, n)
}
