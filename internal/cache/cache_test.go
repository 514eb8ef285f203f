package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

func TestRead_RespectsTTL(t *testing.T) {
	clk := &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := New[[]int](WithClock(clk.Now))
	require.Equal(t, DefaultTTL, c.TTL())

	c.Write("checkpoints", []int{1, 2})

	clk.Advance(DefaultTTL - time.Millisecond)
	v, ok := c.Read("checkpoints")
	require.True(t, ok)
	assert.Equal(t, []int{1, 2}, v)

	clk.Advance(2 * time.Millisecond)
	_, ok = c.Read("checkpoints")
	require.False(t, ok)
}

func TestRead_MissIsNotEmpty(t *testing.T) {
	c := New[[]int]()
	v, ok := c.Read("never")
	require.False(t, ok)
	require.Nil(t, v)

	c.Write("empty", []int{})
	v, ok = c.Read("empty")
	require.True(t, ok)
	require.NotNil(t, v)
}

func TestWrite_ReplacesAndRefreshes(t *testing.T) {
	clk := &fakeClock{t: time.Unix(0, 0)}
	c := New[string](WithTTL(time.Second), WithClock(clk.Now))

	c.Write("k", "a")
	clk.Advance(900 * time.Millisecond)
	c.Write("k", "b")
	clk.Advance(900 * time.Millisecond)

	v, ok := c.Read("k")
	require.True(t, ok)
	require.Equal(t, "b", v)
}

func TestInvalidate(t *testing.T) {
	c := New[int]()
	c.Write("a", 1)
	c.Write("b", 2)

	c.Invalidate("a")
	_, ok := c.Read("a")
	require.False(t, ok)
	_, ok = c.Read("b")
	require.True(t, ok)

	c.InvalidateAll()
	require.Zero(t, c.Len())
}

func TestWithTTL_IgnoresNonPositive(t *testing.T) {
	c := New[int](WithTTL(0))
	require.Equal(t, DefaultTTL, c.TTL())
}
