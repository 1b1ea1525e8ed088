package report

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCacheReserveOnce(t *testing.T) {
	c := NewCache(time.Minute, 10)

	require.True(t, c.Reserve("203.0.113.1"))
	require.False(t, c.Reserve("203.0.113.1"))
	require.True(t, c.Seen("203.0.113.1"))
	require.False(t, c.Seen("203.0.113.2"))
}

func TestCacheEntryExpires(t *testing.T) {
	now := time.Now()
	c := NewCache(time.Minute, 10)
	c.now = func() time.Time { return now }

	require.True(t, c.Reserve("203.0.113.1"))

	now = now.Add(61 * time.Second)
	require.False(t, c.Seen("203.0.113.1"))
	require.True(t, c.Reserve("203.0.113.1"))
}

func TestCacheRelease(t *testing.T) {
	c := NewCache(time.Minute, 10)
	require.True(t, c.Reserve("203.0.113.1"))
	c.Release("203.0.113.1")
	require.True(t, c.Reserve("203.0.113.1"))
}

func TestCachePurgesExpiredBeforeClearing(t *testing.T) {
	now := time.Now()
	c := NewCache(time.Minute, 3)
	c.now = func() time.Time { return now }

	require.True(t, c.Reserve("203.0.113.1"))
	now = now.Add(2 * time.Minute)
	require.True(t, c.Reserve("203.0.113.2"))
	require.True(t, c.Reserve("203.0.113.3"))

	// full: the expired .1 goes, the live ones stay
	require.True(t, c.Reserve("203.0.113.4"))
	require.Equal(t, 3, c.Len())
	require.True(t, c.Seen("203.0.113.2"))
	require.True(t, c.Seen("203.0.113.3"))
}

func TestCacheClearsWhenFull(t *testing.T) {
	c := NewCache(time.Hour, 5)
	for i := 0; i < 5; i++ {
		require.True(t, c.Reserve(fmt.Sprintf("198.51.100.%d", i)))
	}
	require.Equal(t, 5, c.Len())

	require.True(t, c.Reserve("198.51.100.200"))
	require.Equal(t, 1, c.Len())
	require.True(t, c.Seen("198.51.100.200"))
	require.False(t, c.Seen("198.51.100.0"))
}
