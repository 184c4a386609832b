package version

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestProviderStartsAtOne(t *testing.T) {
	p := NewProvider(0)
	require.Equal(t, uint64(1), p.Next())
	require.Equal(t, uint64(2), p.Next())
}

func TestProviderResumesFromStart(t *testing.T) {
	p := NewProvider(100)
	require.Equal(t, uint64(100), p.Next())
	require.Equal(t, uint64(101), p.Next())
}

func TestProviderPeekDoesNotConsume(t *testing.T) {
	p := NewProvider(5)
	require.Equal(t, uint64(5), p.Peek())
	require.Equal(t, uint64(5), p.Peek())
	require.Equal(t, uint64(5), p.Next())
}

func TestProviderBump(t *testing.T) {
	p := NewProvider(1)
	p.Next() // consume 1

	p.Bump(50)
	require.Equal(t, uint64(51), p.Next())
}

func TestProviderBumpNeverGoesBackwards(t *testing.T) {
	p := NewProvider(100)
	p.Bump(10) // no-op, 10 < 100
	require.Equal(t, uint64(100), p.Next())
}

func TestProviderConcurrentNextNeverRepeats(t *testing.T) {
	p := NewProvider(1)
	const n = 1000
	seen := make(chan uint64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seen <- p.Next()
		}()
	}
	wg.Wait()
	close(seen)

	dedup := make(map[uint64]bool, n)
	for v := range seen {
		require.False(t, dedup[v], "version %d handed out twice", v)
		dedup[v] = true
	}
	require.Len(t, dedup, n)
}
