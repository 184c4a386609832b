package butcher

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blockwheel/kv/kv"
	"github.com/blockwheel/kv/version"
)

func newTestButcher(threshold int, onFlush func(context.Context, *MemCache)) *Butcher {
	params := DefaultParams()
	params.FlushThreshold = threshold
	vers := version.NewProvider(1)
	if onFlush == nil {
		onFlush = func(context.Context, *MemCache) {}
	}
	return New(params, vers, onFlush)
}

func TestButcherInsertThenLookup(t *testing.T) {
	b := newTestButcher(128, nil)
	ctx := context.Background()

	ver := b.Insert(ctx, kv.Key("k"), kv.Value("v"))
	require.Equal(t, uint64(1), ver)

	cell, ok := b.Lookup(ctx, kv.Key("k"))
	require.True(t, ok)
	require.Equal(t, kv.Value("v"), cell.Cell.Value)
	require.Equal(t, uint64(1), cell.Version)
}

func TestButcherRemoveStoresTombstone(t *testing.T) {
	b := newTestButcher(128, nil)
	ctx := context.Background()

	b.Insert(ctx, kv.Key("k"), kv.Value("v"))
	b.Remove(ctx, kv.Key("k"))

	cell, ok := b.Lookup(ctx, kv.Key("k"))
	require.True(t, ok)
	require.True(t, cell.Cell.Tombstone)
}

func TestButcherLookupMissing(t *testing.T) {
	b := newTestButcher(128, nil)
	_, ok := b.Lookup(context.Background(), kv.Key("nope"))
	require.False(t, ok)
}

func TestButcherAutoFlushAtThreshold(t *testing.T) {
	var flushed int32
	var lastLen int
	b := newTestButcher(3, func(ctx context.Context, c *MemCache) {
		atomic.AddInt32(&flushed, 1)
		lastLen = c.Len()
	})
	ctx := context.Background()

	b.Insert(ctx, kv.Key("a"), kv.Value("1"))
	b.Insert(ctx, kv.Key("b"), kv.Value("2"))
	require.EqualValues(t, 0, atomic.LoadInt32(&flushed))

	b.Insert(ctx, kv.Key("c"), kv.Value("3"))
	require.EqualValues(t, 1, atomic.LoadInt32(&flushed))
	require.Equal(t, 3, lastLen)

	// buffer reset after flush
	_, ok := b.Lookup(ctx, kv.Key("a"))
	require.False(t, ok)
}

func TestButcherExplicitFlush(t *testing.T) {
	var flushed *MemCache
	b := newTestButcher(128, func(ctx context.Context, c *MemCache) {
		flushed = c
	})
	ctx := context.Background()

	b.Insert(ctx, kv.Key("a"), kv.Value("1"))
	b.Flush(ctx)

	require.NotNil(t, flushed)
	require.Equal(t, 1, flushed.Len())
}

func TestButcherFlushNoOpWhenEmpty(t *testing.T) {
	var called bool
	b := newTestButcher(128, func(ctx context.Context, c *MemCache) {
		called = true
	})
	b.Flush(context.Background())
	require.False(t, called)
}

func TestButcherLookupRangeOrdered(t *testing.T) {
	b := newTestButcher(128, nil)
	ctx := context.Background()
	b.Insert(ctx, kv.Key("c"), kv.Value("3"))
	b.Insert(ctx, kv.Key("a"), kv.Value("1"))
	b.Insert(ctx, kv.Key("b"), kv.Value("2"))

	items := b.LookupRange(ctx, kv.RangeFull())
	require.Len(t, items, 3)
	require.Equal(t, kv.Key("a"), items[0].Key)
	require.Equal(t, kv.Key("b"), items[1].Key)
	require.Equal(t, kv.Key("c"), items[2].Key)
}

func TestButcherInfoCountsAliveAndTombstones(t *testing.T) {
	b := newTestButcher(128, nil)
	ctx := context.Background()
	b.Insert(ctx, kv.Key("a"), kv.Value("1"))
	b.Insert(ctx, kv.Key("b"), kv.Value("2"))
	b.Remove(ctx, kv.Key("b"))

	info := b.Info(ctx)
	require.Equal(t, uint64(1), info.AliveCellsCount)
	require.Equal(t, uint64(1), info.TombstonesCount)
}

func TestButcherReinsertOverwritesInPlace(t *testing.T) {
	b := newTestButcher(128, nil)
	ctx := context.Background()
	b.Insert(ctx, kv.Key("k"), kv.Value("v1"))
	b.Insert(ctx, kv.Key("k"), kv.Value("v2"))

	cell, ok := b.Lookup(ctx, kv.Key("k"))
	require.True(t, ok)
	require.Equal(t, kv.Value("v2"), cell.Cell.Value)
	require.Equal(t, uint64(2), cell.Version)
}
