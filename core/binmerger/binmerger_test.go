package binmerger

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blockwheel/kv/containers"
)

func TestBinMergerPopRequiresTwoInSameBucket(t *testing.T) {
	b := New()
	b.Push(TreeRef{ItemsCount: 10, TreeID: containers.ID(1)})

	_, _, ok := b.Pop()
	require.False(t, ok)
}

func TestBinMergerPopsOldestTwoFromSameBucket(t *testing.T) {
	b := New()
	// 4, 5, 6, 7 all floor(log2(n)) == 2
	r1 := TreeRef{ItemsCount: 4, TreeID: containers.ID(1)}
	r2 := TreeRef{ItemsCount: 5, TreeID: containers.ID(2)}
	b.Push(r1)
	b.Push(r2)

	a, bb, ok := b.Pop()
	require.True(t, ok)
	require.Equal(t, r1, a)
	require.Equal(t, r2, bb)
	require.Equal(t, 0, b.Len())
}

func TestBinMergerPrefersMostPopulatedBucket(t *testing.T) {
	b := New()
	// bucket 0: sizes 1 (just one entry)
	b.Push(TreeRef{ItemsCount: 1, TreeID: containers.ID(1)})
	// bucket 2: sizes 4,5,6 (three entries, most populated with >=2)
	b.Push(TreeRef{ItemsCount: 4, TreeID: containers.ID(2)})
	b.Push(TreeRef{ItemsCount: 5, TreeID: containers.ID(3)})
	b.Push(TreeRef{ItemsCount: 6, TreeID: containers.ID(4)})

	a, bb, ok := b.Pop()
	require.True(t, ok)
	require.Equal(t, containers.ID(2), a.TreeID)
	require.Equal(t, containers.ID(3), bb.TreeID)
	require.Equal(t, 2, b.Len(), "third bucket-2 entry and the lone bucket-0 entry remain")
}

func TestBinMergerZeroSizeTreeGoesInBucketZero(t *testing.T) {
	b := New()
	b.Push(TreeRef{ItemsCount: 0, TreeID: containers.ID(1)})
	b.Push(TreeRef{ItemsCount: 1, TreeID: containers.ID(2)})

	_, _, ok := b.Pop()
	require.True(t, ok, "0 and 1 both bucket to floor(log2)==0")
}

func TestBinMergerBucketCounts(t *testing.T) {
	b := New()
	b.Push(TreeRef{ItemsCount: 4, TreeID: containers.ID(1)})
	b.Push(TreeRef{ItemsCount: 8, TreeID: containers.ID(2)})

	counts := b.BucketCounts()
	require.Equal(t, 1, counts[2])
	require.Equal(t, 1, counts[3])
}

func TestBinMergerLen(t *testing.T) {
	b := New()
	require.Equal(t, 0, b.Len())
	b.Push(TreeRef{ItemsCount: 2, TreeID: containers.ID(1)})
	b.Push(TreeRef{ItemsCount: 3, TreeID: containers.ID(2)})
	require.Equal(t, 2, b.Len())
}
