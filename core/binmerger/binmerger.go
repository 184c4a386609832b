// Package binmerger implements C2, the TreeSizeHeap: it keeps immutable
// trees bucketed by item count on a log2 scale and yields pairs of
// similarly sized trees to compact, without doing any global sort.
package binmerger

import (
	"math/bits"

	"github.com/blockwheel/kv/containers"
	libcontainers "github.com/blockwheel/kv/lib/containers"
)

// TreeRef names one tree known to the heap: its item count (the bucketing
// key) and an opaque handle the caller uses to find the actual tree.
type TreeRef struct {
	ItemsCount uint64
	TreeID     containers.ID
}

// bucket maps an item count to floor(log2(n)), with n==0 pinned to bucket
// 0 (bits.Len64(0) is 0, so without the guard an empty tree would land in
// bucket -1).
func bucket(n uint64) int {
	if n == 0 {
		return 0
	}
	return bits.Len64(n) - 1
}

// BinMerger is the TreeSizeHeap. The zero value is ready to use.
type BinMerger struct {
	buckets map[int]*libcontainers.LinkedList[TreeRef]
}

func New() *BinMerger {
	return &BinMerger{buckets: make(map[int]*libcontainers.LinkedList[TreeRef])}
}

// Push inserts tref into its size bucket, at the newest (back) position.
func (b *BinMerger) Push(tref TreeRef) {
	if b.buckets == nil {
		b.buckets = make(map[int]*libcontainers.LinkedList[TreeRef])
	}
	k := bucket(tref.ItemsCount)
	list, ok := b.buckets[k]
	if !ok {
		list = new(libcontainers.LinkedList[TreeRef])
		b.buckets[k] = list
	}
	list.Store(&libcontainers.LinkedListEntry[TreeRef]{Value: tref})
}

// Pop returns the two oldest entries of the most-populated bucket holding
// at least two entries, removing both from the heap. It returns
// ok == false if no bucket currently qualifies.
func (b *BinMerger) Pop() (a, b2 TreeRef, ok bool) {
	var (
		bestKey int
		bestLen int
		found   bool
	)
	for k, list := range b.buckets {
		if list.Len >= 2 && (!found || list.Len > bestLen) {
			bestKey = k
			bestLen = list.Len
			found = true
		}
	}
	if !found {
		return TreeRef{}, TreeRef{}, false
	}
	list := b.buckets[bestKey]
	e1 := list.Oldest
	v1 := e1.Value
	list.Delete(e1)
	e2 := list.Oldest
	v2 := e2.Value
	list.Delete(e2)
	if list.IsEmpty() {
		delete(b.buckets, bestKey)
	}
	return v1, v2, true
}

// Len returns the total number of tree references currently tracked,
// across every bucket.
func (b *BinMerger) Len() int {
	n := 0
	for _, list := range b.buckets {
		n += list.Len
	}
	return n
}

// BucketCounts returns a snapshot of bucket -> count, for diagnostics/logs.
func (b *BinMerger) BucketCounts() map[int]int {
	out := make(map[int]int, len(b.buckets))
	for k, list := range b.buckets {
		out[k] = list.Len
	}
	return out
}
