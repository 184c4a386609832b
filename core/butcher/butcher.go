// Package butcher is the Butcher collaborator: the in-memory write buffer
// that absorbs inserts and removes until it reaches capacity, then hands
// the Manager an immutable snapshot (a MemCache) and swaps in a fresh,
// empty buffer.
package butcher

import (
	"context"
	"sync"

	"github.com/datawire/dlib/dlog"

	libcontainers "github.com/blockwheel/kv/lib/containers"

	"github.com/blockwheel/kv/kv"
	"github.com/blockwheel/kv/version"
)

// Params configures the Butcher.
type Params struct {
	// FlushThreshold is the number of live entries (inserts+removes,
	// not deduplicated by key) that triggers an automatic flush.
	FlushThreshold int
	// TaskRestartSec is unused by Butcher itself (it has no
	// supervised sub-goroutines of its own) but is kept on Params so
	// the host GenServer's restart loop can read a single config
	// struct; see SPEC_FULL.md's ambient-stack section.
	TaskRestartSec int
}

func DefaultParams() Params {
	return Params{FlushThreshold: 128, TaskRestartSec: 1}
}

// MemCache is an ordered, immutable snapshot of the buffer's contents at
// flush time. It backs a "cache bootstrap" SearchTree until that tree
// finishes lazily serializing itself to a block; the live buffer itself is
// an RBTree (see Butcher).
type MemCache struct {
	entries []kv.KeyValuePair[kv.Value]
}

// Len returns the number of entries in the snapshot.
func (c *MemCache) Len() int { return len(c.entries) }

// Lookup returns the entry for key, if present.
func (c *MemCache) Lookup(key kv.Key) (kv.ValueCell[kv.Value], bool) {
	lo, hi := 0, len(c.entries)
	for lo < hi {
		mid := (lo + hi) / 2
		switch c.entries[mid].Key.Cmp(key) {
		case 0:
			return c.entries[mid].ValueCell, true
		case -1:
			lo = mid + 1
		default:
			hi = mid
		}
	}
	return kv.ValueCell[kv.Value]{}, false
}

// Range returns every entry whose key falls within r, in key order.
func (c *MemCache) Range(r kv.Range) []kv.KeyValuePair[kv.Value] {
	out := make([]kv.KeyValuePair[kv.Value], 0)
	for _, e := range c.entries {
		if r.PastAbove(e.Key) {
			break
		}
		if r.Contains(e.Key) {
			out = append(out, e)
		}
	}
	return out
}

// Entries returns every entry, in key order. Used by Bootstrapper-adjacent
// code (cache-bootstrap SearchTree serialization) that needs the whole set.
func (c *MemCache) Entries() []kv.KeyValuePair[kv.Value] {
	return c.entries
}

func ordKey(v kv.KeyValuePair[kv.Value]) kv.Key { return v.Key }

// Butcher is the write-buffer GenServer. It owns a mutable ordered map; on
// reaching Params.FlushThreshold live writes it freezes that map into a
// MemCache, sends a ButcherFlush to onFlush, and starts a fresh map.
type Butcher struct {
	params  Params
	vers    *version.Provider
	onFlush func(ctx context.Context, cache *MemCache)

	mu      sync.Mutex
	tree    *libcontainers.RBTree[kv.Key, kv.KeyValuePair[kv.Value]]
	dirty   int
}

// New constructs a Butcher. onFlush is called synchronously from whichever
// goroutine triggers the flush (Insert/Remove/Flush), and the triggering
// call does not return until onFlush does. The Manager's onFlush sends on
// an unbuffered channel, so the writer blocks until the busyloop has
// received the ButcherFlush.
func New(params Params, vers *version.Provider, onFlush func(ctx context.Context, cache *MemCache)) *Butcher {
	return &Butcher{
		params:  params,
		vers:    vers,
		onFlush: onFlush,
		tree:    &libcontainers.RBTree[kv.Key, kv.KeyValuePair[kv.Value]]{KeyFn: ordKey},
	}
}

// Info matches the shape Manager folds InfoButcher/InfoTree replies into.
type Info struct {
	AliveCellsCount  uint64
	TombstonesCount  uint64
}

func (i Info) Add(o Info) Info {
	return Info{
		AliveCellsCount: i.AliveCellsCount + o.AliveCellsCount,
		TombstonesCount: i.TombstonesCount + o.TombstonesCount,
	}
}

func (b *Butcher) Info(ctx context.Context) Info {
	b.mu.Lock()
	defer b.mu.Unlock()
	var info Info
	_ = b.tree.Walk(func(n *libcontainers.RBNode[kv.KeyValuePair[kv.Value]]) error {
		if n.Value.ValueCell.Cell.Tombstone {
			info.TombstonesCount++
		} else {
			info.AliveCellsCount++
		}
		return nil
	})
	return info
}

// Insert stamps a fresh version and stores the value, possibly triggering
// a flush before returning.
func (b *Butcher) Insert(ctx context.Context, key kv.Key, val kv.Value) uint64 {
	return b.put(ctx, key, kv.Cell[kv.Value]{Value: val})
}

// Remove stamps a fresh version and stores a tombstone, possibly
// triggering a flush before returning.
func (b *Butcher) Remove(ctx context.Context, key kv.Key) uint64 {
	return b.put(ctx, key, kv.Cell[kv.Value]{Tombstone: true})
}

func (b *Butcher) put(ctx context.Context, key kv.Key, cell kv.Cell[kv.Value]) uint64 {
	ver := b.vers.Next()
	entry := kv.KeyValuePair[kv.Value]{Key: key.Clone(), ValueCell: kv.ValueCell[kv.Value]{Version: ver, Cell: cell}}

	b.mu.Lock()
	if existing := b.tree.Lookup(key); existing != nil {
		existing.Value = entry
	} else {
		b.tree.Insert(entry)
	}
	b.dirty++
	shouldFlush := b.dirty >= b.params.FlushThreshold
	var cache *MemCache
	if shouldFlush {
		cache = b.freezeLocked()
	}
	b.mu.Unlock()

	if cache != nil {
		dlog.Debugf(ctx, "butcher: flushing %d entries", cache.Len())
		b.onFlush(ctx, cache)
	}
	return ver
}

// Lookup returns the current value for key, if the buffer has one.
func (b *Butcher) Lookup(ctx context.Context, key kv.Key) (kv.ValueCell[kv.Value], bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	node := b.tree.Lookup(key)
	if node == nil {
		return kv.ValueCell[kv.Value]{}, false
	}
	return node.Value.ValueCell, true
}

// LookupRange returns every entry within r currently in the buffer, in
// key order. This is what backs TaskRunner's LookupRangeButcher: it drains
// a snapshot of the buffer's range into an items vector.
func (b *Butcher) LookupRange(ctx context.Context, r kv.Range) []kv.KeyValuePair[kv.Value] {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]kv.KeyValuePair[kv.Value], 0)
	for node := b.tree.Min(); node != nil; node = b.tree.Next(node) {
		if r.PastAbove(node.Value.Key) {
			break
		}
		if r.Contains(node.Value.Key) {
			out = append(out, node.Value)
		}
	}
	return out
}

// Flush forces an immediate flush regardless of the dirty count,
// satisfying the FlushButcher task and spec.md's flush-barrier semantics.
// It is a no-op (but still acknowledged) if the buffer is empty.
func (b *Butcher) Flush(ctx context.Context) {
	b.mu.Lock()
	if b.tree.Len() == 0 {
		b.mu.Unlock()
		return
	}
	cache := b.freezeLocked()
	b.mu.Unlock()
	b.onFlush(ctx, cache)
}

// freezeLocked must be called with b.mu held. It snapshots the current
// tree into a MemCache and resets the buffer to empty.
func (b *Butcher) freezeLocked() *MemCache {
	entries := make([]kv.KeyValuePair[kv.Value], 0, b.tree.Len())
	_ = b.tree.Walk(func(n *libcontainers.RBNode[kv.KeyValuePair[kv.Value]]) error {
		entries = append(entries, n.Value)
		return nil
	})
	b.tree = &libcontainers.RBTree[kv.Key, kv.KeyValuePair[kv.Value]]{KeyFn: ordKey}
	b.dirty = 0
	return &MemCache{entries: entries}
}
