// Package searchtree is the SearchTree collaborator: an immutable,
// persisted ordered map over keys, identified either by a root BlockRef
// ("regular" mode) or by a cache snapshot it hasn't yet serialized
// ("cache bootstrap" mode). Both modes serve reads identically
// (spec.md invariant 3).
//
// For the budget this module targets, a tree is encoded as a single root
// block holding every entry (small values inline, large ones in their own
// blocks) rather than a multi-level B-tree of leaf/internal nodes — the
// Manager only ever sees the operations below, so the internal block
// layout is free to be as simple as the domain allows. See DESIGN.md.
package searchtree

import (
	"context"
	"encoding/binary"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/blockwheel/kv/core/butcher"
	"github.com/blockwheel/kv/core/merger"
	"github.com/blockwheel/kv/kv"
	"github.com/blockwheel/kv/storage"
	"github.com/blockwheel/kv/wheels"
)

// Params configures value placement and scan buffering.
type Params struct {
	ValuesInlineSizeLimit int
	IterSendBuffer        int
	RemoveTasksLimit      int
	TaskRestartSec        int
}

func DefaultParams() Params {
	return Params{
		ValuesInlineSizeLimit: 128,
		IterSendBuffer:        4,
		RemoveTasksLimit:      64,
		TaskRestartSec:        1,
	}
}

// Entry is one row of a materialized tree.
type Entry struct {
	Key       kv.Key
	ValueCell kv.ValueCell[kv.ValueBlockRef]
}

// Info mirrors butcher.Info so Manager can fold both with the same shape.
type Info struct {
	AliveCellsCount uint64
	TombstonesCount uint64
}

func (i Info) Add(o Info) Info {
	return Info{
		AliveCellsCount: i.AliveCellsCount + o.AliveCellsCount,
		TombstonesCount: i.TombstonesCount + o.TombstonesCount,
	}
}

// Tree is a SearchTree instance. A zero-value root (storage.BlockRef{})
// means it's still bootstrapping from a MemCache; ItemsCount is valid in
// either mode (cache.Len(), or the count recorded in the block header).
type Tree struct {
	params Params
	store  wheels.Store
	codec  storage.Codec

	mu         sync.Mutex
	root       storage.BlockRef
	itemsCount uint64
	cache      *butcher.MemCache // non-nil iff bootstrapping
	loaded     []Entry           // materialized once, either from cache or from root
}

// FromCache creates a tree in cache-bootstrap mode: reads are served
// directly from cache until Flush persists it.
func FromCache(cache *butcher.MemCache, store wheels.Store, params Params) *Tree {
	return &Tree{
		params:     params,
		store:      store,
		itemsCount: uint64(cache.Len()),
		cache:      cache,
	}
}

// FromRoot creates a tree in regular mode, rooted at an already-persisted
// block. Used by compaction output and by Bootstrapper.
func FromRoot(root storage.BlockRef, entriesCount uint64, store wheels.Store, params Params) *Tree {
	return &Tree{
		params:     params,
		store:      store,
		root:       root,
		itemsCount: entriesCount,
	}
}

func (t *Tree) ItemsCount() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.itemsCount
}

func (t *Tree) IsBootstrapping() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cache != nil && t.root.IsZero()
}

// materializeLocked must be called with t.mu held. It fills t.loaded from
// whichever source is authoritative, memoizing the result.
func (t *Tree) materializeLocked(ctx context.Context) error {
	if t.loaded != nil {
		return nil
	}
	if t.cache != nil {
		entries := make([]Entry, 0, t.cache.Len())
		for _, e := range t.cache.Entries() {
			entries = append(entries, Entry{
				Key: e.Key,
				ValueCell: kv.MapCell(e.ValueCell, func(v kv.Value) kv.ValueBlockRef {
					return kv.Inline(v)
				}),
			})
		}
		t.loaded = entries
		return nil
	}
	if t.root.IsZero() {
		t.loaded = nil
		return nil
	}
	raw, err := t.store.ReadBlock(ctx, t.root)
	if err != nil {
		return errors.Wrap(err, "searchtree: read root block")
	}
	entries, err := decodeEntries(t.codec.Body(raw))
	if err != nil {
		return errors.Wrap(err, "searchtree: decode root block")
	}
	t.loaded = entries
	return nil
}

// MaxVersion returns the highest version number recorded in this tree, or
// 0 if it has no entries. Bootstrapper uses this across every tree it
// finds to re-seed the version.Provider above whatever was persisted
// before restart, so a fresh process never reuses a version number a
// prior run already handed out.
func (t *Tree) MaxVersion(ctx context.Context) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.materializeLocked(ctx); err != nil {
		return 0, err
	}
	var max uint64
	for _, e := range t.loaded {
		if e.ValueCell.Version > max {
			max = e.ValueCell.Version
		}
	}
	return max, nil
}

func (t *Tree) Info(ctx context.Context) (Info, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.materializeLocked(ctx); err != nil {
		return Info{}, err
	}
	var info Info
	for _, e := range t.loaded {
		if e.ValueCell.Cell.Tombstone {
			info.TombstonesCount++
		} else {
			info.AliveCellsCount++
		}
	}
	return info, nil
}

func (t *Tree) Lookup(ctx context.Context, key kv.Key) (kv.ValueCell[kv.ValueBlockRef], bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.materializeLocked(ctx); err != nil {
		return kv.ValueCell[kv.ValueBlockRef]{}, false, err
	}
	i := sort.Search(len(t.loaded), func(i int) bool { return t.loaded[i].Key.Cmp(key) >= 0 })
	if i < len(t.loaded) && t.loaded[i].Key.Cmp(key) == 0 {
		return t.loaded[i].ValueCell, true, nil
	}
	return kv.ValueCell[kv.ValueBlockRef]{}, false, nil
}

// rangeSource is the per-tree stream handle LookupRangeTree returns; it
// implements merger.Source[kv.ValueBlockRef].
type rangeSource struct {
	entries []Entry
	rng     kv.Range
	pos     int
}

var _ merger.Source[kv.ValueBlockRef] = (*rangeSource)(nil)

func (s *rangeSource) Next(ctx context.Context) (kv.KeyValuePair[kv.ValueBlockRef], bool, error) {
	for s.pos < len(s.entries) {
		e := s.entries[s.pos]
		s.pos++
		if s.rng.PastAbove(e.Key) {
			s.pos = len(s.entries)
			return kv.KeyValuePair[kv.ValueBlockRef]{}, false, nil
		}
		if !s.rng.Contains(e.Key) {
			continue
		}
		return kv.KeyValuePair[kv.ValueBlockRef]{Key: e.Key, ValueCell: e.ValueCell}, true, nil
	}
	return kv.KeyValuePair[kv.ValueBlockRef]{}, false, nil
}

// LookupRange returns a stream handle over entries within r, in key order.
func (t *Tree) LookupRange(ctx context.Context, r kv.Range) (merger.Source[kv.ValueBlockRef], error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.materializeLocked(ctx); err != nil {
		return nil, err
	}
	start := sort.Search(len(t.loaded), func(i int) bool { return !r.SkipsBelow(t.loaded[i].Key) })
	return &rangeSource{entries: t.loaded[start:], rng: r}, nil
}

// Flush ensures the tree is persisted, serializing a cache-bootstrap tree
// to a root block (and any large values to external blocks) if it hasn't
// been already. Regular trees are already persisted, so this is a no-op
// for them.
func (t *Tree) Flush(ctx context.Context) (storage.BlockRef, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.root.IsZero() {
		return t.root, nil
	}
	if err := t.materializeLocked(ctx); err != nil {
		return storage.BlockRef{}, err
	}
	root, err := t.persistLocked(ctx, t.loaded)
	if err != nil {
		return storage.BlockRef{}, err
	}
	t.root = root
	t.cache = nil
	return root, nil
}

func (t *Tree) persistLocked(ctx context.Context, entries []Entry) (storage.BlockRef, error) {
	// Mutate entries in place (rather than building a separate encoded
	// copy) so that, when entries aliases t.loaded (the regular Flush
	// path), a later Demolish sees the externalized block ref and can
	// free it; Merge's fresh output tree has no t.loaded to keep in sync,
	// so this is a no-op difference for it.
	for i := range entries {
		e := entries[i]
		if !e.ValueCell.Cell.Tombstone && !e.ValueCell.Cell.Value.IsExternal() &&
			len(e.ValueCell.Cell.Value.InlineValue()) > t.params.ValuesInlineSizeLimit {
			ref, err := t.store.WriteBlock(ctx, e.ValueCell.Cell.Value.InlineValue())
			if err != nil {
				return storage.BlockRef{}, errors.Wrap(err, "searchtree: write external value block")
			}
			e.ValueCell.Cell.Value = kv.External(ref)
			entries[i] = e
		}
	}
	body := encodeEntries(entries)
	raw, err := t.codec.EncodeBlock(storage.RootNodeType(uint64(len(entries))), body)
	if err != nil {
		return storage.BlockRef{}, errors.Wrap(err, "searchtree: encode root block")
	}
	root, err := t.store.WriteBlock(ctx, raw)
	t.codec.ReleaseBlock(raw)
	if err != nil {
		return storage.BlockRef{}, errors.Wrap(err, "searchtree: write root block")
	}
	return root, nil
}

// Demolish releases every block this tree owns: its root and any blocks
// holding externally stored values, the latter derived from the tree's own
// entries rather than tracked separately, so a tree loaded fresh from a
// Bootstrapper scan can still be demolished correctly after a compaction.
func (t *Tree) Demolish(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.materializeLocked(ctx); err != nil {
		return err
	}
	if !t.root.IsZero() {
		if err := t.store.DeleteBlock(ctx, t.root); err != nil {
			return errors.Wrap(err, "searchtree: delete root block")
		}
	}
	for _, e := range t.loaded {
		if !e.ValueCell.Cell.Tombstone && e.ValueCell.Cell.Value.IsExternal() {
			if err := t.store.DeleteBlock(ctx, e.ValueCell.Cell.Value.BlockRef()); err != nil {
				return errors.Wrap(err, "searchtree: delete value block")
			}
		}
	}
	return nil
}

// Merge streams-merges two already-flushed trees into one, persisting the
// result as a fresh root block. It's the work MergeTrees tasks perform.
func Merge(ctx context.Context, a, b *Tree, store wheels.Store, params Params) (storage.BlockRef, uint64, error) {
	a.mu.Lock()
	if err := a.materializeLocked(ctx); err != nil {
		a.mu.Unlock()
		return storage.BlockRef{}, 0, err
	}
	aEntries := a.loaded
	a.mu.Unlock()

	b.mu.Lock()
	if err := b.materializeLocked(ctx); err != nil {
		b.mu.Unlock()
		return storage.BlockRef{}, 0, err
	}
	bEntries := b.loaded
	b.mu.Unlock()

	src := merger.New([]merger.Source[kv.ValueBlockRef]{
		&rangeSource{entries: aEntries, rng: kv.RangeFull()},
		&rangeSource{entries: bEntries, rng: kv.RangeFull()},
	}, nil)

	var merged []Entry
	if err := src.Drain(ctx, func(item kv.KeyValuePair[kv.ValueBlockRef]) error {
		merged = append(merged, Entry{Key: item.Key, ValueCell: item.ValueCell})
		return nil
	}); err != nil {
		return storage.BlockRef{}, 0, err
	}

	// Entries carried over from a or b may already be External, pointing at
	// value blocks those source trees own. MergeTreesDone demolishes both
	// source trees once this merge completes, which frees those blocks, so
	// the merged tree can't keep referencing them — read each one back and
	// let persistLocked re-externalize it into a block the new tree owns.
	for i, e := range merged {
		if e.ValueCell.Cell.Tombstone || !e.ValueCell.Cell.Value.IsExternal() {
			continue
		}
		data, err := store.ReadBlock(ctx, e.ValueCell.Cell.Value.BlockRef())
		if err != nil {
			return storage.BlockRef{}, 0, errors.Wrap(err, "searchtree: re-read external value during merge")
		}
		e.ValueCell.Cell.Value = kv.Inline(data)
		merged[i] = e
	}

	out := &Tree{params: params, store: store}
	root, err := out.persistLocked(ctx, merged)
	if err != nil {
		return storage.BlockRef{}, 0, err
	}
	return root, uint64(len(merged)), nil
}

const entryFlagTombstone = 1 << 0
const entryFlagExternal = 1 << 1

func encodeEntries(entries []Entry) []byte {
	var buf []byte
	var tmp [8]byte
	for _, e := range entries {
		binary.BigEndian.PutUint32(tmp[:4], uint32(len(e.Key)))
		buf = append(buf, tmp[:4]...)
		buf = append(buf, e.Key...)

		binary.BigEndian.PutUint64(tmp[:8], e.ValueCell.Version)
		buf = append(buf, tmp[:8]...)

		var flags byte
		if e.ValueCell.Cell.Tombstone {
			flags |= entryFlagTombstone
		} else if e.ValueCell.Cell.Value.IsExternal() {
			flags |= entryFlagExternal
		}
		buf = append(buf, flags)

		switch {
		case e.ValueCell.Cell.Tombstone:
			// no payload
		case e.ValueCell.Cell.Value.IsExternal():
			ref := e.ValueCell.Cell.Value.BlockRef()
			binary.BigEndian.PutUint64(tmp[:8], ref.Offset)
			buf = append(buf, tmp[:8]...)
			binary.BigEndian.PutUint32(tmp[:4], ref.Gen)
			buf = append(buf, tmp[:4]...)
		default:
			val := e.ValueCell.Cell.Value.InlineValue()
			binary.BigEndian.PutUint32(tmp[:4], uint32(len(val)))
			buf = append(buf, tmp[:4]...)
			buf = append(buf, val...)
		}
	}
	return buf
}

func decodeEntries(body []byte) ([]Entry, error) {
	var entries []Entry
	pos := 0
	readU32 := func() (uint32, error) {
		if pos+4 > len(body) {
			return 0, errors.New("searchtree: truncated entry (u32)")
		}
		v := binary.BigEndian.Uint32(body[pos : pos+4])
		pos += 4
		return v, nil
	}
	readU64 := func() (uint64, error) {
		if pos+8 > len(body) {
			return 0, errors.New("searchtree: truncated entry (u64)")
		}
		v := binary.BigEndian.Uint64(body[pos : pos+8])
		pos += 8
		return v, nil
	}
	for pos < len(body) {
		keyLen, err := readU32()
		if err != nil {
			return nil, err
		}
		if pos+int(keyLen) > len(body) {
			return nil, errors.New("searchtree: truncated key")
		}
		key := make(kv.Key, keyLen)
		copy(key, body[pos:pos+int(keyLen)])
		pos += int(keyLen)

		ver, err := readU64()
		if err != nil {
			return nil, err
		}
		if pos+1 > len(body) {
			return nil, errors.New("searchtree: truncated flags")
		}
		flags := body[pos]
		pos++

		var cell kv.Cell[kv.ValueBlockRef]
		switch {
		case flags&entryFlagTombstone != 0:
			cell.Tombstone = true
		case flags&entryFlagExternal != 0:
			off, err := readU64()
			if err != nil {
				return nil, err
			}
			gen, err := readU32()
			if err != nil {
				return nil, err
			}
			cell.Value = kv.External(storage.BlockRef{Offset: off, Gen: gen})
		default:
			valLen, err := readU32()
			if err != nil {
				return nil, err
			}
			if pos+int(valLen) > len(body) {
				return nil, errors.New("searchtree: truncated value")
			}
			val := make(kv.Value, valLen)
			copy(val, body[pos:pos+int(valLen)])
			pos += int(valLen)
			cell.Value = kv.Inline(val)
		}

		entries = append(entries, Entry{Key: key, ValueCell: kv.ValueCell[kv.ValueBlockRef]{Version: ver, Cell: cell}})
	}
	return entries, nil
}
