package task

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blockwheel/kv/containers"
	"github.com/blockwheel/kv/core/butcher"
	"github.com/blockwheel/kv/core/merger"
	"github.com/blockwheel/kv/core/searchtree"
	"github.com/blockwheel/kv/kv"
	"github.com/blockwheel/kv/version"
	"github.com/blockwheel/kv/wheels"
)

// fixedTreeStream hands back a fixed, already-sorted slice of items to a
// merger.Source, standing in for a SearchTree's scan channel.
type fixedTreeStream struct {
	items []kv.KeyValuePair[kv.ValueBlockRef]
	pos   int
}

func (s *fixedTreeStream) Next(ctx context.Context) (kv.KeyValuePair[kv.ValueBlockRef], bool, error) {
	if s.pos >= len(s.items) {
		return kv.KeyValuePair[kv.ValueBlockRef]{}, false, nil
	}
	item := s.items[s.pos]
	s.pos++
	return item, true, nil
}

func newButcher(t *testing.T) *butcher.Butcher {
	t.Helper()
	vers := version.NewProvider(1)
	return butcher.New(butcher.Params{FlushThreshold: 1 << 30}, vers, func(context.Context, *butcher.MemCache) {})
}

func TestRunnerInsertButcherAcksAndReplies(t *testing.T) {
	r := NewRunner()
	b := newButcher(t)
	reply := make(chan uint64, 1)

	done := r.Run(context.Background(), InsertButcher{Butcher: b, Key: kv.Key("a"), Value: kv.Value("1"), Reply: reply})
	require.IsType(t, AckDone{}, done)
	require.Equal(t, uint64(1), <-reply)
}

func TestRunnerInfoButcher(t *testing.T) {
	r := NewRunner()
	b := newButcher(t)
	b.Insert(context.Background(), kv.Key("a"), kv.Value("1"))
	b.Remove(context.Background(), kv.Key("b"))

	done := r.Run(context.Background(), InfoButcher{ReqID: 7, Butcher: b})
	info := done.(InfoDone)
	require.Equal(t, ReqID(7), info.ReqID)
	require.True(t, info.Source.IsButcher)
	require.Equal(t, uint64(1), info.Info.AliveCellsCount)
	require.Equal(t, uint64(1), info.Info.TombstonesCount)
}

func TestRunnerLookupButcherFound(t *testing.T) {
	r := NewRunner()
	b := newButcher(t)
	b.Insert(context.Background(), kv.Key("a"), kv.Value("1"))

	done := r.Run(context.Background(), LookupButcher{ReqID: 1, Butcher: b, Key: kv.Key("a")})
	lookup := done.(LookupDone)
	require.NotNil(t, lookup.Candidate)
	require.Equal(t, kv.Value("1"), lookup.Candidate.Cell.Value.InlineValue())
}

func TestRunnerLookupButcherNotFound(t *testing.T) {
	r := NewRunner()
	b := newButcher(t)

	done := r.Run(context.Background(), LookupButcher{ReqID: 1, Butcher: b, Key: kv.Key("missing")})
	lookup := done.(LookupDone)
	require.Nil(t, lookup.Candidate)
}

func TestRunnerRetrieveValueNilCandidate(t *testing.T) {
	r := NewRunner()
	done := r.Run(context.Background(), RetrieveValue{ReqID: 3, Key: kv.Key("k"), Candidate: nil})
	rv := done.(RetrieveValueDone)
	require.Nil(t, rv.Value)
}

func TestRunnerRetrieveValueInline(t *testing.T) {
	r := NewRunner()
	cand := kv.ValueCell[kv.ValueBlockRef]{Version: 1, Cell: kv.Alive(kv.Inline(kv.Value("hi")))}
	done := r.Run(context.Background(), RetrieveValue{ReqID: 3, Key: kv.Key("k"), Candidate: &cand})
	rv := done.(RetrieveValueDone)
	require.Equal(t, kv.Value("hi"), rv.Value.Cell.Value)
}

func TestRunnerRetrieveValueExternalBlockGoneReportsDeprecated(t *testing.T) {
	r := NewRunner()
	store := wheels.NewMemStore()
	ref, err := store.WriteBlock(context.Background(), []byte("gone"))
	require.NoError(t, err)
	require.NoError(t, store.DeleteBlock(context.Background(), ref))

	cand := kv.ValueCell[kv.ValueBlockRef]{Version: 1, Cell: kv.Alive(kv.External(ref))}
	done := r.Run(context.Background(), RetrieveValue{ReqID: 9, Key: kv.Key("k"), Candidate: &cand, Store: store})

	dep, ok := done.(DeprecatedResults)
	require.True(t, ok)
	require.Equal(t, ReqID(9), dep.ReqID)
	require.Nil(t, dep.ModifiedRange)
}

func TestRunnerMergeTreesAndDemolish(t *testing.T) {
	r := NewRunner()
	ctx := context.Background()
	store := wheels.NewMemStore()
	params := searchtree.DefaultParams()

	versA := version.NewProvider(1)
	var cacheA *butcher.MemCache
	bA := butcher.New(butcher.Params{FlushThreshold: 1 << 30}, versA, func(ctx context.Context, c *butcher.MemCache) { cacheA = c })
	bA.Insert(ctx, kv.Key("a"), kv.Value("1"))
	bA.Flush(ctx)
	treeA := searchtree.FromCache(cacheA, store, params)
	_, err := treeA.Flush(ctx)
	require.NoError(t, err)

	versB := version.NewProvider(1)
	var cacheB *butcher.MemCache
	bB := butcher.New(butcher.Params{FlushThreshold: 1 << 30}, versB, func(ctx context.Context, c *butcher.MemCache) { cacheB = c })
	bB.Insert(ctx, kv.Key("b"), kv.Value("2"))
	bB.Flush(ctx)
	treeB := searchtree.FromCache(cacheB, store, params)
	_, err = treeB.Flush(ctx)
	require.NoError(t, err)

	done := r.Run(ctx, MergeTrees{AID: containers.ID(1), BID: containers.ID(2), A: treeA, B: treeB, Store: store, Params: params})
	merged := done.(MergeTreesDone)
	require.EqualValues(t, 2, merged.NewItemsCount)

	newTree := searchtree.FromRoot(merged.NewRoot, merged.NewItemsCount, store, params)
	vc, ok, err := newTree.Lookup(ctx, kv.Key("a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, kv.Value("1"), vc.Cell.Value.InlineValue())

	demolished := r.Run(ctx, DemolishTree{TreeID: containers.ID(1), Tree: treeA})
	require.Equal(t, DemolishTreeDone{TreeID: containers.ID(1)}, demolished)
}

func TestRunnerFlushButcherAndFlushTree(t *testing.T) {
	r := NewRunner()
	ctx := context.Background()
	b := newButcher(t)
	b.Insert(ctx, kv.Key("a"), kv.Value("1"))

	done := r.Run(ctx, FlushButcher{ReqID: 5, Butcher: b})
	require.Equal(t, FlushButcherDone{ReqID: 5}, done)

	store := wheels.NewMemStore()
	params := searchtree.DefaultParams()
	var cache *butcher.MemCache
	vers := version.NewProvider(1)
	b2 := butcher.New(butcher.Params{FlushThreshold: 1 << 30}, vers, func(ctx context.Context, c *butcher.MemCache) { cache = c })
	b2.Insert(ctx, kv.Key("a"), kv.Value("1"))
	b2.Flush(ctx)
	tr := searchtree.FromCache(cache, store, params)

	flushDone := r.Run(ctx, FlushTree{ReqID: 6, TreeID: containers.ID(4), Tree: tr})
	ftd := flushDone.(FlushTreeDone)
	require.Equal(t, ReqID(6), ftd.ReqID)
	require.False(t, tr.IsBootstrapping())
}

func TestRunnerMergeLookupRangeStreamsResolvedValues(t *testing.T) {
	r := NewRunner()
	ctx := context.Background()
	sink := make(chan kv.KeyValuePair[kv.Value], 4)

	butcherItems := []kv.KeyValuePair[kv.Value]{
		{Key: kv.Key("a"), ValueCell: kv.ValueCell[kv.Value]{Version: 1, Cell: kv.Alive(kv.Value("1"))}},
	}

	done := r.Run(ctx, MergeLookupRange{
		ReqID:        11,
		Range:        kv.RangeFull(),
		Sink:         sink,
		ButcherItems: butcherItems,
	})
	require.Equal(t, MergeLookupRangeDone{ReqID: 11, Sink: sink}, done)

	item := <-sink
	require.Equal(t, kv.Key("a"), item.Key)
	require.Equal(t, kv.Value("1"), item.ValueCell.Cell.Value)
	require.Empty(t, sink, "only one butcher item was supplied")
}

// A tree's view of a key losing to a live butcher write of the same key is
// ordinary version reconciliation, not a sign the scan raced a deletion —
// it must not trigger a DeprecatedResults re-drive. Range a..=c over
// tree=[a(v1), c(v3)] and butcher=[b(v2), c(v4)]: c(v3) loses to c(v4)
// every single time, so treating that loss as "re-drive from c" would loop
// forever instead of completing the scan.
func TestRunnerMergeLookupRangeIgnoresOrdinaryMergeLosers(t *testing.T) {
	r := NewRunner()
	ctx := context.Background()
	sink := make(chan kv.KeyValuePair[kv.Value], 4)

	butcherItems := []kv.KeyValuePair[kv.Value]{
		{Key: kv.Key("b"), ValueCell: kv.ValueCell[kv.Value]{Version: 2, Cell: kv.Alive(kv.Value("B2"))}},
		{Key: kv.Key("c"), ValueCell: kv.ValueCell[kv.Value]{Version: 4, Cell: kv.Alive(kv.Value("C4"))}},
	}
	treeStream := &fixedTreeStream{items: []kv.KeyValuePair[kv.ValueBlockRef]{
		{Key: kv.Key("a"), ValueCell: kv.ValueCell[kv.ValueBlockRef]{Version: 1, Cell: kv.Alive(kv.Inline(kv.Value("A1")))}},
		{Key: kv.Key("c"), ValueCell: kv.ValueCell[kv.ValueBlockRef]{Version: 3, Cell: kv.Alive(kv.Inline(kv.Value("C3")))}},
	}}

	done := r.Run(ctx, MergeLookupRange{
		ReqID:        12,
		Range:        kv.Range{Lo: kv.Bound{Kind: kv.Inclusive, Key: kv.Key("a")}, Hi: kv.Bound{Kind: kv.Inclusive, Key: kv.Key("c")}},
		Sink:         sink,
		ButcherItems: butcherItems,
		TreeStreams:  []merger.Source[kv.ValueBlockRef]{treeStream},
	})
	require.Equal(t, MergeLookupRangeDone{ReqID: 12, Sink: sink}, done)

	close(sink)
	var got []kv.KeyValuePair[kv.Value]
	for item := range sink {
		got = append(got, item)
	}
	require.Len(t, got, 3)
	require.Equal(t, kv.Value("A1"), got[0].ValueCell.Cell.Value)
	require.Equal(t, kv.Value("B2"), got[1].ValueCell.Cell.Value)
	require.Equal(t, kv.Value("C4"), got[2].ValueCell.Cell.Value, "c's live butcher write wins over the stale tree entry")
}

func TestRunnerUnknownArgsPanics(t *testing.T) {
	r := NewRunner()
	require.Panics(t, func() {
		r.Run(context.Background(), unknownArgs{})
	})
}

type unknownArgs struct{}

func (unknownArgs) isTaskArgs() {}
