// Package task implements C4, the TaskRunner: a closed set of independent
// units of work the Manager dispatches to the job pool, each carrying
// everything it needs (a Butcher handle, a *searchtree.Tree, a BlockStore)
// so the runner itself never reaches back into Manager state.
//
// Go has no sum types, so TaskArgs/TaskDone are modeled the way the rest
// of this module's teacher models closed variants: an interface with an
// unexported marker method, dispatched with an exhaustive type switch.
package task

import (
	"context"

	"github.com/pkg/errors"

	"github.com/blockwheel/kv/containers"
	"github.com/blockwheel/kv/core/butcher"
	"github.com/blockwheel/kv/core/merger"
	"github.com/blockwheel/kv/core/searchtree"
	"github.com/blockwheel/kv/kv"
	"github.com/blockwheel/kv/storage"
	"github.com/blockwheel/kv/wheels"
)

type ReqID uint64

// Args is the closed set of task kinds TaskRunner.Run accepts.
type Args interface{ isTaskArgs() }

// Done is the closed set of task results TaskRunner.Run returns.
type Done interface{ isTaskDone() }

// --- args ---------------------------------------------------------------

type InfoButcher struct {
	ReqID   ReqID
	Butcher *butcher.Butcher
}

type InfoTree struct {
	ReqID  ReqID
	TreeID containers.ID
	Tree   *searchtree.Tree
}

type InsertButcher struct {
	Butcher *butcher.Butcher
	Key     kv.Key
	Value   kv.Value
	Reply   chan<- uint64
}

type RemoveButcher struct {
	Butcher *butcher.Butcher
	Key     kv.Key
	Reply   chan<- uint64
}

type LookupButcher struct {
	ReqID   ReqID
	Butcher *butcher.Butcher
	Key     kv.Key
}

type LookupTree struct {
	ReqID  ReqID
	TreeID containers.ID
	Tree   *searchtree.Tree
	Key    kv.Key
}

type LookupRangeButcher struct {
	ReqID   ReqID
	Butcher *butcher.Butcher
	Range   kv.Range
	Sink    chan<- kv.KeyValuePair[kv.Value]
}

type LookupRangeTree struct {
	ReqID  ReqID
	TreeID containers.ID
	Tree   *searchtree.Tree
	Range  kv.Range
}

type MergeLookupRange struct {
	ReqID        ReqID
	Range        kv.Range
	Sink         chan<- kv.KeyValuePair[kv.Value]
	ButcherItems []kv.KeyValuePair[kv.Value]
	TreeStreams  []merger.Source[kv.ValueBlockRef]
	Store        wheels.Store
}

type RetrieveValue struct {
	ReqID     ReqID
	Key       kv.Key
	Candidate *kv.ValueCell[kv.ValueBlockRef] // nil means "no candidate"
	Store     wheels.Store
}

type MergeTrees struct {
	AID, BID containers.ID
	A, B     *searchtree.Tree
	Store    wheels.Store
	Params   searchtree.Params
}

type DemolishTree struct {
	TreeID containers.ID
	Tree   *searchtree.Tree
}

type FlushButcher struct {
	ReqID   ReqID
	Butcher *butcher.Butcher
}

type FlushTree struct {
	ReqID  ReqID
	TreeID containers.ID
	Tree   *searchtree.Tree
}

func (InfoButcher) isTaskArgs()        {}
func (InfoTree) isTaskArgs()           {}
func (InsertButcher) isTaskArgs()      {}
func (RemoveButcher) isTaskArgs()      {}
func (LookupButcher) isTaskArgs()      {}
func (LookupTree) isTaskArgs()         {}
func (LookupRangeButcher) isTaskArgs() {}
func (LookupRangeTree) isTaskArgs()    {}
func (MergeLookupRange) isTaskArgs()   {}
func (RetrieveValue) isTaskArgs()      {}
func (MergeTrees) isTaskArgs()         {}
func (DemolishTree) isTaskArgs()       {}
func (FlushButcher) isTaskArgs()       {}
func (FlushTree) isTaskArgs()          {}

// --- done -----------------------------------------------------------------

type InfoDone struct {
	ReqID  ReqID
	Source TreeOrButcher
	Info   searchtree.Info
}

// TreeOrButcher distinguishes which source an InfoDone/LookupDone/
// LookupRangeTreeDone came from, so the Manager can route the reply without a second map
// lookup keyed by reqID alone.
type TreeOrButcher struct {
	IsButcher bool
	TreeID    containers.ID
}

type LookupDone struct {
	ReqID     ReqID
	Source    TreeOrButcher
	Candidate *kv.ValueCell[kv.ValueBlockRef] // nil means "not found here"
}

type LookupRangeButcherDone struct {
	ReqID ReqID
	Range kv.Range
	Sink  chan<- kv.KeyValuePair[kv.Value]
	Items []kv.KeyValuePair[kv.Value]
}

type LookupRangeTreeDone struct {
	ReqID  ReqID
	Source TreeOrButcher
	Stream merger.Source[kv.ValueBlockRef]
}

type MergeLookupRangeDone struct {
	ReqID ReqID
	Sink  chan<- kv.KeyValuePair[kv.Value]
}

type DeprecatedResults struct {
	ReqID ReqID
	// ModifiedRange, if non-nil, means re-drive a range scan from this
	// point; if nil, this is a lookup-retry instead (Key is set).
	ModifiedRange *kv.Range
	Sink          chan<- kv.KeyValuePair[kv.Value]
	Key           kv.Key
}

type RetrieveValueDone struct {
	ReqID ReqID
	Key   kv.Key
	Value *kv.ValueCell[kv.Value] // nil means "no value"
}

type MergeTreesDone struct {
	AID, BID      containers.ID
	NewRoot       storage.BlockRef
	NewItemsCount uint64
}

type DemolishTreeDone struct {
	TreeID containers.ID
}

type FlushButcherDone struct {
	ReqID ReqID
}

type FlushTreeDone struct {
	ReqID  ReqID
	TreeID containers.ID
}

type AckDone struct{}

func (InfoDone) isTaskDone()               {}
func (LookupDone) isTaskDone()              {}
func (LookupRangeButcherDone) isTaskDone()  {}
func (LookupRangeTreeDone) isTaskDone()     {}
func (MergeLookupRangeDone) isTaskDone()    {}
func (DeprecatedResults) isTaskDone()       {}
func (RetrieveValueDone) isTaskDone()       {}
func (MergeTreesDone) isTaskDone()          {}
func (DemolishTreeDone) isTaskDone()        {}
func (FlushButcherDone) isTaskDone()        {}
func (FlushTreeDone) isTaskDone()           {}
func (AckDone) isTaskDone()                 {}

// Runner executes Args and produces Done. It holds no Manager state: every
// task carries the collaborator handles (Butcher, Tree, Store) it needs.
type Runner struct{}

func NewRunner() *Runner { return &Runner{} }

// Run is the dispatcher: a switch over every task kind. Go does not check
// type switches for exhaustiveness, so a kind missing here is not a
// compile error; it reaches the default case and panics at run time.
func (r *Runner) Run(ctx context.Context, args Args) Done {
	switch a := args.(type) {
	case InfoButcher:
		info := a.Butcher.Info(ctx)
		return InfoDone{ReqID: a.ReqID, Source: TreeOrButcher{IsButcher: true}, Info: searchtree.Info{AliveCellsCount: info.AliveCellsCount, TombstonesCount: info.TombstonesCount}}
	case InfoTree:
		info, err := a.Tree.Info(ctx)
		if err != nil {
			panic(errors.Wrap(err, "task: InfoTree"))
		}
		return InfoDone{ReqID: a.ReqID, Source: TreeOrButcher{TreeID: a.TreeID}, Info: info}
	case InsertButcher:
		ver := a.Butcher.Insert(ctx, a.Key, a.Value)
		if a.Reply != nil {
			a.Reply <- ver
		}
		return AckDone{}
	case RemoveButcher:
		ver := a.Butcher.Remove(ctx, a.Key)
		if a.Reply != nil {
			a.Reply <- ver
		}
		return AckDone{}
	case LookupButcher:
		vc, ok := a.Butcher.Lookup(ctx, a.Key)
		var cand *kv.ValueCell[kv.ValueBlockRef]
		if ok {
			wrapped := kv.MapCell(vc, func(v kv.Value) kv.ValueBlockRef { return kv.Inline(v) })
			cand = &wrapped
		}
		return LookupDone{ReqID: a.ReqID, Source: TreeOrButcher{IsButcher: true}, Candidate: cand}
	case LookupTree:
		vc, ok, err := a.Tree.Lookup(ctx, a.Key)
		if err != nil {
			panic(errors.Wrap(err, "task: LookupTree"))
		}
		var cand *kv.ValueCell[kv.ValueBlockRef]
		if ok {
			cand = &vc
		}
		return LookupDone{ReqID: a.ReqID, Source: TreeOrButcher{TreeID: a.TreeID}, Candidate: cand}
	case LookupRangeButcher:
		items := a.Butcher.LookupRange(ctx, a.Range)
		return LookupRangeButcherDone{ReqID: a.ReqID, Range: a.Range, Sink: a.Sink, Items: items}
	case LookupRangeTree:
		stream, err := a.Tree.LookupRange(ctx, a.Range)
		if err != nil {
			panic(errors.Wrap(err, "task: LookupRangeTree"))
		}
		return LookupRangeTreeDone{ReqID: a.ReqID, Source: TreeOrButcher{TreeID: a.TreeID}, Stream: stream}
	case MergeLookupRange:
		return runMergeLookupRange(ctx, a)
	case RetrieveValue:
		return runRetrieveValue(ctx, a)
	case MergeTrees:
		root, count, err := searchtree.Merge(ctx, a.A, a.B, a.Store, a.Params)
		if err != nil {
			panic(errors.Wrap(err, "task: MergeTrees"))
		}
		return MergeTreesDone{AID: a.AID, BID: a.BID, NewRoot: root, NewItemsCount: count}
	case DemolishTree:
		if err := a.Tree.Demolish(ctx); err != nil {
			panic(errors.Wrap(err, "task: DemolishTree"))
		}
		return DemolishTreeDone{TreeID: a.TreeID}
	case FlushButcher:
		a.Butcher.Flush(ctx)
		return FlushButcherDone{ReqID: a.ReqID}
	case FlushTree:
		if _, err := a.Tree.Flush(ctx); err != nil {
			panic(errors.Wrap(err, "task: FlushTree"))
		}
		return FlushTreeDone{ReqID: a.ReqID, TreeID: a.TreeID}
	default:
		panic(errors.Errorf("task: unhandled Args type %T", args))
	}
}

// butcherSource adapts a plain slice (Butcher's range snapshot, already
// Inline-wrapped) into a merger.Source.
type butcherSource struct {
	items []kv.KeyValuePair[kv.ValueBlockRef]
	pos   int
}

func (s *butcherSource) Next(ctx context.Context) (kv.KeyValuePair[kv.ValueBlockRef], bool, error) {
	if s.pos >= len(s.items) {
		return kv.KeyValuePair[kv.ValueBlockRef]{}, false, nil
	}
	item := s.items[s.pos]
	s.pos++
	return item, true, nil
}

func runMergeLookupRange(ctx context.Context, a MergeLookupRange) Done {
	wrapped := make([]kv.KeyValuePair[kv.ValueBlockRef], len(a.ButcherItems))
	for i, item := range a.ButcherItems {
		wrapped[i] = kv.KeyValuePair[kv.ValueBlockRef]{
			Key:       item.Key,
			ValueCell: kv.MapCell(item.ValueCell, func(v kv.Value) kv.ValueBlockRef { return kv.Inline(v) }),
		}
	}
	sources := make([]merger.Source[kv.ValueBlockRef], 0, len(a.TreeStreams)+1)
	sources = append(sources, &butcherSource{items: wrapped})
	sources = append(sources, a.TreeStreams...)

	// Losers here are ordinary version reconciliation (a key present in more
	// than one source), not a sign of a torn read — a range re-drive is only
	// warranted when a winner's External value block has actually vanished,
	// handled below via errDeprecatedBlock.
	m := merger.New(sources, nil)

	var (
		deprecatedHit bool
		deprecatedKey kv.Key
	)
	err := m.Drain(ctx, func(item kv.KeyValuePair[kv.ValueBlockRef]) error {
		resolved, derr := resolveValue(ctx, a.Store, item.ValueCell)
		if derr != nil {
			if errors.Is(derr, errDeprecatedBlock) {
				deprecatedHit = true
				deprecatedKey = item.Key
				return errDeprecatedBlock
			}
			return derr
		}
		select {
		case a.Sink <- kv.KeyValuePair[kv.Value]{Key: item.Key, ValueCell: resolved}:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	if err != nil && !errors.Is(err, errDeprecatedBlock) {
		panic(errors.Wrap(err, "task: MergeLookupRange"))
	}

	if deprecatedHit {
		modified := a.Range.WithLo(kv.Bound{Kind: kv.Inclusive, Key: deprecatedKey})
		return DeprecatedResults{ReqID: a.ReqID, ModifiedRange: &modified, Sink: a.Sink}
	}
	return MergeLookupRangeDone{ReqID: a.ReqID, Sink: a.Sink}
}

func resolveValue(ctx context.Context, store wheels.Store, vc kv.ValueCell[kv.ValueBlockRef]) (kv.ValueCell[kv.Value], error) {
	if vc.Cell.Tombstone {
		return kv.ValueCell[kv.Value]{Version: vc.Version, Cell: kv.Cell[kv.Value]{Tombstone: true}}, nil
	}
	if !vc.Cell.Value.IsExternal() {
		return kv.ValueCell[kv.Value]{Version: vc.Version, Cell: kv.Alive(vc.Cell.Value.InlineValue())}, nil
	}
	data, err := store.ReadBlock(ctx, vc.Cell.Value.BlockRef())
	if err != nil {
		if errors.Is(err, wheels.ErrNotFound) {
			return kv.ValueCell[kv.Value]{}, errDeprecatedBlock
		}
		return kv.ValueCell[kv.Value]{}, err
	}
	return kv.ValueCell[kv.Value]{Version: vc.Version, Cell: kv.Alive(data)}, nil
}

var errDeprecatedBlock = errors.New("task: external value block is gone (deprecated)")

func runRetrieveValue(ctx context.Context, a RetrieveValue) Done {
	if a.Candidate == nil {
		return RetrieveValueDone{ReqID: a.ReqID, Key: a.Key, Value: nil}
	}
	resolved, err := resolveValue(ctx, a.Store, *a.Candidate)
	if err != nil {
		if errors.Is(err, errDeprecatedBlock) {
			return DeprecatedResults{ReqID: a.ReqID, Key: a.Key}
		}
		panic(errors.Wrap(err, "task: RetrieveValue"))
	}
	return RetrieveValueDone{ReqID: a.ReqID, Key: a.Key, Value: &resolved}
}
