// Package manager implements C3 through C7: the request tracker, the
// TaskRunner dispatch, the Manager busyloop itself, the Bootstrapper, and
// ValueResolver. This is the supervising state machine spec.md calls the
// hardest part of the system — everything else in this module exists to
// give it somewhere to read from and write to.
package manager

import (
	"context"

	"github.com/datawire/dlib/dlog"
	"github.com/pkg/errors"

	"github.com/blockwheel/kv/containers"
	"github.com/blockwheel/kv/core/binmerger"
	"github.com/blockwheel/kv/core/butcher"
	"github.com/blockwheel/kv/core/merger"
	"github.com/blockwheel/kv/core/searchtree"
	"github.com/blockwheel/kv/core/task"
	"github.com/blockwheel/kv/job"
	"github.com/blockwheel/kv/kv"
	"github.com/blockwheel/kv/storage"
	"github.com/blockwheel/kv/version"
	"github.com/blockwheel/kv/wheels"
)

// Params collects every tunable spec.md §6 enumerates.
type Params struct {
	TreeBlockSize                   int
	ManagerTaskRestartSec           int
	ButcherTaskRestartSec           int
	SearchTreeTaskRestartSec        int
	SearchTreeRemoveTasksLimit      int
	SearchTreeIterSendBuffer        int
	SearchTreeValuesInlineSizeLimit int
	JobPoolSize                     int
}

func DefaultParams() Params {
	return Params{
		TreeBlockSize:                   32,
		ManagerTaskRestartSec:           1,
		ButcherTaskRestartSec:           1,
		SearchTreeTaskRestartSec:        1,
		SearchTreeRemoveTasksLimit:      64,
		SearchTreeIterSendBuffer:        4,
		SearchTreeValuesInlineSizeLimit: 128,
		JobPoolSize:                     4,
	}
}

func (p Params) searchTreeParams() searchtree.Params {
	return searchtree.Params{
		ValuesInlineSizeLimit: p.SearchTreeValuesInlineSizeLimit,
		IterSendBuffer:        p.SearchTreeIterSendBuffer,
		RemoveTasksLimit:      p.SearchTreeRemoveTasksLimit,
		TaskRestartSec:        p.SearchTreeTaskRestartSec,
	}
}

func (p Params) butcherParams() butcher.Params {
	return butcher.Params{
		FlushThreshold: p.TreeBlockSize * 4,
		TaskRestartSec: p.ButcherTaskRestartSec,
	}
}

// Info is the reply shape for the info() operation.
type Info struct {
	AliveCellsCount uint64
	TombstonesCount uint64
}

// NoProcError is returned by every public operation once the Manager's
// busyloop has exited (ctx canceled, or a collaborator channel closed).
var NoProcError = errors.New("manager: no process (manager has exited)")

// --- client request variants ---------------------------------------------

type clientRequest interface{ isClientRequest() }

type reqInfo struct{ reply chan<- Info }
type reqInsert struct {
	key   kv.Key
	value kv.Value
	reply chan<- uint64
}
type reqRemove struct {
	key   kv.Key
	reply chan<- uint64
}
type reqLookup struct {
	key   kv.Key
	reply chan<- *kv.ValueCell[kv.Value]
}
type reqLookupRange struct {
	rng   kv.Range
	reply chan<- (<-chan kv.KeyValuePair[kv.Value])
}
type reqFlush struct{ reply chan<- struct{} }

func (reqInfo) isClientRequest()        {}
func (reqInsert) isClientRequest()      {}
func (reqRemove) isClientRequest()      {}
func (reqLookup) isClientRequest()      {}
func (reqLookupRange) isClientRequest() {}
func (reqFlush) isClientRequest()       {}

// --- Manager ---------------------------------------------------------------

// Manager is the supervising state machine. Construct one with New, then
// run its busyloop with Run (typically under a dgroup.Group so a fatal
// error triggers supervised restart); every other method is safe to call
// concurrently from any number of client goroutines once Run is running.
type Manager struct {
	params  Params
	store   wheels.Store
	codec   storage.Codec
	vers    *version.Provider
	pool    *job.Pool
	runner  *task.Runner
	butcher *butcher.Butcher

	clientCh       chan clientRequest
	butcherFlushCh chan *butcher.MemCache
	fgDone         chan task.Done
	bgDone         chan task.Done

	closed chan struct{}
}

// New constructs a Manager. Call Run to start its busyloop; construction
// itself does no I/O.
func New(ctx context.Context, store wheels.Store, vers *version.Provider, pool *job.Pool, params Params) *Manager {
	m := &Manager{
		params:         params,
		store:          store,
		codec:          storage.Codec{},
		vers:           vers,
		pool:           pool,
		runner:         task.NewRunner(),
		clientCh:       make(chan clientRequest),
		butcherFlushCh: make(chan *butcher.MemCache),
		fgDone:         make(chan task.Done, 16),
		bgDone:         make(chan task.Done, 16),
		closed:         make(chan struct{}),
	}
	m.butcher = butcher.New(params.butcherParams(), vers, func(ctx context.Context, cache *butcher.MemCache) {
		select {
		case m.butcherFlushCh <- cache:
		case <-ctx.Done():
		}
	})
	return m
}

// --- public operations -----------------------------------------------------

func (m *Manager) Info(ctx context.Context) (Info, error) {
	reply := make(chan Info, 1)
	select {
	case m.clientCh <- reqInfo{reply: reply}:
	case <-m.closed:
		return Info{}, NoProcError
	case <-ctx.Done():
		return Info{}, ctx.Err()
	}
	select {
	case info := <-reply:
		return info, nil
	case <-m.closed:
		return Info{}, NoProcError
	case <-ctx.Done():
		return Info{}, ctx.Err()
	}
}

func (m *Manager) Insert(ctx context.Context, key kv.Key, value kv.Value) (uint64, error) {
	reply := make(chan uint64, 1)
	select {
	case m.clientCh <- reqInsert{key: key, value: value, reply: reply}:
	case <-m.closed:
		return 0, NoProcError
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	select {
	case ver := <-reply:
		return ver, nil
	case <-m.closed:
		return 0, NoProcError
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (m *Manager) Remove(ctx context.Context, key kv.Key) (uint64, error) {
	reply := make(chan uint64, 1)
	select {
	case m.clientCh <- reqRemove{key: key, reply: reply}:
	case <-m.closed:
		return 0, NoProcError
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	select {
	case ver := <-reply:
		return ver, nil
	case <-m.closed:
		return 0, NoProcError
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Lookup returns nil if the key was never written. If the latest write was
// a remove, it returns a tombstone cell carrying that remove's version.
func (m *Manager) Lookup(ctx context.Context, key kv.Key) (*kv.ValueCell[kv.Value], error) {
	reply := make(chan *kv.ValueCell[kv.Value], 1)
	select {
	case m.clientCh <- reqLookup{key: key, reply: reply}:
	case <-m.closed:
		return nil, NoProcError
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case vc := <-reply:
		return vc, nil
	case <-m.closed:
		return nil, NoProcError
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// LookupRange returns a channel of results in ascending key order; the
// channel is closed once the scan completes (the idiomatic-Go rendering
// of spec.md's KeyValueStreamItem::NoMore).
func (m *Manager) LookupRange(ctx context.Context, rng kv.Range) (<-chan kv.KeyValuePair[kv.Value], error) {
	reply := make(chan (<-chan kv.KeyValuePair[kv.Value]), 1)
	select {
	case m.clientCh <- reqLookupRange{rng: rng, reply: reply}:
	case <-m.closed:
		return nil, NoProcError
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case ch := <-reply:
		return ch, nil
	case <-m.closed:
		return nil, NoProcError
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) Flush(ctx context.Context) error {
	reply := make(chan struct{}, 1)
	select {
	case m.clientCh <- reqFlush{reply: reply}:
	case <-m.closed:
		return NoProcError
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-reply:
		return nil
	case <-m.closed:
		return NoProcError
	case <-ctx.Done():
		return ctx.Err()
	}
}

// --- busyloop ---------------------------------------------------------------

type busyloopMode int

const (
	modeRegular busyloopMode = iota
	modeFlushing
)

type butcherStatus int

const (
	butcherNotReady butcherStatus = iota
	butcherRepliedDone
	butcherInvalidated
)

type lookupState struct {
	key           kv.Key
	reply         chan<- *kv.ValueCell[kv.Value]
	butcherStatus butcherStatus
	pending       int
	best          *kv.ValueCell[kv.ValueBlockRef]
	// resolving is set once every gather task has replied and a
	// RetrieveValue task has been dispatched to turn best into a
	// client-visible Value; the entry stays in lookupReqs until that
	// task (or a DeprecatedResults retry of the whole gather) settles.
	resolving bool
}

type infoState struct {
	reply   chan<- Info
	pending int
	fold    searchtree.Info
}

type rangeState struct {
	rng          kv.Range
	sink         chan<- kv.KeyValuePair[kv.Value]
	butcherItems []kv.KeyValuePair[kv.Value]
	treeStreams  []merger.Source[kv.ValueBlockRef]
	pending      int
}

// flushState needs nothing beyond the reply channel: FlushAll's barrier is
// the global pendingTasks counter reaching zero while mode is Flushing
// (see maybeExitFlushing), which already accounts for the FlushButcher
// task, the cache-bootstrap tree it attaches, and that tree's own
// FlushTree task.
type flushState struct {
	reply chan<- struct{}
}

// state is every bit of mutable data the busyloop touches, confined here
// so nothing about it is ever reachable from outside Run's own goroutine
// (spec.md's design notes call this out explicitly: no global mutables).
type state struct {
	mode busyloopMode

	trees *containers.Set[*searchtree.Tree]
	heap  *binmerger.BinMerger

	nextReqID  task.ReqID
	infoReqs   map[task.ReqID]*infoState
	lookupReqs map[task.ReqID]*lookupState
	rangeReqs  map[task.ReqID]*rangeState
	flushReqs  map[task.ReqID]*flushState

	pendingTasks int // all foreground+background tasks currently in flight
}

func newState() *state {
	return &state{
		trees:      containers.NewSet[*searchtree.Tree](),
		heap:       binmerger.New(),
		infoReqs:   make(map[task.ReqID]*infoState),
		lookupReqs: make(map[task.ReqID]*lookupState),
		rangeReqs:  make(map[task.ReqID]*rangeState),
		flushReqs:  make(map[task.ReqID]*flushState),
	}
}

func (s *state) freshReqID() task.ReqID {
	s.nextReqID++
	return s.nextReqID
}

// Run is the Manager's busyloop. It bootstraps the tree set from store,
// drains startup compactions, then multiplexes forever over client
// requests, butcher flush notifications, and task completions until ctx
// is canceled or a collaborator channel closes. A returned error means a
// fatal condition (spec.md §7); the caller (normally a dgroup restart
// loop) is expected to construct a fresh Manager and retry after a delay.
func (m *Manager) Run(ctx context.Context) error {
	defer close(m.closed)

	stParams := m.params.searchTreeParams()
	trees, maxVersion, err := bootstrap(ctx, m.store, m.codec, stParams)
	if err != nil {
		return errors.Wrap(err, "manager: bootstrap")
	}
	m.vers.Bump(maxVersion)

	st := newState()
	for _, t := range trees {
		id := st.trees.Insert(t)
		st.heap.Push(binmerger.TreeRef{ItemsCount: t.ItemsCount(), TreeID: id})
	}
	dlog.Infof(ctx, "manager: bootstrapped %d tree(s)", len(trees))

	for m.tryCompactOnce(ctx, st) {
	}

	for {
		var clientCh chan clientRequest
		if st.mode == modeRegular {
			clientCh = m.clientCh
		}

		select {
		case <-ctx.Done():
			return nil
		case req, ok := <-clientCh:
			if !ok {
				return nil
			}
			m.handleClientRequest(ctx, st, req)
		case cache, ok := <-m.butcherFlushCh:
			if !ok {
				return nil
			}
			m.handleButcherFlush(ctx, st, cache)
		case done := <-m.fgDone:
			st.pendingTasks--
			m.handleTaskDone(ctx, st, done)
		case done := <-m.bgDone:
			st.pendingTasks--
			m.handleTaskDone(ctx, st, done)
		}

		m.maybeExitFlushing(st)
	}
}

func (m *Manager) maybeExitFlushing(st *state) {
	if st.mode != modeFlushing || st.pendingTasks != 0 {
		return
	}
	for id, fs := range st.flushReqs {
		select {
		case fs.reply <- struct{}{}:
		default:
		}
		delete(st.flushReqs, id)
	}
	st.mode = modeRegular
}

// dispatchFG submits args to the job pool and routes its Done to the
// foreground completion channel, bumping the in-flight counter first so
// a Flushing-mode exit check never races a task that hasn't registered
// yet.
func (m *Manager) dispatchFG(ctx context.Context, st *state, args task.Args) {
	st.pendingTasks++
	m.pool.Submit(ctx, func(ctx context.Context) {
		done := m.runner.Run(ctx, args)
		select {
		case m.fgDone <- done:
		case <-ctx.Done():
		}
	})
}

func (m *Manager) dispatchBG(ctx context.Context, st *state, args task.Args) {
	st.pendingTasks++
	m.pool.Submit(ctx, func(ctx context.Context) {
		done := m.runner.Run(ctx, args)
		select {
		case m.bgDone <- done:
		case <-ctx.Done():
		}
	})
}

// tryCompactOnce pops one pair from the size heap (if any qualifies) and
// schedules a MergeTrees background task for it. It returns whether a
// pair was found, so callers can loop it to absorb a whole fleet (startup)
// or call it once per triggering event (steady state).
func (m *Manager) tryCompactOnce(ctx context.Context, st *state) bool {
	a, b, ok := st.heap.Pop()
	if !ok {
		return false
	}
	aTree, _ := st.trees.Get(a.TreeID)
	bTree, _ := st.trees.Get(b.TreeID)
	m.dispatchBG(ctx, st, task.MergeTrees{
		AID: a.TreeID, BID: b.TreeID,
		A: aTree, B: bTree,
		Store:  m.store,
		Params: m.params.searchTreeParams(),
	})
	return true
}

// --- client request handling ------------------------------------------------

func (m *Manager) handleClientRequest(ctx context.Context, st *state, req clientRequest) {
	switch r := req.(type) {
	case reqInfo:
		id := st.freshReqID()
		st.infoReqs[id] = &infoState{reply: r.reply, pending: 1 + st.trees.Len()}
		m.dispatchFG(ctx, st, task.InfoButcher{ReqID: id, Butcher: m.butcher})
		st.trees.Each(func(tid containers.ID, t *searchtree.Tree) bool {
			m.dispatchFG(ctx, st, task.InfoTree{ReqID: id, TreeID: tid, Tree: t})
			return true
		})

	case reqInsert:
		m.dispatchFG(ctx, st, task.InsertButcher{Butcher: m.butcher, Key: r.key, Value: r.value, Reply: r.reply})

	case reqRemove:
		m.dispatchFG(ctx, st, task.RemoveButcher{Butcher: m.butcher, Key: r.key, Reply: r.reply})

	case reqLookup:
		id := st.freshReqID()
		st.lookupReqs[id] = &lookupState{key: r.key, reply: r.reply, pending: 1 + st.trees.Len()}
		m.dispatchFG(ctx, st, task.LookupButcher{ReqID: id, Butcher: m.butcher, Key: r.key})
		st.trees.Each(func(tid containers.ID, t *searchtree.Tree) bool {
			m.dispatchFG(ctx, st, task.LookupTree{ReqID: id, TreeID: tid, Tree: t, Key: r.key})
			return true
		})

	case reqLookupRange:
		id := st.freshReqID()
		sink := make(chan kv.KeyValuePair[kv.Value], m.params.SearchTreeIterSendBuffer)
		r.reply <- sink
		m.startRangeFetch(ctx, st, id, r.rng, sink)

	case reqFlush:
		// Two-phase, per SPEC_FULL.md/manager.rs: the tree set can't be
		// enumerated until the butcher has acknowledged, because a
		// compaction completing between FlushAll and that ack could
		// otherwise swap the tree set out from under an enumeration
		// taken too early. So this dispatches FlushButcher only; the
		// tree-set enumeration happens in the FlushButcherDone case
		// below, once the ack is actually in hand.
		id := st.freshReqID()
		st.flushReqs[id] = &flushState{reply: r.reply}
		st.mode = modeFlushing
		m.dispatchFG(ctx, st, task.FlushButcher{ReqID: id, Butcher: m.butcher})
	}
}

// startRangeFetch (re)starts the gather phase of a range scan: one
// LookupRangeButcher against the buffer plus one LookupRangeTree per tree
// currently live, all sharing reqID. It's used both for a fresh
// reqLookupRange and to re-drive a scan after a DeprecatedResults abort.
func (m *Manager) startRangeFetch(ctx context.Context, st *state, reqID task.ReqID, rng kv.Range, sink chan kv.KeyValuePair[kv.Value]) {
	st.rangeReqs[reqID] = &rangeState{rng: rng, sink: sink, pending: 1 + st.trees.Len()}
	m.dispatchFG(ctx, st, task.LookupRangeButcher{ReqID: reqID, Butcher: m.butcher, Range: rng, Sink: sink})
	st.trees.Each(func(tid containers.ID, t *searchtree.Tree) bool {
		m.dispatchFG(ctx, st, task.LookupRangeTree{ReqID: reqID, TreeID: tid, Tree: t, Range: rng})
		return true
	})
}

// --- butcher flush handling --------------------------------------------------

// handleButcherFlush implements spec.md §4.5's ButcherFlush case: attach
// the frozen buffer as a fresh cache-bootstrap tree, fold it into every
// in-flight request that hasn't finished gathering yet (so nothing served
// from the old, now-swapped-out buffer goes stale without a second
// chance), and try to start one compaction.
func (m *Manager) handleButcherFlush(ctx context.Context, st *state, cache *butcher.MemCache) {
	tree := searchtree.FromCache(cache, m.store, m.params.searchTreeParams())
	id := st.trees.Insert(tree)
	st.heap.Push(binmerger.TreeRef{ItemsCount: tree.ItemsCount(), TreeID: id})
	dlog.Debugf(ctx, "manager: attached cache-bootstrap tree %d (%d entries)", id, tree.ItemsCount())

	for reqID, ls := range st.lookupReqs {
		if ls.resolving {
			continue
		}
		ls.butcherStatus = butcherInvalidated
		ls.pending++
		m.dispatchFG(ctx, st, task.LookupTree{ReqID: reqID, TreeID: id, Tree: tree, Key: ls.key})
	}
	for reqID, rs := range st.rangeReqs {
		if rs.pending == 0 {
			continue // already past the gather phase for this round
		}
		rs.pending++
		m.dispatchFG(ctx, st, task.LookupRangeTree{ReqID: reqID, TreeID: id, Tree: tree, Range: rs.rng})
	}
	for reqID, is := range st.infoReqs {
		is.pending++
		m.dispatchFG(ctx, st, task.InfoTree{ReqID: reqID, TreeID: id, Tree: tree})
	}

	if st.mode == modeFlushing {
		// A FlushAll is in progress: this tree must be durably persisted
		// before the barrier can release, just like the bootstrapping trees
		// FlushAll dispatches FlushTree against once FlushButcherDone arrives.
		m.dispatchBG(ctx, st, task.FlushTree{TreeID: id, Tree: tree})
	}

	m.tryCompactOnce(ctx, st)
}

// --- task completion handling ------------------------------------------------

func (m *Manager) handleTaskDone(ctx context.Context, st *state, done task.Done) {
	switch d := done.(type) {
	case task.InfoDone:
		is, ok := st.infoReqs[d.ReqID]
		if !ok {
			return
		}
		is.fold = is.fold.Add(d.Info)
		is.pending--
		if is.pending == 0 {
			is.reply <- Info{AliveCellsCount: is.fold.AliveCellsCount, TombstonesCount: is.fold.TombstonesCount}
			delete(st.infoReqs, d.ReqID)
		}

	case task.LookupDone:
		ls, ok := st.lookupReqs[d.ReqID]
		if !ok {
			return
		}
		if d.Source.IsButcher {
			ls.butcherStatus = butcherRepliedDone
		}
		if d.Candidate != nil && (ls.best == nil || d.Candidate.Version > ls.best.Version) {
			ls.best = d.Candidate
		}
		ls.pending--
		if ls.pending == 0 {
			m.finishLookup(ctx, st, d.ReqID, ls)
		}

	case task.LookupRangeButcherDone:
		rs, ok := st.rangeReqs[d.ReqID]
		if !ok {
			return
		}
		rs.butcherItems = d.Items
		rs.pending--
		if rs.pending == 0 {
			m.startMerge(ctx, st, d.ReqID, rs)
		}

	case task.LookupRangeTreeDone:
		rs, ok := st.rangeReqs[d.ReqID]
		if !ok {
			return
		}
		rs.treeStreams = append(rs.treeStreams, d.Stream)
		rs.pending--
		if rs.pending == 0 {
			m.startMerge(ctx, st, d.ReqID, rs)
		}

	case task.MergeLookupRangeDone:
		close(d.Sink)
		delete(st.rangeReqs, d.ReqID)

	case task.RetrieveValueDone:
		ls, ok := st.lookupReqs[d.ReqID]
		if !ok {
			return
		}
		ls.reply <- d.Value
		delete(st.lookupReqs, d.ReqID)

	case task.DeprecatedResults:
		if d.ModifiedRange != nil {
			rs, ok := st.rangeReqs[d.ReqID]
			if !ok {
				return
			}
			delete(st.rangeReqs, d.ReqID)
			m.startRangeFetch(ctx, st, d.ReqID, *d.ModifiedRange, rs.sink)
			return
		}
		ls, ok := st.lookupReqs[d.ReqID]
		if !ok || !ls.resolving {
			return
		}
		ls.best = nil
		ls.resolving = false
		ls.butcherStatus = butcherNotReady
		ls.pending = 1 + st.trees.Len()
		m.dispatchFG(ctx, st, task.LookupButcher{ReqID: d.ReqID, Butcher: m.butcher, Key: ls.key})
		st.trees.Each(func(tid containers.ID, t *searchtree.Tree) bool {
			m.dispatchFG(ctx, st, task.LookupTree{ReqID: d.ReqID, TreeID: tid, Tree: t, Key: ls.key})
			return true
		})

	case task.MergeTreesDone:
		aTree, _ := st.trees.Get(d.AID)
		bTree, _ := st.trees.Get(d.BID)
		st.trees.Delete(d.AID)
		st.trees.Delete(d.BID)
		if aTree != nil {
			m.dispatchBG(ctx, st, task.DemolishTree{TreeID: d.AID, Tree: aTree})
		}
		if bTree != nil {
			m.dispatchBG(ctx, st, task.DemolishTree{TreeID: d.BID, Tree: bTree})
		}
		newTree := searchtree.FromRoot(d.NewRoot, d.NewItemsCount, m.store, m.params.searchTreeParams())
		newID := st.trees.Insert(newTree)
		st.heap.Push(binmerger.TreeRef{ItemsCount: newTree.ItemsCount(), TreeID: newID})
		dlog.Debugf(ctx, "manager: compacted trees %d+%d into %d (%d entries)", d.AID, d.BID, newID, newTree.ItemsCount())
		m.tryCompactOnce(ctx, st)

	case task.FlushButcherDone:
		// Safe to enumerate the tree set now: by construction, any
		// ButcherFlush this FlushButcher triggered was sent on an
		// unbuffered channel and so was fully processed by this same
		// single-threaded busyloop before FlushButcherDone could even
		// be observed here.
		if _, ok := st.flushReqs[d.ReqID]; !ok {
			return
		}
		st.trees.Each(func(tid containers.ID, t *searchtree.Tree) bool {
			if t.IsBootstrapping() {
				m.dispatchBG(ctx, st, task.FlushTree{ReqID: d.ReqID, TreeID: tid, Tree: t})
			}
			return true
		})

	case task.DemolishTreeDone, task.FlushTreeDone, task.AckDone:
		// nothing further to do; pendingTasks was already decremented
		// by Run before this dispatch.
	}
}

// finishLookup is called once every gather task for a lookup has replied.
// If nothing alive was found, the client gets nil immediately; otherwise
// the winning candidate still needs its ValueBlockRef resolved to an
// actual Value, which is itself a task (it may mean reading an external
// block), so the lookupReqs entry stays alive until that settles.
func (m *Manager) finishLookup(ctx context.Context, st *state, reqID task.ReqID, ls *lookupState) {
	if ls.best == nil {
		ls.reply <- nil
		delete(st.lookupReqs, reqID)
		return
	}
	ls.resolving = true
	m.dispatchFG(ctx, st, task.RetrieveValue{ReqID: reqID, Key: ls.key, Candidate: ls.best, Store: m.store})
}

// startMerge is called once a range scan's gather phase has collected
// every source (the buffer snapshot plus one stream per tree); it hands
// them to a MergeLookupRange task, which streams resolved values to
// rs.sink until exhausted or it hits a stale read and reports
// DeprecatedResults instead.
func (m *Manager) startMerge(ctx context.Context, st *state, reqID task.ReqID, rs *rangeState) {
	m.dispatchFG(ctx, st, task.MergeLookupRange{
		ReqID:        reqID,
		Range:        rs.rng,
		Sink:         rs.sink,
		ButcherItems: rs.butcherItems,
		TreeStreams:  rs.treeStreams,
		Store:        m.store,
	})
}
