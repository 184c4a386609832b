// Package merger implements C1: merging K ordered key-value streams into
// one, reconciling equal keys by keeping the highest version and reporting
// every loser through a deprecated callback.
package merger

import (
	"context"

	"github.com/pkg/errors"

	"github.com/blockwheel/kv/kv"
)

// ErrPeerLost is returned by a Source whose backing stream (a SearchTree's
// scan channel, or the Butcher's range snapshot) closed unexpectedly
// mid-merge. It is always fatal: the Manager that owns the merge task
// treats it as a reason to exit and be restarted by its supervisor.
var ErrPeerLost = errors.New("merger: backend iterator peer lost")

// Source is one input stream to a merge: an ordered sequence of key-value
// pairs. Next returns (item, true, nil) for each item, (zero, false, nil)
// at end of stream, or (zero, false, ErrPeerLost) if the stream died.
// Implementations absorb any internal "block finish" bookkeeping
// themselves; the Merger never sees it.
type Source[V any] interface {
	Next(ctx context.Context) (kv.KeyValuePair[V], bool, error)
}

type sourceState[V any] struct {
	src      Source[V]
	front    kv.KeyValuePair[V]
	hasFront bool
	done     bool
}

// Merger merges len(sources) ordered Source streams into one, in ascending
// key order, keeping the highest-versioned item on every key collision.
type Merger[V any] struct {
	states     []*sourceState[V]
	deprecated func(kv.KeyValuePair[V])
}

// New builds a Merger over sources, in the given order. Sources added
// later win ties on equal version (which spec.md asserts shouldn't occur
// in normal operation, but determinism is still required).
//
// deprecated is invoked once per losing item in every equal-key group the
// merger consumes; it may be nil to discard them. Both callers in this
// module (searchtree.Merge and the MergeLookupRange task) pass nil, since
// they only ever forward the winner.
func New[V any](sources []Source[V], deprecated func(kv.KeyValuePair[V])) *Merger[V] {
	states := make([]*sourceState[V], len(sources))
	for i, s := range sources {
		states[i] = &sourceState[V]{src: s}
	}
	if deprecated == nil {
		deprecated = func(kv.KeyValuePair[V]) {}
	}
	return &Merger[V]{states: states, deprecated: deprecated}
}

// Next advances every exhausted-front source, picks the minimum key among
// current fronts, reconciles the equal-key group at that minimum by
// version, and returns the winner. It returns (zero, false, nil) once
// every source is exhausted.
func (m *Merger[V]) Next(ctx context.Context) (kv.KeyValuePair[V], bool, error) {
	var zero kv.KeyValuePair[V]

	// Step 1: refill every NotReady iterator.
	for _, st := range m.states {
		if st.done || st.hasFront {
			continue
		}
		item, ok, err := st.src.Next(ctx)
		if err != nil {
			return zero, false, err
		}
		if !ok {
			st.done = true
			continue
		}
		st.front = item
		st.hasFront = true
	}

	// Step 2: find the minimum front key.
	var (
		haveMin bool
		minKey  kv.Key
	)
	for _, st := range m.states {
		if !st.hasFront {
			continue
		}
		if !haveMin || st.front.Key.Cmp(minKey) < 0 {
			haveMin = true
			minKey = st.front.Key
		}
	}
	if !haveMin {
		return zero, false, nil
	}

	// Step 3: consume the advance set (every front equal to minKey),
	// keeping the highest version; later index breaks ties.
	var (
		winner    kv.KeyValuePair[V]
		haveWin   bool
		winnerIdx int
	)
	for i, st := range m.states {
		if !st.hasFront || st.front.Key.Cmp(minKey) != 0 {
			continue
		}
		item := st.front
		st.hasFront = false // consumed; transitions back to NotReady

		if haveWin && item.ValueCell.Version < winner.ValueCell.Version {
			m.deprecated(item)
			continue
		}
		if haveWin {
			m.deprecated(winner)
		}
		winner = item
		haveWin = true
		winnerIdx = i
	}
	_ = winnerIdx

	return winner, true, nil
}

// Drain runs Next to completion, calling fn for every winning item. It
// stops and returns the error at the first failure.
func (m *Merger[V]) Drain(ctx context.Context, fn func(kv.KeyValuePair[V]) error) error {
	for {
		item, ok, err := m.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := fn(item); err != nil {
			return err
		}
	}
}
