package kv

// Tombstone marks a ValueCell as a removal rather than a stored value. It
// participates in version ordering identically to an insert.
type Tombstone struct{}

// Cell is the payload half of a ValueCell: either a Value or a Tombstone.
type Cell[V any] struct {
	Tombstone bool
	Value     V
}

func Alive[V any](v V) Cell[V] {
	return Cell[V]{Value: v}
}

func Removed[V any]() Cell[V] {
	return Cell[V]{Tombstone: true}
}

// ValueCell pairs a monotonic version with a Cell. Higher version always
// wins, regardless of whether either side is alive or a tombstone.
type ValueCell[V any] struct {
	Version uint64
	Cell    Cell[V]
}

// KeyValuePair is one row out of a lookup_range stream.
type KeyValuePair[V any] struct {
	Key       Key
	ValueCell ValueCell[V]
}

// MapCell applies f to the live value carried by a ValueCell, leaving
// tombstones untouched. Used with Inline to convert a ValueCell[Value] into
// the ValueCell[ValueBlockRef] the tree layer works with.
func MapCell[A, B any](vc ValueCell[A], f func(A) B) ValueCell[B] {
	out := ValueCell[B]{Version: vc.Version, Cell: Cell[B]{Tombstone: vc.Cell.Tombstone}}
	if !vc.Cell.Tombstone {
		out.Cell.Value = f(vc.Cell.Value)
	}
	return out
}
