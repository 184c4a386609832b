package kv

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeyCmp(t *testing.T) {
	require.Equal(t, 0, Key("abc").Cmp(Key("abc")))
	require.Negative(t, Key("abc").Cmp(Key("abd")))
	require.Positive(t, Key("abd").Cmp(Key("abc")))
}

func TestKeyCloneDoesNotAlias(t *testing.T) {
	orig := Key("hello")
	clone := orig.Clone()
	clone[0] = 'H'
	require.Equal(t, Key("hello"), orig)
	require.Equal(t, Key("Hello"), clone)
}

func TestKeyCloneNil(t *testing.T) {
	var k Key
	require.Nil(t, k.Clone())
}

func TestRangeFullContainsEverything(t *testing.T) {
	r := RangeFull()
	require.True(t, r.Contains(Key("")))
	require.True(t, r.Contains(Key("anything")))
}

func TestRangeInclusiveExclusiveBounds(t *testing.T) {
	r := Range{
		Lo: Bound{Kind: Inclusive, Key: Key("b")},
		Hi: Bound{Kind: Exclusive, Key: Key("d")},
	}
	require.False(t, r.Contains(Key("a")))
	require.True(t, r.Contains(Key("b")))
	require.True(t, r.Contains(Key("c")))
	require.False(t, r.Contains(Key("d")))
}

func TestRangeSkipsBelowAndPastAbove(t *testing.T) {
	r := Range{
		Lo: Bound{Kind: Exclusive, Key: Key("b")},
		Hi: Bound{Kind: Inclusive, Key: Key("d")},
	}
	require.True(t, r.SkipsBelow(Key("a")))
	require.True(t, r.SkipsBelow(Key("b")))
	require.False(t, r.SkipsBelow(Key("c")))

	require.False(t, r.PastAbove(Key("d")))
	require.True(t, r.PastAbove(Key("e")))
}

func TestRangeWithLo(t *testing.T) {
	r := RangeFull()
	r2 := r.WithLo(Bound{Kind: Inclusive, Key: Key("m")})
	require.False(t, r2.Contains(Key("a")))
	require.True(t, r2.Contains(Key("z")))
	// original untouched
	require.True(t, r.Contains(Key("a")))
}

func TestMapCellPreservesTombstone(t *testing.T) {
	vc := ValueCell[int]{Version: 3, Cell: Removed[int]()}
	out := MapCell(vc, func(i int) string { return "x" })
	require.True(t, out.Cell.Tombstone)
	require.Equal(t, uint64(3), out.Version)
	require.Equal(t, "", out.Cell.Value)
}

func TestMapCellAppliesFnToLiveValue(t *testing.T) {
	vc := ValueCell[int]{Version: 1, Cell: Alive(41)}
	out := MapCell(vc, func(i int) int { return i + 1 })
	require.False(t, out.Cell.Tombstone)
	require.Equal(t, 42, out.Cell.Value)
}
