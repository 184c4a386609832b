package containers

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetInsertGet(t *testing.T) {
	s := NewSet[string]()
	id := s.Insert("a")
	v, ok := s.Get(id)
	require.True(t, ok)
	require.Equal(t, "a", v)
}

func TestSetHandlesStayStableAcrossChurn(t *testing.T) {
	s := NewSet[string]()
	id1 := s.Insert("a")
	id2 := s.Insert("b")
	id3 := s.Insert("c")

	s.Delete(id2)

	v1, ok1 := s.Get(id1)
	require.True(t, ok1)
	require.Equal(t, "a", v1)

	_, ok2 := s.Get(id2)
	require.False(t, ok2)

	v3, ok3 := s.Get(id3)
	require.True(t, ok3)
	require.Equal(t, "c", v3)

	require.Equal(t, 2, s.Len())
}

func TestSetDeleteIsIdempotent(t *testing.T) {
	s := NewSet[int]()
	id := s.Insert(1)
	s.Delete(id)
	require.NotPanics(t, func() { s.Delete(id) })
	require.Equal(t, 0, s.Len())
}

func TestSetEachInsertionOrderAndEarlyStop(t *testing.T) {
	s := NewSet[int]()
	s.Insert(1)
	s.Insert(2)
	s.Insert(3)

	var seen []int
	s.Each(func(_ ID, v int) bool {
		seen = append(seen, v)
		return v != 2
	})
	require.Equal(t, []int{1, 2}, seen)
}

func TestSetIDsSnapshot(t *testing.T) {
	s := NewSet[int]()
	id1 := s.Insert(10)
	id2 := s.Insert(20)

	ids := s.IDs()
	require.Equal(t, []ID{id1, id2}, ids)

	s.Insert(30)
	require.Equal(t, []ID{id1, id2}, ids, "snapshot must not see later inserts")
}
