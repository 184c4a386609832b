package merger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blockwheel/kv/kv"
)

type sliceSource struct {
	items []kv.KeyValuePair[kv.Value]
	pos   int
}

func (s *sliceSource) Next(ctx context.Context) (kv.KeyValuePair[kv.Value], bool, error) {
	if s.pos >= len(s.items) {
		return kv.KeyValuePair[kv.Value]{}, false, nil
	}
	item := s.items[s.pos]
	s.pos++
	return item, true, nil
}

func pair(key string, version uint64, value string) kv.KeyValuePair[kv.Value] {
	return kv.KeyValuePair[kv.Value]{
		Key:       kv.Key(key),
		ValueCell: kv.ValueCell[kv.Value]{Version: version, Cell: kv.Alive(kv.Value(value))},
	}
}

func drain(t *testing.T, m *Merger[kv.Value]) []kv.KeyValuePair[kv.Value] {
	t.Helper()
	var out []kv.KeyValuePair[kv.Value]
	err := m.Drain(context.Background(), func(p kv.KeyValuePair[kv.Value]) error {
		out = append(out, p)
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestMergerOrdersDisjointSources(t *testing.T) {
	a := &sliceSource{items: []kv.KeyValuePair[kv.Value]{pair("a", 1, "A"), pair("c", 1, "C")}}
	b := &sliceSource{items: []kv.KeyValuePair[kv.Value]{pair("b", 1, "B"), pair("d", 1, "D")}}

	m := New([]Source[kv.Value]{a, b}, nil)
	got := drain(t, m)

	require.Equal(t, []kv.Key{kv.Key("a"), kv.Key("b"), kv.Key("c"), kv.Key("d")},
		[]kv.Key{got[0].Key, got[1].Key, got[2].Key, got[3].Key})
}

func TestMergerKeepsHighestVersionOnCollision(t *testing.T) {
	a := &sliceSource{items: []kv.KeyValuePair[kv.Value]{pair("k", 1, "old")}}
	b := &sliceSource{items: []kv.KeyValuePair[kv.Value]{pair("k", 5, "new")}}

	m := New([]Source[kv.Value]{a, b}, nil)
	got := drain(t, m)

	require.Len(t, got, 1)
	require.Equal(t, kv.Value("new"), got[0].ValueCell.Cell.Value)
	require.Equal(t, uint64(5), got[0].ValueCell.Version)
}

func TestMergerLaterIndexBreaksTies(t *testing.T) {
	a := &sliceSource{items: []kv.KeyValuePair[kv.Value]{pair("k", 3, "first")}}
	b := &sliceSource{items: []kv.KeyValuePair[kv.Value]{pair("k", 3, "second")}}

	m := New([]Source[kv.Value]{a, b}, nil)
	got := drain(t, m)

	require.Len(t, got, 1)
	require.Equal(t, kv.Value("second"), got[0].ValueCell.Cell.Value)
}

func TestMergerReportsDeprecatedLosers(t *testing.T) {
	a := &sliceSource{items: []kv.KeyValuePair[kv.Value]{pair("k", 1, "old")}}
	b := &sliceSource{items: []kv.KeyValuePair[kv.Value]{pair("k", 2, "new")}}

	var deprecated []kv.KeyValuePair[kv.Value]
	m := New([]Source[kv.Value]{a, b}, func(p kv.KeyValuePair[kv.Value]) {
		deprecated = append(deprecated, p)
	})
	drain(t, m)

	require.Len(t, deprecated, 1)
	require.Equal(t, kv.Value("old"), deprecated[0].ValueCell.Cell.Value)
}

func TestMergerEmptySources(t *testing.T) {
	m := New([]Source[kv.Value]{&sliceSource{}, &sliceSource{}}, nil)
	require.Empty(t, drain(t, m))
}

func TestMergerPropagatesPeerError(t *testing.T) {
	m := New([]Source[kv.Value]{&errorSource{}}, nil)
	_, _, err := m.Next(context.Background())
	require.ErrorIs(t, err, ErrPeerLost)
}

type errorSource struct{}

func (errorSource) Next(ctx context.Context) (kv.KeyValuePair[kv.Value], bool, error) {
	return kv.KeyValuePair[kv.Value]{}, false, ErrPeerLost
}
