package blockwheelkv

import (
	"context"
	"testing"
	"time"

	"github.com/datawire/dlib/dgroup"
	"github.com/stretchr/testify/require"

	"github.com/blockwheel/kv/kv"
	"github.com/blockwheel/kv/version"
	"github.com/blockwheel/kv/wheels"
)

func startTestKV(t *testing.T) (*KV, context.Context) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{})
	h := Run(ctx, grp, wheels.NewMemStore(), version.NewProvider(1), DefaultParams())
	t.Cleanup(func() {
		cancel()
		_ = grp.Wait()
	})
	return h, ctx
}

func TestKVInsertLookupRoundTrip(t *testing.T) {
	h, ctx := startTestKV(t)

	ack, err := h.Insert(ctx, kv.Key("k"), kv.Value("v"))
	require.NoError(t, err)
	require.Equal(t, uint64(1), ack.Version)

	cell, err := h.Lookup(ctx, kv.Key("k"))
	require.NoError(t, err)
	require.NotNil(t, cell)
	require.Equal(t, kv.Value("v"), cell.Cell.Value)
}

func TestKVRemove(t *testing.T) {
	h, ctx := startTestKV(t)
	_, err := h.Insert(ctx, kv.Key("k"), kv.Value("v"))
	require.NoError(t, err)

	ack, err := h.Remove(ctx, kv.Key("k"))
	require.NoError(t, err)
	require.Equal(t, uint64(2), ack.Version)
}

func TestKVInfo(t *testing.T) {
	h, ctx := startTestKV(t)
	_, err := h.Insert(ctx, kv.Key("k"), kv.Value("v"))
	require.NoError(t, err)

	info, err := h.Info(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), info.AliveCellsCount)
}

func TestKVFlush(t *testing.T) {
	h, ctx := startTestKV(t)
	_, err := h.Insert(ctx, kv.Key("k"), kv.Value("v"))
	require.NoError(t, err)

	_, err = h.Flush(ctx)
	require.NoError(t, err)
}

func TestKVLookupRange(t *testing.T) {
	h, ctx := startTestKV(t)
	for _, k := range []string{"b", "a"} {
		_, err := h.Insert(ctx, kv.Key(k), kv.Value(k))
		require.NoError(t, err)
	}

	sink, err := h.LookupRange(ctx, kv.RangeFull())
	require.NoError(t, err)

	var got []kv.Key
	for p := range sink {
		got = append(got, p.Key)
	}
	require.Equal(t, []kv.Key{kv.Key("a"), kv.Key("b")}, got)
}

func TestKVNoProcErrorBeforeManagerIsUp(t *testing.T) {
	h := &KV{}
	_, err := h.Info(context.Background())
	require.Error(t, err)
}

func TestKVNoProcErrorAfterShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{})
	h := Run(ctx, grp, wheels.NewMemStore(), version.NewProvider(1), DefaultParams())

	cancel()
	require.Eventually(t, func() bool {
		_, err := h.Info(context.Background())
		return err != nil
	}, time.Second, 10*time.Millisecond)
	_ = grp.Wait()
}
