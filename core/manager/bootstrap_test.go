package manager

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blockwheel/kv/core/butcher"
	"github.com/blockwheel/kv/core/searchtree"
	"github.com/blockwheel/kv/kv"
	"github.com/blockwheel/kv/storage"
	"github.com/blockwheel/kv/version"
	"github.com/blockwheel/kv/wheels"
)

// flushTree inserts pairs into a fresh butcher, flushes it into a
// searchtree.Tree, and persists that tree's root, so bootstrap has a real
// root block to recover.
func flushTree(t *testing.T, ctx context.Context, store wheels.Store, startVersion uint64, pairs ...kv.KeyValuePair[kv.Value]) storage.BlockRef {
	t.Helper()
	vers := version.NewProvider(startVersion)
	var cache *butcher.MemCache
	b := butcher.New(butcher.Params{FlushThreshold: 1 << 30}, vers, func(ctx context.Context, c *butcher.MemCache) { cache = c })
	for _, p := range pairs {
		b.Insert(ctx, p.Key, p.ValueCell.Cell.Value)
	}
	b.Flush(ctx)
	tr := searchtree.FromCache(cache, store, searchtree.DefaultParams())
	root, err := tr.Flush(ctx)
	require.NoError(t, err)
	return root
}

func TestBootstrapRecoversTreesFromRoots(t *testing.T) {
	ctx := context.Background()
	store := wheels.NewMemStore()

	flushTree(t, ctx, store, 1, kv.KeyValuePair[kv.Value]{Key: kv.Key("a"), ValueCell: kv.ValueCell[kv.Value]{Cell: kv.Alive(kv.Value("1"))}})
	flushTree(t, ctx, store, 10, kv.KeyValuePair[kv.Value]{Key: kv.Key("b"), ValueCell: kv.ValueCell[kv.Value]{Cell: kv.Alive(kv.Value("2"))}})

	trees, maxVersion, err := bootstrap(ctx, store, storage.Codec{}, searchtree.DefaultParams())
	require.NoError(t, err)
	require.Len(t, trees, 2)
	require.Equal(t, uint64(10), maxVersion)
}

func TestBootstrapSkipsForeignMagicBlocks(t *testing.T) {
	ctx := context.Background()
	store := wheels.NewMemStore()

	flushTree(t, ctx, store, 1, kv.KeyValuePair[kv.Value]{Key: kv.Key("a"), ValueCell: kv.ValueCell[kv.Value]{Cell: kv.Alive(kv.Value("1"))}})
	_, err := store.WriteBlock(ctx, []byte("not one of ours, too short or wrong magic"))
	require.NoError(t, err)

	trees, _, err := bootstrap(ctx, store, storage.Codec{}, searchtree.DefaultParams())
	require.NoError(t, err)
	require.Len(t, trees, 1)
}

func TestBootstrapSkipsLeafBlocks(t *testing.T) {
	ctx := context.Background()
	store := wheels.NewMemStore()
	codec := storage.Codec{}

	hdr, err := codec.EncodeHeader(storage.LeafNodeType())
	require.NoError(t, err)
	_, err = store.WriteBlock(ctx, hdr)
	require.NoError(t, err)

	flushTree(t, ctx, store, 1, kv.KeyValuePair[kv.Value]{Key: kv.Key("a"), ValueCell: kv.ValueCell[kv.Value]{Cell: kv.Alive(kv.Value("1"))}})

	trees, _, err := bootstrap(ctx, store, codec, searchtree.DefaultParams())
	require.NoError(t, err)
	require.Len(t, trees, 1)
}

func TestBootstrapFatalOnShortBlock(t *testing.T) {
	ctx := context.Background()
	store := wheels.NewMemStore()
	codec := storage.Codec{}

	hdr, err := codec.EncodeHeader(storage.RootNodeType(0))
	require.NoError(t, err)
	_, err = store.WriteBlock(ctx, hdr[:len(hdr)-1]) // truncate below headerSize
	require.NoError(t, err)

	_, _, err = bootstrap(ctx, store, codec, searchtree.DefaultParams())
	require.Error(t, err)
}

func TestBootstrapEmptyStore(t *testing.T) {
	ctx := context.Background()
	store := wheels.NewMemStore()

	trees, maxVersion, err := bootstrap(ctx, store, storage.Codec{}, searchtree.DefaultParams())
	require.NoError(t, err)
	require.Empty(t, trees)
	require.Equal(t, uint64(0), maxVersion)
}
