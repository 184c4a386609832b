package manager

import (
	"context"

	"github.com/datawire/dlib/dlog"
	"github.com/pkg/errors"

	"github.com/blockwheel/kv/core/searchtree"
	"github.com/blockwheel/kv/storage"
	"github.com/blockwheel/kv/wheels"
)

// bootstrap implements C6: scan every block in the store, pick out roots,
// and instantiate a regular-mode SearchTree per root. Leaf blocks (and any
// block with a foreign magic) are silently skipped; any other decode
// error is fatal, per spec.md §4.4.
//
// It also returns the highest version number found across every recovered
// tree, so the caller can re-seed its version.Provider above whatever a
// prior run already handed out — restarting at 1 would let a
// post-restart write collide with (and lose to, or wrongly beat) a
// pre-restart one of equal or higher version.
func bootstrap(ctx context.Context, store wheels.Store, codec storage.Codec, params searchtree.Params) ([]*searchtree.Tree, uint64, error) {
	blocks, err := store.IterBlocks(ctx)
	if err != nil {
		return nil, 0, errors.Wrap(err, "manager: bootstrap: IterBlocks")
	}

	var trees []*searchtree.Tree
	for blk := range blocks {
		nodeType, err := codec.DecodeHeader(blk.Bytes)
		if err != nil {
			var magicErr *storage.InvalidBlockMagicError
			if errors.As(err, &magicErr) {
				dlog.Debugf(ctx, "manager: bootstrap: skipping foreign block %v", blk.Ref)
				continue
			}
			return nil, 0, errors.Wrapf(err, "manager: bootstrap: decode block %v", blk.Ref)
		}
		if !nodeType.IsRoot() {
			continue
		}
		trees = append(trees, searchtree.FromRoot(blk.Ref, nodeType.EntriesCount, store, params))
	}

	var maxVersion uint64
	for _, t := range trees {
		v, err := t.MaxVersion(ctx)
		if err != nil {
			return nil, 0, errors.Wrap(err, "manager: bootstrap: scan tree for max version")
		}
		if v > maxVersion {
			maxVersion = v
		}
	}
	return trees, maxVersion, nil
}
