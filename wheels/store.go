// Package wheels is the BlockStore collaborator: the block-addressed
// storage backend spec.md treats as external to the Manager core. It
// exposes the interface the Manager's Bootstrapper, SearchTree, and
// ValueResolver all consume, plus two concrete implementations.
package wheels

import (
	"context"

	"github.com/pkg/errors"

	"github.com/blockwheel/kv/storage"
)

// ErrNotFound is returned by ReadBlock when ref names no block currently
// in the store (including a block that was DeleteBlock'd after a reader
// learned its ref — the race ValueResolver is built to detect).
var ErrNotFound = errors.New("wheels: block not found")

// Block is one item yielded by IterBlocks.
type Block struct {
	Ref   storage.BlockRef
	Bytes []byte
}

// Store is the BlockStore interface consumed by the rest of this module.
// Implementations must make WriteBlock/DeleteBlock/ReadBlock safe for
// concurrent use, since TaskRunner tasks run on the job pool in parallel.
type Store interface {
	// IterBlocks streams every block currently in the store. Used only by
	// Bootstrapper, at startup, before any writer is running concurrently.
	IterBlocks(ctx context.Context) (<-chan Block, error)
	ReadBlock(ctx context.Context, ref storage.BlockRef) ([]byte, error)
	WriteBlock(ctx context.Context, data []byte) (storage.BlockRef, error)
	DeleteBlock(ctx context.Context, ref storage.BlockRef) error
}
