// Package storage defines the on-disk block header format shared by every
// SearchTree root and implements BlockCodec: decoding just enough of a
// block to tell a root from a leaf, without needing to understand the
// SearchTree's internal node layout.
package storage

import (
	"fmt"

	"github.com/blockwheel/kv/lib/binstruct"
)

// BlockRef is an opaque identifier for a block in the backing BlockStore.
// Concrete stores (wheels.MemStore, wheels.FileStore) interpret it as an
// offset/generation pair; nothing above this package peeks inside it.
type BlockRef struct {
	Offset uint64
	Gen    uint32
}

func (r BlockRef) String() string {
	return fmt.Sprintf("block@%d/%d", r.Offset, r.Gen)
}

// IsZero reports whether r is the zero value, used as a "no block" sentinel
// in places that can't use a pointer or an (ok bool).
func (r BlockRef) IsZero() bool {
	return r == BlockRef{}
}

// BlockMagic prefixes every block this store writes, distinguishing our
// blocks from any foreign data the BlockStore might also hold.
type BlockMagic [8]byte

var blockMagic = BlockMagic{'b', 'w', 'h', 'l', 'k', 'v', '0', '1'}

// NodeKind tags whether a block is a SearchTree root (the only kind the
// Manager's Bootstrapper cares about) or a leaf (ignored at bootstrap; it's
// reachable only from some root's internal structure).
type NodeKind uint8

const (
	NodeKindLeaf NodeKind = 0
	NodeKindRoot NodeKind = 1
)

func (k NodeKind) String() string {
	switch k {
	case NodeKindLeaf:
		return "Leaf"
	case NodeKindRoot:
		return "Root"
	default:
		return fmt.Sprintf("NodeKind(%d)", uint8(k))
	}
}

// BlockHeader is the fixed-size prefix of every block this store writes.
// EntriesCount is only meaningful when Kind == NodeKindRoot.
type BlockHeader struct {
	Magic        BlockMagic
	Kind         NodeKind
	EntriesCount uint64
}

var headerSize = binstruct.StaticSize(BlockHeader{})

// HeaderSize returns the number of leading bytes of a block occupied by
// BlockHeader, for callers that need to slice off the body.
func HeaderSize() int { return headerSize }

// InvalidBlockMagicError means the block wasn't written by this store: a
// soft condition during Bootstrapper's scan (the block is simply skipped),
// never fatal on its own.
type InvalidBlockMagicError struct {
	Expected, Provided BlockMagic
}

func (e *InvalidBlockMagicError) Error() string {
	return fmt.Sprintf("invalid block magic: expected %x, got %x", e.Expected, e.Provided)
}

// NodeType is the decoded, friendlier form of a BlockHeader's Kind +
// EntriesCount pair, as returned by Codec.DecodeHeader.
type NodeType struct {
	Kind         NodeKind
	EntriesCount uint64 // valid only when Kind == NodeKindRoot
}

func RootNodeType(entriesCount uint64) NodeType {
	return NodeType{Kind: NodeKindRoot, EntriesCount: entriesCount}
}

func LeafNodeType() NodeType {
	return NodeType{Kind: NodeKindLeaf}
}

func (t NodeType) IsRoot() bool { return t.Kind == NodeKindRoot }
