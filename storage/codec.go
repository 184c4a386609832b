package storage

import (
	"github.com/pkg/errors"

	"github.com/blockwheel/kv/lib/binstruct"
	"github.com/blockwheel/kv/lib/containers"
)

// Codec is the BlockCodec interface the Manager's Bootstrapper and
// SearchTree consume. It knows nothing about keys or values, only the
// header every block of this store carries.
type Codec struct{}

// encodeBufPool recycles EncodeBlock's output buffers. Safe because every
// BlockStore.WriteBlock implementation this module ships copies the bytes
// it's given before returning, so a caller may ReleaseBlock as soon as
// WriteBlock returns.
var encodeBufPool containers.SlicePool[byte]

// DecodeHeader decodes the leading HeaderSize() bytes of a block. A magic
// mismatch is reported as *InvalidBlockMagicError (soft: the caller should
// skip the block, not fail); any other decode error is fatal.
func (Codec) DecodeHeader(raw []byte) (NodeType, error) {
	if len(raw) < headerSize {
		return NodeType{}, errors.Errorf("storage: short block: %d bytes, want at least %d", len(raw), headerSize)
	}
	var hdr BlockHeader
	if _, err := binstruct.Unmarshal(raw[:headerSize], &hdr); err != nil {
		return NodeType{}, errors.Wrap(err, "storage: decode block header")
	}
	if hdr.Magic != blockMagic {
		return NodeType{}, &InvalidBlockMagicError{Expected: blockMagic, Provided: hdr.Magic}
	}
	switch hdr.Kind {
	case NodeKindRoot:
		return RootNodeType(hdr.EntriesCount), nil
	case NodeKindLeaf:
		return LeafNodeType(), nil
	default:
		return NodeType{}, errors.Errorf("storage: unknown node kind %d", uint8(hdr.Kind))
	}
}

// EncodeHeader serializes a header for a block body of the given node type.
func (Codec) EncodeHeader(t NodeType) ([]byte, error) {
	hdr := BlockHeader{Magic: blockMagic, Kind: t.Kind, EntriesCount: t.EntriesCount}
	return binstruct.Marshal(hdr)
}

// EncodeBlock concatenates an encoded header with a body, as written by
// BlockStore.WriteBlock.
func (c Codec) EncodeBlock(t NodeType, body []byte) ([]byte, error) {
	hdr, err := c.EncodeHeader(t)
	if err != nil {
		return nil, err
	}
	out := encodeBufPool.Get(len(hdr) + len(body))
	copy(out, hdr)
	copy(out[len(hdr):], body)
	return out, nil
}

// ReleaseBlock returns a buffer previously returned by EncodeBlock to the
// pool for reuse by a future EncodeBlock call. The caller must be done
// with buf (and anything that might alias it) before calling this.
func (Codec) ReleaseBlock(buf []byte) {
	encodeBufPool.Put(buf)
}

// Body strips the header off a raw block, returning the bytes that follow
// it (the SearchTree-specific payload).
func (Codec) Body(raw []byte) []byte {
	if len(raw) <= headerSize {
		return nil
	}
	return raw[headerSize:]
}
