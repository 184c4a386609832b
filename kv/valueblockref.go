package kv

import (
	"fmt"

	"github.com/blockwheel/kv/storage"
)

// ValueBlockRef is what a SearchTree or Butcher lookup actually returns for
// a live value: either the bytes themselves (small values, stored inline
// beside their key) or a pointer to a block holding them (large values, stored
// externally). A ValueResolver turns the External case into a materialized
// Value by fetching the block.
type ValueBlockRef struct {
	external bool
	inline   Value
	block    storage.BlockRef
}

func Inline(v Value) ValueBlockRef {
	return ValueBlockRef{inline: v}
}

func External(ref storage.BlockRef) ValueBlockRef {
	return ValueBlockRef{external: true, block: ref}
}

func (r ValueBlockRef) IsExternal() bool           { return r.external }
func (r ValueBlockRef) InlineValue() Value         { return r.inline }
func (r ValueBlockRef) BlockRef() storage.BlockRef  { return r.block }

func (r ValueBlockRef) String() string {
	if r.external {
		return fmt.Sprintf("External(%v)", r.block)
	}
	return fmt.Sprintf("Inline(%d bytes)", len(r.inline))
}
