package wheels

import (
	"context"
	"sync"

	"github.com/blockwheel/kv/storage"
)

// MemStore is an in-memory Store, mainly for tests and for the bundled CLI
// when run without a --store-path. Blocks stay in the backing map until
// DeleteBlock; ReadBlock returns ErrNotFound both for a deleted block and
// for a ref that was never written.
type MemStore struct {
	mu      sync.RWMutex
	nextOff uint64
	blocks  map[storage.BlockRef][]byte
}

var _ Store = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{blocks: make(map[storage.BlockRef][]byte)}
}

func (s *MemStore) IterBlocks(ctx context.Context) (<-chan Block, error) {
	s.mu.RLock()
	snapshot := make([]Block, 0, len(s.blocks))
	for ref, data := range s.blocks {
		cp := make([]byte, len(data))
		copy(cp, data)
		snapshot = append(snapshot, Block{Ref: ref, Bytes: cp})
	}
	s.mu.RUnlock()

	out := make(chan Block)
	go func() {
		defer close(out)
		for _, b := range snapshot {
			select {
			case out <- b:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (s *MemStore) ReadBlock(ctx context.Context, ref storage.BlockRef) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blocks[ref]
	if !ok {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

func (s *MemStore) WriteBlock(ctx context.Context, data []byte) (storage.BlockRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextOff++
	ref := storage.BlockRef{Offset: s.nextOff, Gen: 1}
	cp := make([]byte, len(data))
	copy(cp, data)
	s.blocks[ref] = cp
	return ref, nil
}

func (s *MemStore) DeleteBlock(ctx context.Context, ref storage.BlockRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blocks, ref)
	return nil
}
