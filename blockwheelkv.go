// Package blockwheelkv is the top-level GenServer: it wires the Butcher,
// the job pool, and the Manager together under a supervisor, and exposes
// the six client operations spec.md §6 promises (info, insert, lookup,
// lookup_range, remove, flush) on a handle that survives a Manager
// restart, mirroring lib.rs's GenServer/Pid split.
package blockwheelkv

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"

	"github.com/blockwheel/kv/core/manager"
	"github.com/blockwheel/kv/job"
	"github.com/blockwheel/kv/kv"
	"github.com/blockwheel/kv/version"
	"github.com/blockwheel/kv/wheels"
)

// Params mirrors ero_blockwheel_kv::Params (lib.rs): one flat struct
// threaded down into core/manager.Params and, through it,
// core/searchtree.Params.
type Params struct {
	TreeBlockSize                   int
	ButcherTaskRestartSec           int
	ManagerTaskRestartSec           int
	SearchTreeTaskRestartSec        int
	SearchTreeRemoveTasksLimit      int
	SearchTreeIterSendBuffer        int
	SearchTreeValuesInlineSizeLimit int
	JobPoolSize                     int
}

func DefaultParams() Params {
	return Params{
		TreeBlockSize:                   32,
		ButcherTaskRestartSec:           1,
		ManagerTaskRestartSec:           1,
		SearchTreeTaskRestartSec:        1,
		SearchTreeRemoveTasksLimit:      64,
		SearchTreeIterSendBuffer:        4,
		SearchTreeValuesInlineSizeLimit: 128,
		JobPoolSize:                     4,
	}
}

func (p Params) managerParams() manager.Params {
	return manager.Params{
		TreeBlockSize:                   p.TreeBlockSize,
		ManagerTaskRestartSec:           p.ManagerTaskRestartSec,
		ButcherTaskRestartSec:           p.ButcherTaskRestartSec,
		SearchTreeTaskRestartSec:        p.SearchTreeTaskRestartSec,
		SearchTreeRemoveTasksLimit:      p.SearchTreeRemoveTasksLimit,
		SearchTreeIterSendBuffer:        p.SearchTreeIterSendBuffer,
		SearchTreeValuesInlineSizeLimit: p.SearchTreeValuesInlineSizeLimit,
		JobPoolSize:                     p.JobPoolSize,
	}
}

// Inserted, Removed, and Flushed are the acknowledgement shapes lib.rs
// returns from insert/remove/flush, kept as named types (rather than a
// bare uint64/struct{}) so call sites read the way the Rust ones do.
type Inserted struct{ Version uint64 }
type Removed struct{ Version uint64 }
type Flushed struct{}

// Info is re-exported from core/manager so callers never need to import
// that package directly.
type Info = manager.Info

// KV is the client-facing handle. It remains valid across a Manager
// restart: every method loads the current *manager.Manager atomically, so
// a caller blocked in a method when the Manager faults simply gets
// manager.NoProcError back (mirroring ero::NoProcError) rather than a
// panic on a stale pointer.
type KV struct {
	cur atomic.Pointer[manager.Manager]
}

// Run constructs the full GenServer tree (job pool, Butcher, Manager) and
// spawns it under grp with supervised restart, then returns a handle ready
// for use. It does not block; the returned KV's methods are safe to call
// from any number of goroutines as soon as Run returns.
func Run(ctx context.Context, grp *dgroup.Group, store wheels.Store, versionProvider *version.Provider, params Params) *KV {
	handle := &KV{}
	pool := job.NewPool(ctx, grp, params.JobPoolSize)

	grp.Go("blockwheel-kv-manager", func(ctx context.Context) error {
		restartDelay := time.Duration(params.ManagerTaskRestartSec) * time.Second
		for {
			mgr := manager.New(ctx, store, versionProvider, pool, params.managerParams())
			handle.cur.Store(mgr)

			err := mgr.Run(ctx)
			if ctx.Err() != nil {
				return nil
			}
			if err != nil {
				dlog.Errorf(ctx, "blockwheelkv: manager faulted, restarting in %s: %v", restartDelay, err)
			}
			select {
			case <-time.After(restartDelay):
			case <-ctx.Done():
				return nil
			}
		}
	})

	return handle
}

func (h *KV) manager() *manager.Manager {
	return h.cur.Load()
}

func (h *KV) Info(ctx context.Context) (Info, error) {
	m := h.manager()
	if m == nil {
		return Info{}, manager.NoProcError
	}
	return m.Info(ctx)
}

func (h *KV) Insert(ctx context.Context, key kv.Key, value kv.Value) (Inserted, error) {
	m := h.manager()
	if m == nil {
		return Inserted{}, manager.NoProcError
	}
	ver, err := m.Insert(ctx, key, value)
	if err != nil {
		return Inserted{}, err
	}
	return Inserted{Version: ver}, nil
}

func (h *KV) Remove(ctx context.Context, key kv.Key) (Removed, error) {
	m := h.manager()
	if m == nil {
		return Removed{}, manager.NoProcError
	}
	ver, err := m.Remove(ctx, key)
	if err != nil {
		return Removed{}, err
	}
	return Removed{Version: ver}, nil
}

func (h *KV) Lookup(ctx context.Context, key kv.Key) (*kv.ValueCell[kv.Value], error) {
	m := h.manager()
	if m == nil {
		return nil, manager.NoProcError
	}
	return m.Lookup(ctx, key)
}

// LookupRange returns a channel of results in ascending key order; the
// channel is closed once the scan completes (the idiomatic-Go rendering
// of lib.rs's KeyValueStreamItem::NoMore).
func (h *KV) LookupRange(ctx context.Context, rng kv.Range) (<-chan kv.KeyValuePair[kv.Value], error) {
	m := h.manager()
	if m == nil {
		return nil, manager.NoProcError
	}
	return m.LookupRange(ctx, rng)
}

func (h *KV) Flush(ctx context.Context) (Flushed, error) {
	m := h.manager()
	if m == nil {
		return Flushed{}, manager.NoProcError
	}
	if err := m.Flush(ctx); err != nil {
		return Flushed{}, err
	}
	return Flushed{}, nil
}
