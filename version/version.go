// Package version hands out the monotonically increasing version numbers
// that every insert and remove is stamped with. Higher version always
// wins during merge/reconciliation.
package version

import "sync/atomic"

// Provider is a goroutine-safe monotonic counter. The zero value is ready
// to use and starts handing out 1 (0 is reserved to mean "no version yet"
// for callers that want a sentinel).
type Provider struct {
	next uint64
}

// NewProvider returns a Provider seeded so its first Next() returns start
// (start 0 is treated as 1). Bootstrapper does not use it; it calls Bump on
// the Provider it was given.
func NewProvider(start uint64) *Provider {
	if start == 0 {
		start = 1
	}
	return &Provider{next: start - 1}
}

// Next returns the next version number; safe for concurrent use.
func (p *Provider) Next() uint64 {
	return atomic.AddUint64(&p.next, 1)
}

// Peek returns the version that would be returned by the next call to
// Next, without consuming it. Intended for diagnostics only.
func (p *Provider) Peek() uint64 {
	return atomic.LoadUint64(&p.next) + 1
}

// Bump raises the counter so the next Next() returns at least min+1, if it
// wouldn't already. Bootstrapper calls this once at startup with the
// highest version found on disk, so a fresh process never hands out a
// version number a prior run already used.
func (p *Provider) Bump(min uint64) {
	for {
		cur := atomic.LoadUint64(&p.next)
		if cur >= min {
			return
		}
		if atomic.CompareAndSwapUint64(&p.next, cur, min) {
			return
		}
	}
}
