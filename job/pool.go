// Package job is the CPU worker pool the Manager submits heavy work to
// (tree merges, serialization, range merges) so its own busyloop never
// blocks. It is one of the collaborators spec.md treats as external to the
// Manager core; this package gives it a concrete, dgroup-backed shape.
package job

import (
	"context"
	"fmt"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
)

// Pool runs submitted work items on a fixed number of worker goroutines.
// Submit never blocks the caller on the work itself completing; it only
// blocks (briefly) on handing the item to a free worker slot.
type Pool struct {
	work chan func(context.Context)
	grp  *dgroup.Group
}

// NewPool starts size worker goroutines under grp, each pulling closures
// off an internal channel until ctx is canceled. size <= 0 means 4
// workers.
func NewPool(ctx context.Context, grp *dgroup.Group, size int) *Pool {
	if size <= 0 {
		size = 4
	}
	p := &Pool{
		work: make(chan func(context.Context), size*2),
		grp:  grp,
	}
	for i := 0; i < size; i++ {
		i := i
		grp.Go(fmt.Sprintf("job-worker-%d", i), func(ctx context.Context) error {
			return p.runWorker(ctx)
		})
	}
	return p
}

func (p *Pool) runWorker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case fn, ok := <-p.work:
			if !ok {
				return nil
			}
			func() {
				defer func() {
					if r := recover(); r != nil {
						dlog.Errorf(ctx, "job: worker panic: %v", r)
					}
				}()
				fn(ctx)
			}()
		}
	}
}

// Submit enqueues fn to run on some worker goroutine. It blocks only until
// a slot in the internal buffer is free, never until fn itself completes.
func (p *Pool) Submit(ctx context.Context, fn func(context.Context)) {
	select {
	case p.work <- fn:
	case <-ctx.Done():
	}
}
