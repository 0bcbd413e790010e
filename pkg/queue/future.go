package queue

import (
	"context"
	"sync"

	"github.com/codemug/certgate/pkg/jobs"
)

// Future is the single-fulfillment result of a submitted job. Only the first
// resolve takes effect.
type Future struct {
	once  sync.Once
	done  chan struct{}
	files []jobs.Artifact
	err   error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(files []jobs.Artifact, err error) bool {
	settled := false
	f.once.Do(func() {
		f.files = files
		f.err = err
		close(f.done)
		settled = true
	})
	return settled
}

func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the job settles or ctx ends. A ctx error does not affect
// the job itself.
func (f *Future) Wait(ctx context.Context) ([]jobs.Artifact, error) {
	select {
	case <-f.done:
		return f.files, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
