package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/gulio-python/influxdb-iox/internal/logging"
)

// Pool bounds how many compaction jobs run concurrently. Jobs are
// independent: a panic inside one is contained and logged, never taking the
// scheduler or sibling jobs down with it.
type Pool struct {
	sem chan struct{}
	wg  sync.WaitGroup
}

// NewPool creates a pool running at most size jobs at once.
func NewPool(size int) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{sem: make(chan struct{}, size)}
}

// Submit blocks until a slot frees up, then runs fn on its own goroutine.
// It returns ctx.Err() without running fn when ctx is canceled first.
func (p *Pool) Submit(ctx context.Context, fn func()) error {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	p.wg.Add(1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logging.Global().Errorf("compaction job panicked", map[string]any{
					"panic": fmt.Sprint(r),
					"stack": string(debug.Stack()),
				})
			}
			<-p.sem
			p.wg.Done()
		}()
		fn()
	}()
	return nil
}

// Wait blocks until every submitted job has finished.
func (p *Pool) Wait() {
	p.wg.Wait()
}
