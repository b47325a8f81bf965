package graph

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rendis/codeloop/pkg/schema"
)

// PoolMetrics tracks fan-out execution counters.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// Pool bounds how many fan-out steps run at once.
type Pool struct {
	sem     chan struct{}
	metrics PoolMetrics
}

// NewPool creates a pool with the given max concurrency.
func NewPool(size int) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{sem: make(chan struct{}, size)}
}

// Run executes tasks concurrently, at most the pool size at a time, and
// returns their errors indexed like tasks. A panicking task yields an
// EXECUTION error instead of crashing the process. Tasks not yet started when
// ctx is done report ctx's error.
func (p *Pool) Run(ctx context.Context, tasks []func(context.Context) error) []error {
	errs := make([]error, len(tasks))
	var wg sync.WaitGroup

	for i, task := range tasks {
		select {
		case p.sem <- struct{}{}:
		case <-ctx.Done():
			for j := i; j < len(tasks); j++ {
				errs[j] = ctx.Err()
			}
			wg.Wait()
			return errs
		}

		wg.Add(1)
		atomic.AddInt64(&p.metrics.Active, 1)
		go func(i int, task func(context.Context) error) {
			defer func() {
				if r := recover(); r != nil {
					atomic.AddInt64(&p.metrics.Panics, 1)
					errs[i] = schema.NewErrorf(schema.ErrCodeExecution, "task panicked: %v", fmt.Sprint(r))
				}
				if errs[i] != nil {
					atomic.AddInt64(&p.metrics.Failed, 1)
				} else {
					atomic.AddInt64(&p.metrics.Completed, 1)
				}
				atomic.AddInt64(&p.metrics.Active, -1)
				<-p.sem
				wg.Done()
			}()
			errs[i] = task(ctx)
		}(i, task)
	}

	wg.Wait()
	return errs
}

// Metrics returns a snapshot of the pool counters.
func (p *Pool) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    atomic.LoadInt64(&p.metrics.Active),
		Completed: atomic.LoadInt64(&p.metrics.Completed),
		Failed:    atomic.LoadInt64(&p.metrics.Failed),
		Panics:    atomic.LoadInt64(&p.metrics.Panics),
	}
}
