// Package pool provides the fixed worker pool used for segment fan-out.
// Search and bulk-insert fan-out reuse the same goroutines instead of
// spawning per operation, which matters under high query load.
package pool

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// Pool runs submitted closures on a fixed set of goroutines.
type Pool struct {
	workCh chan func()
	stopCh chan struct{}
	wg     sync.WaitGroup
	closed atomic.Bool
}

// New creates a pool with n workers. n <= 0 defaults to GOMAXPROCS.
func New(n int) *Pool {
	if n <= 0 {
		n = runtime.GOMAXPROCS(0)
	}
	p := &Pool{
		workCh: make(chan func(), n*2),
		stopCh: make(chan struct{}),
	}
	p.wg.Add(n)
	for i := 0; i < n; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			for {
				select {
				case fn := <-p.workCh:
					fn()
				default:
					return
				}
			}
		case fn := <-p.workCh:
			fn()
		}
	}
}

// Submit enqueues fn, running it inline if the pool is closed or its
// queue is backed up. The closure always runs exactly once.
func (p *Pool) Submit(fn func()) {
	if p.closed.Load() {
		fn()
		return
	}
	select {
	case p.workCh <- fn:
	default:
		fn()
	}
}

// Close stops the workers after draining queued work.
func (p *Pool) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	close(p.stopCh)
	p.wg.Wait()
}
