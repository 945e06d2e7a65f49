package kernels

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// Pool is a fixed set of long-lived workers used as a fork-join barrier.
// Run broadcasts one function to every worker, executes slice 0 on the
// calling goroutine and returns once all slices are done. There is no
// queue: a Run issued while another Run is in flight (including from inside
// a worker) executes serially on the caller.
type Pool struct {
	n     int
	work  []chan func()
	wg    sync.WaitGroup
	busy  atomic.Bool
	close sync.Once
}

// NewPool starts n-1 workers; the caller acts as the n-th. n <= 0 uses the
// CPU count.
func NewPool(n int) *Pool {
	if n <= 0 {
		n = runtime.NumCPU()
	}
	p := &Pool{n: n}
	p.work = make([]chan func(), n-1)
	for i := range p.work {
		ch := make(chan func())
		p.work[i] = ch
		go func() {
			for fn := range ch {
				fn()
			}
		}()
	}
	return p
}

// Size is the number of slices a Run is split into.
func (p *Pool) Size() int {
	return p.n
}

// Run calls fn(tid, n) for tid in [0, n) concurrently and blocks until all
// calls return.
func (p *Pool) Run(fn func(tid, n int)) {
	if p.n == 1 || !p.busy.CompareAndSwap(false, true) {
		fn(0, 1)
		return
	}
	defer p.busy.Store(false)

	n := p.n
	p.wg.Add(n - 1)
	for i, ch := range p.work {
		tid := i + 1
		ch <- func() {
			defer p.wg.Done()
			fn(tid, n)
		}
	}
	fn(0, n)
	p.wg.Wait()
}

// ParallelFor splits [0, total) into contiguous ranges, one per slice.
func (p *Pool) ParallelFor(total int, fn func(start, end int)) {
	if total <= 0 {
		return
	}
	if total == 1 {
		fn(0, 1)
		return
	}
	p.Run(func(tid, n int) {
		chunk := (total + n - 1) / n
		start := tid * chunk
		end := start + chunk
		if end > total {
			end = total
		}
		if start < end {
			fn(start, end)
		}
	})
}

// Close stops the workers. The pool must not be used afterwards.
func (p *Pool) Close() {
	p.close.Do(func() {
		for _, ch := range p.work {
			close(ch)
		}
	})
}
