// File: internal/reactor/pool.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// LoopPool creates N worker Loops, each pinned to its own goroutine, and
// dispatches across them by round-robin or by hash.

package reactor

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/golang/glog"
	"github.com/momentics/filecache/internal/affinity"
)

// InitCallback runs on a freshly constructed worker Loop before it starts
// looping, so callers can register channels ahead of the first Poll.
type InitCallback func(*Loop)

// LoopPool owns the base loop (never itself one of the workers) plus N
// worker loops spawned on start.
type LoopPool struct {
	base    *Loop
	workers []*Loop
	next    uint64
	started bool
	wg      sync.WaitGroup

	// PinWorkers, when set before Start, locks each worker goroutine to
	// its own OS thread and pins that thread to CPU i mod NumCPU. Best
	// effort: a platform without a supported affinity call just logs and
	// keeps running unpinned.
	PinWorkers bool
}

// NewLoopPool pre-creates bookkeeping for an N-worker pool bound to base.
// base is the acceptor's loop and is never itself returned by
// GetNextLoop/GetLoopForHash.
func NewLoopPool(base *Loop, n int) *LoopPool {
	return &LoopPool{base: base, workers: make([]*Loop, 0, n)}
}

// Start spawns n worker threads (n was supplied to NewLoopPool via its
// capacity hint but the authoritative count is the cap of the workers
// slice established here); each worker constructs its own Loop on its own
// goroutine, runs initCB on it, then drives it with Loop(). Start blocks
// until every worker has published its Loop pointer.
func (p *LoopPool) Start(n int, initCB InitCallback) error {
	if p.started {
		return nil
	}
	p.started = true

	if n <= 0 {
		if initCB != nil {
			initCB(p.base)
		}
		return nil
	}

	ready := make(chan error, n)
	loops := make([]*Loop, n)

	for i := 0; i < n; i++ {
		i := i
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			if p.PinWorkers {
				runtime.LockOSThread()
				if err := affinity.Pin(i % runtime.NumCPU()); err != nil {
					glog.Infof("reactor: worker %d running unpinned: %v", i, err)
				}
			}
			l, err := New()
			if err != nil {
				ready <- err
				return
			}
			loops[i] = l
			if initCB != nil {
				initCB(l)
			}
			ready <- nil
			l.Loop()
		}()
	}

	for i := 0; i < n; i++ {
		if err := <-ready; err != nil {
			return err
		}
	}
	p.workers = loops
	return nil
}

// GetNextLoop returns the next worker in round-robin order, or the base
// loop when the pool has zero workers.
func (p *LoopPool) GetNextLoop() *Loop {
	if len(p.workers) == 0 {
		return p.base
	}
	idx := atomic.AddUint64(&p.next, 1) - 1
	return p.workers[idx%uint64(len(p.workers))]
}

// GetLoopForHash deterministically maps h to the same worker every time.
func (p *LoopPool) GetLoopForHash(h uint64) *Loop {
	if len(p.workers) == 0 {
		return p.base
	}
	return p.workers[h%uint64(len(p.workers))]
}

// NumWorkers returns the number of spawned worker loops.
func (p *LoopPool) NumWorkers() int { return len(p.workers) }

// Stop asks every worker loop to quit and waits for their goroutines to
// return.
func (p *LoopPool) Stop() {
	for _, l := range p.workers {
		l.Quit()
	}
	p.wg.Wait()
}
