// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

package task

import (
	"sync"

	"github.com/rainleo/RediSearch/logger"
)

// DefaultCapacity is the ceiling on live workers when NewPool is given a
// nonpositive capacity. Only one worker at a time can hold the host lock
// anyway, so a large ceiling costs memory, not contention; it is chosen so
// admission to the pool essentially never has to wait for a worker slot.
const DefaultCapacity = 100

// Job is one unit of asynchronous work, typically "run one query to
// completion". The argument is whatever was passed to Run alongside it.
type Job func(arg interface{})

// PoolStats receives pool state updates as they change. Implementations
// must be safe for concurrent use.
type PoolStats interface {
	PoolSize(int)   // reports current live worker count
	QueueDepth(int) // reports current pending job count
}

// Pool runs queued jobs on a bounded set of worker goroutines. It starts
// with a single worker and grows on demand: a new worker is spawned when
// a job arrives and no worker is idle, up to the capacity. Workers are
// retained until Close; the queue is unbounded, so Run never blocks.
//
// The pool bounds how many jobs may be in flight contending for the host
// lock, not how many execute against shared data simultaneously -- each
// job serializes itself through the lock internally.
type Pool struct {
	mu       sync.Mutex
	work     *sync.Cond // signals queued work or shutdown
	drained  *sync.Cond // signals worker exit, for Close
	queue    []queued
	capacity int
	live     int
	idle     int
	started  bool
	closed   bool
	stats    PoolStats
	log      logger.Logger
}

type queued struct {
	fn  Job
	arg interface{}
}

// NewPool creates a pool which will grow on demand to at most capacity
// workers. A nonpositive capacity means DefaultCapacity. A nil stats is
// fine; so is a nil log.
func NewPool(capacity int, stats PoolStats, log logger.Logger) *Pool {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if log == nil {
		log = logger.NopLogger
	}
	p := &Pool{capacity: capacity, stats: stats, log: log}
	p.work = sync.NewCond(&p.mu)
	p.drained = sync.NewCond(&p.mu)
	return p
}

// Start brings the pool up with its minimal worker count. It is
// idempotent, and Run calls it implicitly, so calling it at program
// startup is a courtesy to the first job, not a requirement.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.start()
}

// start spawns the initial worker. Callers must hold p.mu.
func (p *Pool) start() {
	if p.started || p.closed {
		return
	}
	p.started = true
	p.addWorker()
}

// Run enqueues fn(arg) for execution on a pool worker. It never blocks:
// if every worker is busy and the pool is at capacity, the job waits in
// the queue. Run on a closed pool drops the job with a logged error,
// since the workers that would run it are gone.
func (p *Pool) Run(fn Job, arg interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		p.log.Errorf("task: Run on closed pool, job dropped")
		return
	}
	p.start()
	p.queue = append(p.queue, queued{fn: fn, arg: arg})
	if p.stats != nil {
		p.stats.QueueDepth(len(p.queue))
	}
	// Spawn when there is more waiting work than waiting workers. idle
	// undercounts briefly while a freshly signaled worker reacquires the
	// lock, so this can spawn a worker that turns out to be surplus; it
	// parks on the next empty queue and costs nothing.
	if len(p.queue) > p.idle && p.live < p.capacity {
		p.addWorker()
	}
	p.work.Signal()
}

// Stats reports the pool's current live worker count, idle worker count,
// and pending job count. Sampled under the pool lock, so mutually
// consistent, but possibly stale by the time you look at them.
func (p *Pool) Stats() (live, idle, queued int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live, p.idle, len(p.queue)
}

// Close runs every job already queued, then waits for all workers to
// exit. Jobs submitted after Close starts are dropped.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.work.Broadcast()
	for p.live > 0 {
		p.drained.Wait()
	}
}

// addWorker spawns one worker goroutine. Callers must hold p.mu.
func (p *Pool) addWorker() {
	p.live++
	if p.stats != nil {
		p.stats.PoolSize(p.live)
	}
	go p.worker()
}

// worker pops and runs jobs until the pool is closed and the queue is
// empty. The queue is drained even after close so that Run's "eventually
// executes" promise holds for jobs that were admitted.
func (p *Pool) worker() {
	p.mu.Lock()
	defer func() {
		p.live--
		if p.stats != nil {
			p.stats.PoolSize(p.live)
		}
		if p.live == 0 {
			p.drained.Broadcast()
		}
		p.mu.Unlock()
	}()
	for {
		for len(p.queue) == 0 {
			if p.closed {
				return
			}
			p.idle++
			p.work.Wait()
			p.idle--
		}
		j := p.queue[0]
		p.queue[0] = queued{}
		p.queue = p.queue[1:]
		if len(p.queue) == 0 {
			// release the drained backing array
			p.queue = nil
		}
		if p.stats != nil {
			p.stats.QueueDepth(len(p.queue))
		}
		p.mu.Unlock()
		j.fn(j.arg)
		p.mu.Lock()
	}
}
