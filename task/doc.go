// Copyright 2022 Molecula Corp. All rights reserved.

// Package task provides the worker pool that runs queries asynchronously.
//
// To understand this, you have to start with the original context: every
// query serializes its access to shared state through one exclusive host
// lock, releasing and reacquiring it periodically so other queries get a
// turn. The pool therefore does not exist to provide parallelism -- at
// most one job's critical section is ever making progress -- it exists so
// that a slow query runs on its own worker while fast queries come and
// go on others, all of them taking turns on the lock.
//
// That shapes the pool's policies in ways that would be wrong for a
// CPU-bound pool. The capacity is far larger than any sensible core
// count, because workers spend nearly all their time parked on the host
// lock and cost only memory. The pool starts with a single worker and
// spawns another only when a job arrives and nobody is idle, because
// most of the time one worker is plenty. And the job queue is unbounded:
// admission control here would just move the waiting from the queue to
// the caller, who is typically a request handler with nowhere better to
// wait. When the capacity is reached, jobs wait in the queue; that delay
// is the intended backpressure, not a failure.
//
// It might seem simpler to spawn a goroutine per query and let the
// scheduler sort it out. The pool's worker cap is what bounds the number
// of queries simultaneously contending for the host lock; without it, a
// burst of slow queries could pile up thousands of goroutines all
// blocked on one mutex, each holding a query's worth of working memory
// alive for the duration.
package task
