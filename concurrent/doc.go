// Copyright 2022 Molecula Corp (DBA FeatureBase). All rights reserved.

/*
Package concurrent lets long-running queries share the host's single
exclusive lock fairly with other pending work, without true parallel
execution.

# Background

The host serializes all access to shared mutable state behind one
coarse lock. A query that naively held that lock for its whole runtime
would starve every other client for seconds at a time. Real preemption
is not available -- nothing may interrupt a query between its own
operations -- so this package implements cooperative scheduling: the
query voluntarily offers to yield at well-defined points, and actually
yields only when it has held the lock long enough to matter.

Measuring elapsed time is itself slow relative to one unit of query
work, so the offer is cheap by design: Tick usually just increments a
counter, and only every 25th call reads the clock. Once 50 microseconds
have elapsed, the Context releases the lock, lets other lock-waiters
run, and reacquires it. The overshoot past the timeout is bounded by
one sample interval of work, which is the price of not reading the
clock on every tick.

# Keys and revalidation

The dangerous part of yielding is everything the query was holding when
it let go of the lock. A handle into host-managed storage is only as
good as the lock that was held when it was opened; during the unlocked
window another lock-holder may rename, delete, or relocate the
underlying resource. The Context therefore keeps a registry of every
such key, added via AddKey with the name and flags needed to reopen it.
Immediately after every lock reacquire -- before any query code runs --
each entry is revalidated in registration order: reopened by name when
the host supports that, then passed to its Revalidator, which reports a
typed Outcome. A resource that vanished is recorded as the KeyNotFound
sentinel; queries check Missing and treat it as absent data. There is
deliberately no way to observe a post-yield state with stale handles.

The registry is append-only and query-scoped: entries accumulate as the
query opens resources and the whole registry is discarded by Close,
which releases every owned handle exactly once.

# Dispatch

Queries are launched asynchronously on the worker pool in the sibling
task package. The pool bounds how many queries may be in flight
contending for the lock; it provides no parallelism against shared
state, because every job serializes itself through its own Context.

# Usage

	qctx := concurrent.New(host, nil)
	defer qctx.Close()
	if err := qctx.Lock(); err != nil { ... }
	defer qctx.Unlock()
	qctx.AddKey(key, concurrent.KeyRead, name, reval, state)
	for ... one result at a time ... {
		if _, err := qctx.Tick(); err != nil {
			return err // lock lost, query over
		}
		...
	}
*/
package concurrent
