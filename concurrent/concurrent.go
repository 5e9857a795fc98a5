// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

package concurrent

import (
	"runtime"
	"time"

	"github.com/pkg/errors"

	"github.com/rainleo/RediSearch/logger"
)

// HostContext is the host's execution handle: the thing that owns the
// process-wide exclusive lock guarding all shared mutable state. A Lock
// error is fatal to whatever was depending on the lock; Unlock cannot
// fail. The Context never outlives or frees the host handle.
type HostContext interface {
	Lock() error
	Unlock()
}

// Clock is the time source used for elapsed-time checks. The default is
// the wall clock. A Now error is non-fatal: the current check is skipped
// and retried at the next sample.
type Clock interface {
	Now() (time.Time, error)
}

type wallClock struct{}

func (wallClock) Now() (time.Time, error) { return time.Now(), nil }

// ErrClosed is returned by Tick on a Context that has been closed.
var ErrClosed = errors.New("concurrent: context closed")

// Context is one query's cooperative-scheduling state. The query loop
// calls Tick once per unit of work; every TickSample ticks the Context
// checks how long it has held the host lock, and once SwitchTimeout has
// elapsed it releases the lock, lets other pending work run, reacquires
// it, and revalidates every registered key before the query resumes.
//
// Queries do not really run in parallel; they run one at a time,
// competing over the host lock. This does not speed anything up -- it
// exists so a slow query cannot hold the lock, and therefore the whole
// host, for its entire runtime.
//
// A Context is not safe for concurrent use; it belongs to the one
// worker running its query. Close releases every key the registry owns
// and must be called when the query completes, on the failure path as
// much as the normal one.
type Context struct {
	ticker    int64
	lastCheck time.Time
	host      HostContext
	opener    KeyOpener // host's reopen capability, nil if unsupported
	keys      []keyEntry
	cfg       Config
	clock     Clock
	log       logger.Logger
	held      bool
	poisoned  error // sticky lock-reacquire failure
	closed    bool
}

// Yielder is the suspension-point interface query loops depend on: call
// MaybeYield at each loop boundary, resume only when it returns. The
// returned bool reports whether a yield (lock release and reacquire)
// actually happened. A non-nil error means the host lock was lost and
// the query must terminate.
type Yielder interface {
	MaybeYield() (bool, error)
}

var _ Yielder = (*Context)(nil)

// New creates a Context around the host's execution handle. A nil cfg
// means defaults. If host implements KeyOpener, registered keys are
// reopened by name after every yield before their Revalidators run.
func New(host HostContext, cfg *Config) *Context {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	c := &Context{
		host:  host,
		cfg:   *cfg,
		clock: wallClock{},
		log:   logger.NopLogger,
	}
	if c.cfg.TickSample <= 0 {
		c.cfg.TickSample = DefaultTickSample
	}
	if c.cfg.SwitchTimeout <= 0 {
		c.cfg.SwitchTimeout = DefaultSwitchTimeout
	}
	if o, ok := host.(KeyOpener); ok {
		c.opener = o
	}
	if now, err := c.clock.Now(); err == nil {
		c.lastCheck = now
	}
	return c
}

// SetLogger directs the Context's complaints somewhere other than
// nowhere.
func (c *Context) SetLogger(log logger.Logger) {
	if log == nil {
		log = logger.NopLogger
	}
	c.log = log
}

// Tick records one unit of work. Most calls just bump a counter; every
// TickSample'th call measures elapsed time, and a measurement past
// SwitchTimeout yields the host lock. Tick reports whether a yield
// occurred. An error means the lock could not be reacquired; the
// Context is then poisoned and every later Tick repeats the error.
func (c *Context) Tick() (bool, error) {
	if c.poisoned != nil {
		return false, c.poisoned
	}
	if c.closed {
		return false, ErrClosed
	}
	c.ticker++
	if c.ticker%int64(c.cfg.TickSample) != 0 {
		return false, nil
	}
	return c.checkTimer()
}

// MaybeYield makes *Context a Yielder; it is Tick under the name the
// query loops use.
func (c *Context) MaybeYield() (bool, error) {
	return c.Tick()
}

// checkTimer measures time since the last check and yields the host
// lock if the query has held it past the switch timeout.
func (c *Context) checkTimer() (bool, error) {
	now, err := c.clock.Now()
	if err != nil {
		// Not fatal. lastCheck is left alone, so the next sample
		// measures the full interval and still catches an overdue yield.
		c.log.Debugf("clock read failed, skipping yield check: %v", err)
		return false, nil
	}
	if now.Sub(c.lastCheck) < c.cfg.SwitchTimeout {
		c.lastCheck = now
		return false, nil
	}
	c.host.Unlock()
	c.held = false
	// Give the waiters an actual window. The host lock is not required
	// to be fair, so without this a tight relock can win every time.
	runtime.Gosched()
	if err := c.host.Lock(); err != nil {
		c.poisoned = errors.Wrap(err, "reacquiring host lock after yield")
		return false, c.poisoned
	}
	c.held = true
	// The unlocked window doesn't count against the next slice.
	if now, err := c.clock.Now(); err == nil {
		c.lastCheck = now
	}
	c.reopenKeys()
	CounterYields.Inc()
	return true, nil
}

// reopenKeys re-establishes every registered key, in registration
// order, immediately after a lock reacquire. No query code runs between
// the reacquire and this, so nothing can observe a stale handle.
func (c *Context) reopenKeys() {
	for i := range c.keys {
		e := &c.keys[i]
		if c.opener != nil {
			// The old handle predates the unlocked window; it cannot be
			// trusted even to close cleanly against renamed storage, so
			// close it first and go back to the name.
			if !Missing(e.key) {
				if err := e.key.Close(); err != nil {
					c.log.Warnf("closing key %q before reopen: %v", e.name, err)
				}
			}
			nk, err := c.opener.OpenKey(e.name, e.flags)
			if err != nil {
				c.log.Warnf("reopening key %q: %v", e.name, err)
				nk = KeyNotFound
			}
			if nk == nil {
				nk = KeyNotFound
			}
			e.key = nk
			CounterKeyReopens.Inc()
		}
		if e.reval == nil {
			if Missing(e.key) {
				CounterKeysMissing.Inc()
			}
			continue
		}
		out := e.reval.Revalidate(e.key, e.userData)
		if out.Err != nil {
			c.log.Warnf("revalidating key %q: %v", e.name, out.Err)
		}
		nk := out.Key
		if nk == nil {
			nk = KeyNotFound
		}
		if nk != e.key && !Missing(e.key) {
			// the entry owns the old handle; release it before the swap
			if err := e.key.Close(); err != nil {
				c.log.Warnf("closing stale key %q: %v", e.name, err)
			}
		}
		e.key = nk
		if Missing(nk) {
			CounterKeysMissing.Inc()
		}
	}
}

// Lock takes the host lock on behalf of the query and starts a fresh
// time slice.
func (c *Context) Lock() error {
	if err := c.host.Lock(); err != nil {
		return errors.Wrap(err, "acquiring host lock")
	}
	c.held = true
	if now, err := c.clock.Now(); err == nil {
		c.lastCheck = now
	}
	return nil
}

// Unlock releases the host lock. Harmless if the lock is not held, so
// deferred Unlocks on error paths don't double-release.
func (c *Context) Unlock() {
	if !c.held {
		return
	}
	c.held = false
	c.host.Unlock()
}

// Close releases every key the registry owns, exactly once, and makes
// the Context unusable. It does not touch the host lock; the query's
// own lock discipline covers that. Closing twice is harmless.
func (c *Context) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	var first error
	for i := range c.keys {
		e := &c.keys[i]
		if Missing(e.key) {
			continue
		}
		if err := e.key.Close(); err != nil && first == nil {
			first = errors.Wrapf(err, "closing key %q", e.name)
		}
		e.key = nil
	}
	c.keys = nil
	return first
}
