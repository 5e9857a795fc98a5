// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

package concurrent

// KeyFlags describes how a key was opened, so it can be reopened the
// same way after a yield.
type KeyFlags int

const (
	KeyRead KeyFlags = 1 << iota
	KeyWrite
)

// Key is an opaque handle into host-managed storage. It is only
// meaningful while the host lock is held; any mutation performed by
// another lock-holder during an unlocked window may invalidate it.
type Key interface {
	// Name reports the logical identifier the key was opened under.
	Name() string
	// Close releases the handle. Close is called by whoever owns the
	// handle; for keys registered with AddKey, that is the Context.
	Close() error
}

// KeyNotFound is the sentinel installed in a registry entry when
// revalidation discovers the named resource no longer exists. Callers
// must treat it as absent data, not as corruption. It is resolved with
// Missing rather than compared directly, so that nil also reads as
// absent.
var KeyNotFound Key = notFoundKey{}

type notFoundKey struct{}

func (notFoundKey) Name() string { return "" }
func (notFoundKey) Close() error { return nil }

// Missing reports whether k is the not-found sentinel (or nil).
func Missing(k Key) bool {
	return k == nil || k == KeyNotFound
}

// Outcome is the typed result of revalidating one key after a yield.
type Outcome struct {
	// Key is the handle to install in the registry entry: the same
	// handle if it is still live, a replacement if the resource was
	// reopened, or KeyNotFound if it is gone.
	Key Key
	// Err reports a failure of revalidation itself, as distinct from
	// the resource simply being gone. It is absorbed by the Context
	// (logged, entry marked not found), never propagated to the query.
	Err error
}

// Valid reports that k is usable.
func Valid(k Key) Outcome { return Outcome{Key: k} }

// NotFound reports that the named resource disappeared during the
// unlocked window.
func NotFound() Outcome { return Outcome{Key: KeyNotFound} }

// Failed reports that revalidation could not be completed.
func Failed(err error) Outcome { return Outcome{Key: KeyNotFound, Err: err} }

// A Revalidator re-establishes one key immediately after the host lock
// is reacquired. It receives the entry's current handle (freshly
// reopened first, when the host supports KeyOpener) and the opaque data
// registered with it. It runs while the lock is held.
type Revalidator interface {
	Revalidate(key Key, userData interface{}) Outcome
}

// RevalidatorFunc adapts a plain function to the Revalidator interface.
type RevalidatorFunc func(key Key, userData interface{}) Outcome

func (f RevalidatorFunc) Revalidate(key Key, userData interface{}) Outcome {
	return f(key, userData)
}

// KeyOpener is implemented by hosts that can reopen keys by name. When
// the host handle given to New implements it, the Context closes and
// reopens every registered key itself after each yield, before invoking
// the entry's Revalidator on the fresh handle. A host that reports a
// missing resource returns (KeyNotFound, nil), not an error.
type KeyOpener interface {
	OpenKey(name string, flags KeyFlags) (Key, error)
}

// keyEntry is one registered key. The Context owns key; it never owns
// userData.
type keyEntry struct {
	key      Key
	name     string
	flags    KeyFlags
	reval    Revalidator
	userData interface{}
}

// AddKey registers a key opened during query execution so that it
// survives across yields. Entries are never removed or reordered; the
// registry lives exactly as long as the Context, and Close releases
// every registered handle. The Context takes ownership of key; userData
// remains the caller's. A nil reval is allowed when the host implements
// KeyOpener, since the reopen alone re-establishes the handle.
//
// AddKey must be called while the host lock is held, like every other
// use of a key.
func (c *Context) AddKey(key Key, flags KeyFlags, name string, reval Revalidator, userData interface{}) {
	c.keys = append(c.keys, keyEntry{
		key:      key,
		name:     name,
		flags:    flags,
		reval:    reval,
		userData: userData,
	})
}

// NumKeys reports how many keys are registered.
func (c *Context) NumKeys() int {
	return len(c.keys)
}

// KeyAt returns the current handle of the i'th registered entry, in
// registration order. After a yield this reflects revalidation, so it
// may be KeyNotFound.
func (c *Context) KeyAt(i int) Key {
	return c.keys[i].key
}
