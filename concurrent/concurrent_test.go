// Copyright 2022 Molecula Corp (DBA FeatureBase). All rights reserved.
package concurrent

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rainleo/RediSearch/logger"
)

// fakeClock is a Clock whose reading only moves when the test says so.
// Setting fail makes the next reads report an error.
type fakeClock struct {
	now   time.Time
	reads int
	fail  int
}

func (f *fakeClock) Now() (time.Time, error) {
	f.reads++
	if f.fail > 0 {
		f.fail--
		return time.Time{}, errors.New("clock query failed")
	}
	return f.now, nil
}

func (f *fakeClock) advance(d time.Duration) {
	f.now = f.now.Add(d)
}

// fakeHost records lock traffic. lockErr, once set, makes further Lock
// calls fail, standing in for a host that died while we were unlocked.
type fakeHost struct {
	locks   int
	unlocks int
	lockErr error
}

func (h *fakeHost) Lock() error {
	if h.lockErr != nil {
		return h.lockErr
	}
	h.locks++
	return nil
}

func (h *fakeHost) Unlock() { h.unlocks++ }

// testKey counts its closes so tests can prove single release.
type testKey struct {
	name   string
	closes int
}

func (k *testKey) Name() string { return k.name }

func (k *testKey) Close() error {
	k.closes++
	if k.closes > 1 {
		return fmt.Errorf("key %q closed %d times", k.name, k.closes)
	}
	return nil
}

// newTestContext builds a locked Context on a fake host and fake clock.
func newTestContext(t *testing.T, cfg *Config) (*Context, *fakeHost, *fakeClock) {
	t.Helper()
	host := &fakeHost{}
	clk := &fakeClock{now: time.Unix(1000, 0)}
	c := New(host, cfg)
	c.clock = clk
	c.SetLogger(logger.NewLogfLogger(t))
	if err := c.Lock(); err != nil {
		t.Fatalf("taking host lock: %v", err)
	}
	clk.reads = 0
	t.Cleanup(func() {
		if err := c.Close(); err != nil {
			t.Errorf("closing context: %v", err)
		}
	})
	return c, host, clk
}

// tickN ticks n times, failing the test on error, and reports how many
// of the ticks yielded.
func tickN(t *testing.T, c *Context, n int) int {
	t.Helper()
	yields := 0
	for i := 0; i < n; i++ {
		yielded, err := c.Tick()
		if err != nil {
			t.Fatalf("tick %d: %v", i+1, err)
		}
		if yielded {
			yields++
		}
	}
	return yields
}

func TestTickSampling(t *testing.T) {
	c, host, clk := newTestContext(t, nil)
	// 24 ticks: no check is due, so no clock reads and no lock traffic.
	if got := tickN(t, c, 24); got != 0 {
		t.Fatalf("got %d yields from 24 ticks", got)
	}
	if clk.reads != 0 {
		t.Fatalf("clock read %d times before a check was due", clk.reads)
	}
	if host.unlocks != 0 {
		t.Fatalf("host unlocked %d times before a check was due", host.unlocks)
	}
	// the 25th tick is due, and reads the clock
	tickN(t, c, 1)
	if clk.reads != 1 {
		t.Fatalf("expected 1 clock read at tick 25, got %d", clk.reads)
	}
	// checks fire at exactly the multiples of the sample interval
	tickN(t, c, 75)
	if clk.reads != 4 {
		t.Fatalf("expected 4 clock reads over 100 ticks, got %d", clk.reads)
	}
	if host.unlocks != 0 {
		t.Fatalf("unyielded checks should not touch the lock, got %d unlocks", host.unlocks)
	}
}

func TestCheckBelowThreshold(t *testing.T) {
	c, host, clk := newTestContext(t, nil)
	clk.advance(10 * time.Microsecond)
	if got := tickN(t, c, 25); got != 0 {
		t.Fatalf("yielded %d times under the threshold", got)
	}
	if host.unlocks != 0 || host.locks != 1 {
		t.Fatalf("lock traffic on a non-yielding check: %d locks, %d unlocks", host.locks, host.unlocks)
	}
	// A non-yielding check still resets the measurement window: another
	// 40us is under the threshold on its own, even though the total
	// elapsed time is now past it.
	clk.advance(40 * time.Microsecond)
	if got := tickN(t, c, 25); got != 0 {
		t.Fatalf("check measured across a reset window")
	}
}

// orderReval records the order revalidators run in.
type orderReval struct {
	name  string
	order *[]string
	calls int
}

func (r *orderReval) Revalidate(key Key, userData interface{}) Outcome {
	r.calls++
	*r.order = append(*r.order, r.name)
	return Valid(key)
}

func TestYieldRevalidatesInOrder(t *testing.T) {
	c, host, clk := newTestContext(t, nil)
	var order []string
	ra := &orderReval{name: "a", order: &order}
	rb := &orderReval{name: "b", order: &order}
	c.AddKey(&testKey{name: "a"}, KeyRead, "a", ra, nil)
	c.AddKey(&testKey{name: "b"}, KeyWrite, "b", rb, nil)
	clk.advance(60 * time.Microsecond)
	if got := tickN(t, c, 25); got != 1 {
		t.Fatalf("expected 1 yield over the threshold, got %d", got)
	}
	if host.unlocks != 1 || host.locks != 2 {
		t.Fatalf("expected one release/reacquire pair, got %d locks, %d unlocks", host.locks, host.unlocks)
	}
	if ra.calls != 1 || rb.calls != 1 {
		t.Fatalf("revalidator calls: a=%d b=%d, want 1 each", ra.calls, rb.calls)
	}
	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Fatalf("revalidation out of registration order: %v", order)
	}
}

func TestNotFoundSentinel(t *testing.T) {
	c, _, clk := newTestContext(t, nil)
	key := &testKey{name: "doomed"}
	c.AddKey(key, KeyRead, "doomed", RevalidatorFunc(func(k Key, _ interface{}) Outcome {
		return NotFound()
	}), nil)
	clk.advance(60 * time.Microsecond)
	if got := tickN(t, c, 25); got != 1 {
		t.Fatalf("expected a yield, got %d", got)
	}
	if !Missing(c.KeyAt(0)) {
		t.Fatalf("entry should hold the not-found sentinel, has %v", c.KeyAt(0))
	}
	if key.closes != 1 {
		t.Fatalf("stale handle closed %d times, want 1", key.closes)
	}
	// absent data stays absent; Close must not double-release it
	if got := tickN(t, c, 25); got != 0 {
		t.Fatalf("unexpected second yield")
	}
}

func TestAddKeyMonotonic(t *testing.T) {
	c, _, _ := newTestContext(t, nil)
	keys := make([]*testKey, 10)
	for i := range keys {
		keys[i] = &testKey{name: fmt.Sprintf("k%d", i)}
		c.AddKey(keys[i], KeyRead, keys[i].name, nil, nil)
		if c.NumKeys() != i+1 {
			t.Fatalf("after %d adds, registry has %d entries", i+1, c.NumKeys())
		}
	}
	for i := range keys {
		if c.KeyAt(i) != keys[i] {
			t.Fatalf("entry %d is %v, want %v; AddKey disturbed an existing entry", i, c.KeyAt(i), keys[i])
		}
	}
}

func TestClockFailureNonFatal(t *testing.T) {
	c, host, clk := newTestContext(t, nil)
	clk.advance(60 * time.Microsecond)
	clk.fail = 1
	if got := tickN(t, c, 25); got != 0 {
		t.Fatalf("yielded on a failed clock read")
	}
	if host.unlocks != 0 {
		t.Fatalf("lock released without a time measurement")
	}
	// The failed check left lastCheck alone, so the next sample sees the
	// full overdue interval and yields.
	if got := tickN(t, c, 25); got != 1 {
		t.Fatalf("expected the retried check to yield, got %d", got)
	}
}

func TestLockReacquireFatal(t *testing.T) {
	c, host, clk := newTestContext(t, nil)
	reval := &orderReval{name: "x", order: &[]string{}}
	c.AddKey(&testKey{name: "x"}, KeyRead, "x", reval, nil)
	clk.advance(60 * time.Microsecond)
	host.lockErr = errors.New("host gone")
	tickN(t, c, 24)
	_, err := c.Tick()
	if err == nil {
		t.Fatalf("expected an error when the lock could not be reacquired")
	}
	if !strings.Contains(err.Error(), "reacquiring host lock") {
		t.Fatalf("unexpected error: %v", err)
	}
	if reval.calls != 0 {
		t.Fatalf("revalidation ran without the lock held")
	}
	// the context is poisoned; the failure repeats rather than the
	// query limping on without the lock
	if _, err2 := c.Tick(); err2 != err {
		t.Fatalf("expected the sticky error, got %v", err2)
	}
	host.lockErr = nil
	if _, err3 := c.Tick(); err3 != err {
		t.Fatalf("poisoned context recovered: %v", err3)
	}
}

func TestRoundTripCloseOnce(t *testing.T) {
	host := &fakeHost{}
	clk := &fakeClock{now: time.Unix(1000, 0)}
	c := New(host, nil)
	c.clock = clk
	c.SetLogger(logger.NewLogfLogger(t))
	if err := c.Lock(); err != nil {
		t.Fatalf("taking host lock: %v", err)
	}
	keys := make([]*testKey, 3)
	for i := range keys {
		keys[i] = &testKey{name: fmt.Sprintf("k%d", i)}
		c.AddKey(keys[i], KeyRead|KeyWrite, keys[i].name, RevalidatorFunc(func(k Key, _ interface{}) Outcome {
			return Valid(k)
		}), nil)
	}
	// 50 ticks, elapsed alternating above and below the threshold
	clk.advance(60 * time.Microsecond)
	if got := tickN(t, c, 25); got != 1 {
		t.Fatalf("expected a yield on the first check, got %d", got)
	}
	clk.advance(10 * time.Microsecond)
	if got := tickN(t, c, 25); got != 0 {
		t.Fatalf("expected no yield on the second check, got %d", got)
	}
	c.Unlock()
	if err := c.Close(); err != nil {
		t.Fatalf("closing context: %v", err)
	}
	for i, k := range keys {
		if k.closes != 1 {
			t.Fatalf("key %d closed %d times, want exactly 1", i, k.closes)
		}
	}
	// closing again must not re-release anything
	if err := c.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	for i, k := range keys {
		if k.closes != 1 {
			t.Fatalf("key %d closed %d times after double close", i, k.closes)
		}
	}
	if _, err := c.Tick(); err != ErrClosed {
		t.Fatalf("tick on closed context: %v", err)
	}
}

// openerHost is a host that can reopen keys by name, like a real host
// whose keyspace can mutate while we are unlocked.
type openerHost struct {
	fakeHost
	store map[string]bool
	opens []string
}

func (h *openerHost) OpenKey(name string, flags KeyFlags) (Key, error) {
	h.opens = append(h.opens, name)
	if !h.store[name] {
		return KeyNotFound, nil
	}
	return &testKey{name: name}, nil
}

func TestReopenThroughHost(t *testing.T) {
	host := &openerHost{store: map[string]bool{"idx": true}}
	clk := &fakeClock{now: time.Unix(1000, 0)}
	c := New(host, nil)
	c.clock = clk
	c.SetLogger(logger.NewLogfLogger(t))
	if err := c.Lock(); err != nil {
		t.Fatalf("taking host lock: %v", err)
	}
	defer func() {
		if err := c.Close(); err != nil {
			t.Errorf("closing context: %v", err)
		}
	}()
	orig := &testKey{name: "idx"}
	// nil revalidator: the reopen alone re-establishes the handle
	c.AddKey(orig, KeyRead, "idx", nil, nil)

	clk.advance(60 * time.Microsecond)
	if got := tickN(t, c, 25); got != 1 {
		t.Fatalf("expected a yield, got %d", got)
	}
	if len(host.opens) != 1 || host.opens[0] != "idx" {
		t.Fatalf("reopen calls: %v", host.opens)
	}
	if orig.closes != 1 {
		t.Fatalf("pre-yield handle closed %d times, want 1", orig.closes)
	}
	fresh := c.KeyAt(0)
	if Missing(fresh) || fresh == Key(orig) {
		t.Fatalf("expected a fresh handle, got %v", fresh)
	}

	// the resource disappears during the next unlocked window
	delete(host.store, "idx")
	clk.advance(60 * time.Microsecond)
	if got := tickN(t, c, 25); got != 1 {
		t.Fatalf("expected a second yield, got %d", got)
	}
	if !Missing(c.KeyAt(0)) {
		t.Fatalf("expected the sentinel after the resource vanished, got %v", c.KeyAt(0))
	}
}

func TestRevalidateErrorAbsorbed(t *testing.T) {
	buf := logger.NewBufferLogger()
	host := &fakeHost{}
	clk := &fakeClock{now: time.Unix(1000, 0)}
	c := New(host, nil)
	c.clock = clk
	c.SetLogger(buf)
	if err := c.Lock(); err != nil {
		t.Fatalf("taking host lock: %v", err)
	}
	defer func() {
		if err := c.Close(); err != nil {
			t.Errorf("closing context: %v", err)
		}
	}()
	key := &testKey{name: "flaky"}
	c.AddKey(key, KeyRead, "flaky", RevalidatorFunc(func(k Key, _ interface{}) Outcome {
		return Failed(errors.New("backend sneezed"))
	}), nil)
	clk.advance(60 * time.Microsecond)
	if got := tickN(t, c, 25); got != 1 {
		t.Fatalf("expected a yield, got %d", got)
	}
	// the failure is data, not a fault: entry marked missing, warning logged
	if !Missing(c.KeyAt(0)) {
		t.Fatalf("failed revalidation should leave the sentinel")
	}
	out, err := buf.ReadAll()
	if err != nil {
		t.Fatalf("reading log buffer: %v", err)
	}
	if !strings.Contains(string(out), "backend sneezed") {
		t.Fatalf("revalidation failure not logged: %q", out)
	}
}

func TestConfiguredSampleAndTimeout(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.TickSample = 5
	cfg.SwitchTimeout = 10 * time.Millisecond
	c, host, clk := newTestContext(t, cfg)
	clk.advance(5 * time.Millisecond)
	if got := tickN(t, c, 5); got != 0 {
		t.Fatalf("yielded below a configured threshold")
	}
	if clk.reads != 1 {
		t.Fatalf("expected a check at the configured sample interval, got %d reads", clk.reads)
	}
	clk.advance(20 * time.Millisecond)
	if got := tickN(t, c, 5); got != 1 {
		t.Fatalf("expected a yield past the configured threshold, got %d", got)
	}
	if host.unlocks != 1 {
		t.Fatalf("expected exactly one release, got %d", host.unlocks)
	}
}
