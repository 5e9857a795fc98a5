// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

package concurrent

import (
	"time"

	"github.com/spf13/pflag"
)

const (
	// DefaultTickSample is how many ticks pass between elapsed-time
	// checks. Reading the clock costs real time compared to one unit of
	// query work, so the check is amortized over a batch of ticks; the
	// worst-case lock-holding overshoot is one batch beyond the timeout.
	DefaultTickSample = 25

	// DefaultSwitchTimeout is how long a query may hold the host lock
	// between yields. Earlier notes floated 200us here; 50us is the
	// value the system has always enforced, and is what we keep.
	DefaultSwitchTimeout = 50 * time.Microsecond

	// DefaultPoolCapacity is the worker ceiling for the query pool.
	DefaultPoolCapacity = 100
)

// Config defines externally configurable concurrency options.
type Config struct {

	// Ticks between elapsed-time checks.
	TickSample int

	// Elapsed lock-holding time that triggers a yield.
	SwitchTimeout time.Duration

	// Maximum live workers in the query pool.
	PoolCapacity int
}

func NewDefaultConfig() *Config {
	return &Config{
		TickSample:    DefaultTickSample,
		SwitchTimeout: DefaultSwitchTimeout,
		PoolCapacity:  DefaultPoolCapacity,
	}
}

func (cfg *Config) DefineFlags(flags *pflag.FlagSet) {
	default0 := NewDefaultConfig()
	flags.IntVar(&cfg.TickSample, "concurrent-tick-sample", default0.TickSample, "query ticks between elapsed-time checks")
	flags.DurationVar(&cfg.SwitchTimeout, "concurrent-switch-timeout", default0.SwitchTimeout, "lock-holding time after which a query yields to other work")
	flags.IntVar(&cfg.PoolCapacity, "concurrent-pool-capacity", default0.PoolCapacity, "maximum worker goroutines in the query pool")
}
