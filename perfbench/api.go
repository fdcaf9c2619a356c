// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package perfbench reports performance counters as metrics of a Go
// benchmark, for example "cycles/op" and "L1-dcache-load-misses/op".
package perfbench

import "testing"

// DefaultEvents are the events counted by [Open].
var DefaultEvents = []string{"cycles", "instructions", "cache-misses", "cache-references"}

// Counters is a set of performance counters that will be reported in benchmark
// results.
type Counters struct {
	countersOS
}

// Open starts the [DefaultEvents] counters for benchmark b. These counters
// will be reported as metrics when the benchmark ends. The counters only count
// performance events on the calling goroutine.
//
// The counters are running on return. In general, any calls to b.StopTimer,
// b.StartTimer, or b.ResetTimer should be paired with the equivalent calls on
// Counters.
//
// The final value of the counters is captured in a b.Cleanup function. If the
// benchmark does substantial other work in cleanup functions, it may want to
// explicitly call [Counters.Stop] before returning.
func Open(b *testing.B) *Counters {
	return openOS(b, DefaultEvents)
}

// OpenEvents is like [Open], but counts the named events. Names use the same
// syntax as perfrun's -e flag. A name that doesn't resolve fails the
// benchmark.
func OpenEvents(b *testing.B, names ...string) *Counters {
	return openOS(b, names)
}

func (cs *Counters) Start() {
	cs.startOS()
}

func (cs *Counters) Stop() {
	cs.stopOS()
}

func (cs *Counters) Reset() {
	cs.resetOS()
}

// Total returns the total count of the named counter, which is a reported
// metric name without the "/op". If the named counter is unknown or could not
// be opened, this returns 0, false.
func (cs *Counters) Total(name string) (float64, bool) {
	return cs.totalOS(name)
}
