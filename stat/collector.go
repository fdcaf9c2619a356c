// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package stat

import "os/exec"

// A Collector is the counter backend used by a [Runner]. [PerfCollector]
// counts with perf_event_open; tests substitute their own.
type Collector interface {
	// Prepare resolves the counter names in set. It must not start
	// anything. Names that can't be resolved yield an *UnknownCounterError.
	Prepare(set CounterSet) (Probe, error)
}

// A Probe attaches a prepared counter set to one process. A Probe is used
// for exactly one run.
type Probe interface {
	// Start starts cmd with the counters attached from its first
	// instruction. If cmd.Process is nil on return the target never
	// started. Permission problems yield a *CounterUnavailableError, in
	// which case any started process has already been killed and reaped.
	// A target that ends before the counters are attached yields a
	// *SpawnError.
	Start(cmd *exec.Cmd) error

	// Read returns one value per counter, in set order. It is called after
	// the process has been reaped.
	Read() ([]CounterValue, error)

	// Close releases the counters.
	Close()
}
