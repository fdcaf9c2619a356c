// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package perf

import (
	"encoding/binary"
	"fmt"
)

// Count is one reading of an event.
//
// If more counters are running than the hardware can hold, the kernel
// multiplexes them and TimeRunning < TimeEnabled. [Count.Value] then
// extrapolates RawValue assuming the event rate was steady.
type Count struct {
	RawValue    uint64 // Events seen while the counter was on the hardware
	TimeEnabled uint64 // Nanoseconds the Counter was started
	TimeRunning uint64 // Nanoseconds the Counter was actually counting

	scale scale
}

// scale converts raw values of an event, e.g. RAPL energy ticks to Joules.
type scale struct {
	scale float64
	unit  string
}

// Value returns c extrapolated over the time the counter was enabled and
// multiplied by the event's conversion factor, along with the unit of the
// result.
func (c Count) Value() (float64, string) {
	unit := c.scale.unit
	factor := c.scale.scale
	if factor == 0 {
		// Zero Count.
		factor = 1
	}
	if c.TimeEnabled == c.TimeRunning && factor == 1 {
		return float64(c.RawValue), unit
	}
	if c.TimeRunning == 0 {
		return 0, unit
	}
	ratio := float64(c.TimeEnabled) / float64(c.TimeRunning)
	return float64(c.RawValue) * ratio * factor, unit
}

// readSize returns the length of a read(2) of a counter with n events.
func readSize(n int, group bool) int {
	if group {
		// { nr, time_enabled, time_running, values[nr] }
		return 3*8 + n*8
	}
	// { value, time_enabled, time_running }
	return 3 * 8
}

// decodeRead fills cs from buf in the PERF_FORMAT_TOTAL_TIME_ENABLED |
// PERF_FORMAT_TOTAL_TIME_RUNNING layout, with PERF_FORMAT_GROUP if group is
// set.
func decodeRead(buf []byte, group bool, scales []scale, cs []Count) error {
	u64 := func(i int) uint64 { return binary.NativeEndian.Uint64(buf[8*i:]) }

	if !group {
		if len(cs) > 0 {
			cs[0] = Count{RawValue: u64(0), TimeEnabled: u64(1), TimeRunning: u64(2), scale: scales[0]}
		}
		return nil
	}

	if nr := u64(0); nr != uint64(len(scales)) {
		return fmt.Errorf("read returned %d events, expected %d", nr, len(scales))
	}
	enabled, running := u64(1), u64(2)
	for i := range cs {
		if i == len(scales) {
			break
		}
		cs[i] = Count{RawValue: u64(3 + i), TimeEnabled: enabled, TimeRunning: running, scale: scales[i]}
	}
	return nil
}
