// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package stat runs a target executable under performance counters, once per
// counter set, and reports what the counters saw. It is the library behind
// the perfrun command and is roughly what "perf stat -e" does.
package stat

import (
	"strings"
	"time"
)

// A CounterSet is an ordered list of counter names requested for a single
// run of the target. Names use perf's event syntax, e.g. "cycles",
// "L1-dcache-load-misses", or "cpu/event=0x60,umask=0xc8/".
type CounterSet struct {
	Name     string   `json:"name"`
	Counters []string `json:"counters"`
}

func (s CounterSet) String() string {
	if s.Name != "" {
		return s.Name
	}
	return strings.Join(s.Counters, ",")
}

// Status says whether a counter produced a value.
type Status int

const (
	// Counted means the counter was scheduled and Value is meaningful.
	Counted Status = iota
	// NotCounted means the counter was opened but never got time on the
	// hardware, usually because too many counters competed for it.
	NotCounted
	// NotSupported means the host can't count this event at all.
	NotSupported
)

func (s Status) String() string {
	switch s {
	case Counted:
		return "counted"
	case NotCounted:
		return "not counted"
	case NotSupported:
		return "not supported"
	}
	return "unknown"
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// A CounterValue is the observed value of one counter in a run.
type CounterValue struct {
	Name   string `json:"name"`
	Status Status `json:"status"`

	// Raw is the unscaled count. Value is scaled for multiplexing and by
	// the event's unit conversion factor, if any.
	Raw   uint64  `json:"raw"`
	Value float64 `json:"value"`
	Unit  string  `json:"unit,omitempty"`

	// Enabled is how long the counter was enabled and Running how long it
	// was actually on the hardware. Running < Enabled means the value was
	// extrapolated.
	Enabled time.Duration `json:"enabled_ns"`
	Running time.Duration `json:"running_ns"`

	// UserOnly is set when kernel-mode events were excluded because the
	// host doesn't allow counting them.
	UserOnly bool `json:"user_only,omitempty"`

	// Reason explains a NotSupported status.
	Reason string `json:"reason,omitempty"`
}

// Supported reports whether v carries a usable value.
func (v CounterValue) Supported() bool {
	return v.Status == Counted
}

// RunningRatio returns the fraction of enabled time the counter was
// scheduled on the hardware, or 0 if it was never enabled.
func (v CounterValue) RunningRatio() float64 {
	if v.Enabled <= 0 {
		return 0
	}
	return float64(v.Running) / float64(v.Enabled)
}

// A RunResult is the outcome of running the target once with one counter
// set. It is not modified after Run returns it.
type RunResult struct {
	Target string   `json:"target"`
	Args   []string `json:"args,omitempty"`
	Set    string   `json:"set"`

	// Counters holds one entry per requested counter, in request order.
	Counters []CounterValue `json:"counters"`

	ExitCode int `json:"exit_code"`

	Start    time.Time     `json:"start"`
	End      time.Time     `json:"end"`
	WallTime time.Duration `json:"wall_time_ns"`
	UserTime time.Duration `json:"user_time_ns"`
	SysTime  time.Duration `json:"sys_time_ns"`
}

// Counter returns the first value recorded for the named counter.
func (r *RunResult) Counter(name string) (CounterValue, bool) {
	for _, v := range r.Counters {
		if v.Name == name {
			return v, true
		}
	}
	return CounterValue{}, false
}

// A Plan describes a sequence of runs of one target, one per counter set.
type Plan struct {
	Target string
	Args   []string
	// Env is appended to the inherited environment of the target.
	Env  []string
	Sets []CounterSet
	// Timeout bounds each run. Zero means no limit.
	Timeout time.Duration
}

// An Outcome is the result of one run of a Plan. Err is nil, or one of the
// errors in this package; Result may be set even when Err is not.
type Outcome struct {
	Set    CounterSet
	Result *RunResult
	Err    error
}
