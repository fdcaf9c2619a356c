// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package stat

import (
	"errors"
	"fmt"
	"time"
)

// ErrEmptyCounterSet is returned before anything is started when a counter
// set has no counters.
var ErrEmptyCounterSet = errors.New("empty counter set")

// An UnknownCounterError means a counter name could not be resolved to an
// event. It is returned before the target is started.
type UnknownCounterError struct {
	Set     string
	Counter string
	Err     error
}

func (e *UnknownCounterError) Error() string {
	return fmt.Sprintf("set %s: counter %s: %v", e.Set, e.Counter, e.Err)
}

func (e *UnknownCounterError) Unwrap() error { return e.Err }

// A SpawnError means the target executable could not be found or started,
// or that it ended before counting could begin.
// A plan stops at the first SpawnError.
type SpawnError struct {
	Set    string
	Target string
	Err    error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("set %s: cannot start %s: %v", e.Set, e.Target, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// A CounterUnavailableError means the performance monitoring subsystem
// refused to open a counter, typically for lack of privilege. Later runs of
// a plan are still attempted.
type CounterUnavailableError struct {
	Set     string
	Counter string
	Err     error
}

func (e *CounterUnavailableError) Error() string {
	return fmt.Sprintf("set %s: counter %s unavailable: %v", e.Set, e.Counter, e.Err)
}

func (e *CounterUnavailableError) Unwrap() error { return e.Err }

// A ChildFailedError means the target ran but exited with a non-zero status
// or was killed by a signal. Result holds the counters collected anyway.
type ChildFailedError struct {
	Set      string
	ExitCode int
	// Signal is the name of the signal that killed the target, if any.
	Signal string
	Result *RunResult
}

func (e *ChildFailedError) Error() string {
	if e.Signal != "" {
		return fmt.Sprintf("set %s: target killed by signal %s", e.Set, e.Signal)
	}
	return fmt.Sprintf("set %s: target exited with status %d", e.Set, e.ExitCode)
}

// A TimedOutError means the target was killed after running longer than the
// plan's timeout. Result holds the counters collected up to that point.
type TimedOutError struct {
	Set     string
	Timeout time.Duration
	Result  *RunResult
}

func (e *TimedOutError) Error() string {
	return fmt.Sprintf("set %s: target killed after %v timeout", e.Set, e.Timeout)
}

// Fatal reports whether err means the run could not produce a measurement
// (as opposed to the target itself failing).
func Fatal(err error) bool {
	if err == nil {
		return false
	}
	var childErr *ChildFailedError
	return !errors.As(err, &childErr)
}
