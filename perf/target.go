// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package perf

import "runtime"

// Target specifies what goroutine, thread, or process a [Counter] should
// monitor.
type Target interface {
	pidCPU() (pid, cpu int)
	// inherit reports whether the counter should also count threads and
	// child processes created after it is opened.
	inherit() bool
	// acquire and release bracket the lifetime of a Counter.
	acquire()
	release()
}

type targetThisGoroutine struct{}

func (targetThisGoroutine) pidCPU() (pid, cpu int) { return 0, -1 }
func (targetThisGoroutine) inherit() bool          { return false }
func (targetThisGoroutine) acquire()               { runtime.LockOSThread() }
func (targetThisGoroutine) release()               { runtime.UnlockOSThread() }

// TargetThisGoroutine monitors the calling goroutine. Opening a Counter on it
// calls [runtime.LockOSThread] and closing it calls [runtime.UnlockOSThread].
var TargetThisGoroutine Target = targetThisGoroutine{}

type targetProcess int

func (t targetProcess) pidCPU() (pid, cpu int) { return int(t), -1 }
func (targetProcess) inherit() bool            { return true }
func (targetProcess) acquire()                 {}
func (targetProcess) release()                 {}

// TargetProcess monitors process pid on any CPU, including threads and
// children it creates after the counter is opened. Values of exited threads
// and children are folded into the counter when they are reaped.
//
// The kernel does not support group reads of inherited counters, so a
// Counter on a TargetProcess has exactly one event.
func TargetProcess(pid int) Target {
	return targetProcess(pid)
}
