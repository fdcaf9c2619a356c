// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

// Package perf opens, starts, stops and reads hardware and software
// performance counters using perf_event_open(2).
package perf

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/aclements/go-perfrun/events"
)

// A Counter reports the number of times a [events.Event] or group of Events
// occurred.
type Counter struct {
	target  Target
	files   []*os.File // Leader first
	scales  []scale
	group   bool
	running bool

	userOnly bool
	readBuf  []byte
}

// OpenCounter returns a new [Counter] that reads values for the given
// [events.Event] or group of Events on the given [Target]. Callers are
// expected to call [Counter.Close] when done with this Counter.
//
// If multiple events are given, they are opened as a group, which means they
// will all be scheduled onto the hardware at the same time.
//
// If the kernel refuses to count kernel-mode events for an unprivileged
// user, OpenCounter retries counting only user-mode events, as perf stat
// does. [Counter.UserOnly] reports whether this happened.
//
// The counter is initially not running. Call [Counter.Start] to start it.
func OpenCounter(target Target, evs ...events.Event) (*Counter, error) {
	if len(evs) == 0 {
		return nil, nil
	}
	if target.inherit() && len(evs) > 1 {
		return nil, fmt.Errorf("inherited counters cannot be grouped (%d events)", len(evs))
	}

	c := &Counter{
		target:  target,
		scales:  make([]scale, len(evs)),
		group:   !target.inherit(),
		readBuf: make([]byte, readSize(len(evs), !target.inherit())),
	}
	for i, ev := range evs {
		c.scales[i] = scale{1, ""}
		if es, ok := ev.(events.EventScale); ok {
			c.scales[i].scale, c.scales[i].unit = es.ScaleUnit()
		}
	}

	target.acquire()
	if err := c.openAll(evs); err != nil {
		c.closeFiles()
		target.release()
		return nil, err
	}
	return c, nil
}

func (c *Counter) openAll(evs []events.Event) error {
	leader, err := c.openLeader(evs[0])
	if err != nil {
		return err
	}
	c.files = append(c.files, leader)

	// Group members are read through the leader, but closing them removes
	// them from the group, so they stay open.
	for _, ev := range evs[1:] {
		f, err := c.openEvent(ev, 0, int(leader.Fd()))
		if err != nil {
			return fmt.Errorf("%s: %w", ev, err)
		}
		c.files = append(c.files, f)
	}
	return nil
}

func (c *Counter) openLeader(ev events.Event) (*os.File, error) {
	format := uint64(unix.PERF_FORMAT_TOTAL_TIME_ENABLED | unix.PERF_FORMAT_TOTAL_TIME_RUNNING)
	if c.group {
		format |= unix.PERF_FORMAT_GROUP
	}
	f, err := c.openEvent(ev, format, -1)
	if isPermissionError(err) {
		// Typical with perf_event_paranoid >= 2. Retry counting only user
		// mode, like perf's exclude_kernel fallback.
		c.userOnly = true
		var err2 error
		if f, err2 = c.openEvent(ev, format, -1); err2 == nil {
			return f, nil
		}
		c.userOnly = false
	}
	if errors.Is(err, syscall.EACCES) {
		err = paranoidHint(err)
	}
	return f, err
}

func (c *Counter) openEvent(ev events.Event, format uint64, groupFd int) (*os.File, error) {
	attr := unix.PerfEventAttr{Read_format: format, Bits: unix.PerfBitDisabled}
	attr.Size = uint32(unsafe.Sizeof(attr))
	if err := ev.SetAttrs(&attr); err != nil {
		return nil, err
	}
	if c.target.inherit() {
		attr.Bits |= unix.PerfBitInherit
	}
	if c.userOnly {
		attr.Bits |= unix.PerfBitExcludeKernel | unix.PerfBitExcludeHv
	}
	pid, cpu := c.target.pidCPU()
	fd, err := perfEventOpen(&attr, pid, cpu, groupFd, unix.PERF_FLAG_FD_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return os.NewFile(uintptr(fd), "<perf-event "+ev.String()+">"), nil
}

// perfEventOpen is perf_event_open(2). Tests replace it.
var perfEventOpen = unix.PerfEventOpen

const paranoidPath = "/proc/sys/kernel/perf_event_paranoid"

// paranoidHint suggests lowering perf_event_paranoid unless it is already
// 0 or less.
func paranoidHint(err error) error {
	data, rerr := os.ReadFile(paranoidPath)
	if rerr == nil {
		if level, perr := strconv.Atoi(strings.TrimSpace(string(data))); perr == nil && level <= 0 {
			return err
		}
	}
	return fmt.Errorf("%w (consider: echo 0 | sudo tee %s)", err, paranoidPath)
}

func isPermissionError(err error) bool {
	return errors.Is(err, syscall.EACCES) || errors.Is(err, syscall.EPERM)
}

// UserOnly reports whether c only counts user-mode events because the
// kernel refused to count kernel-mode events.
func (c *Counter) UserOnly() bool {
	return c != nil && c.userOnly
}

func (c *Counter) closeFiles() {
	for _, f := range c.files {
		f.Close()
	}
	c.files = nil
}

// Close closes this counter and releases its target, which for
// [TargetThisGoroutine] unlocks the goroutine from its OS thread.
func (c *Counter) Close() {
	if c == nil || c.files == nil {
		return
	}
	c.closeFiles()
	c.target.release()
	c.target = nil
}

func (c *Counter) ioctl(req uint) {
	unix.IoctlGetInt(int(c.files[0].Fd()), req)
}

// Start the counter.
func (c *Counter) Start() {
	if c == nil || c.running {
		return
	}
	c.running = true
	c.ioctl(unix.PERF_EVENT_IOC_ENABLE)
}

// Stop the counter.
func (c *Counter) Stop() {
	if c == nil || !c.running {
		return
	}
	c.ioctl(unix.PERF_EVENT_IOC_DISABLE)
	c.running = false
}

// ReadOne returns the current value of the first event in c.
func (c *Counter) ReadOne() (Count, error) {
	// TODO: Use RDPMC when possible.
	var cs [1]Count
	err := c.ReadGroup(cs[:])
	return cs[0], err
}

// ReadGroup stores the current value of each event in c into cs.
func (c *Counter) ReadGroup(cs []Count) error {
	if c == nil {
		return nil
	}
	if c.files == nil {
		return fmt.Errorf("Counter is closed")
	}
	if _, err := c.files[0].Read(c.readBuf); err != nil {
		return err
	}
	return decodeRead(c.readBuf, c.group, c.scales, cs)
}
