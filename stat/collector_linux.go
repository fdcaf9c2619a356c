// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package stat

import (
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/aclements/go-perfrun/events"
	"github.com/aclements/go-perfrun/perf"
)

type perfCollector struct {
	log logrus.FieldLogger
}

// PerfCollector returns a Collector that counts with perf_event_open(2).
//
// The target is started under ptrace so that it stops right after execve.
// Counters are opened on it with inherit set, so threads and children it
// creates are counted too, and enabled before the target is detached and
// allowed to run. Each counter is opened on its own rather than as a group,
// so the kernel multiplexes them if the PMU has too few registers.
func PerfCollector(log logrus.FieldLogger) Collector {
	return &perfCollector{log: log.WithField("component", "collector")}
}

func (c *perfCollector) Prepare(set CounterSet) (Probe, error) {
	evs := make([]events.Event, len(set.Counters))
	for i, name := range set.Counters {
		ev, err := events.ParseEvent(name)
		if err != nil {
			return nil, &UnknownCounterError{Set: set.String(), Counter: name, Err: err}
		}
		evs[i] = ev
	}
	return &perfProbe{
		log:         c.log.WithField("set", set.String()),
		names:       set.Counters,
		events:      evs,
		counters:    make([]eventCounter, len(evs)),
		unsupported: make([]error, len(evs)),
	}, nil
}

type perfProbe struct {
	log    logrus.FieldLogger
	names  []string
	events []events.Event

	counters    []eventCounter
	unsupported []error
}

// eventCounter is the part of a *perf.Counter a probe uses.
type eventCounter interface {
	Start()
	Stop()
	ReadOne() (perf.Count, error)
	UserOnly() bool
	Close()
}

// openCounter opens an inherited counter for ev on process pid. Tests
// replace it.
var openCounter = func(pid int, ev events.Event) (eventCounter, error) {
	c, err := perf.OpenCounter(perf.TargetProcess(pid), ev)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (p *perfProbe) Start(cmd *exec.Cmd) error {
	// ptrace requests, including the detach below, must come from the
	// thread that started the tracee.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Ptrace = true
	if err := cmd.Start(); err != nil {
		return err
	}
	pid := cmd.Process.Pid

	// The tracee stops with SIGTRAP after a successful execve, before it
	// runs any of its own instructions.
	ws, err := waitStopped(pid)
	if err != nil {
		abort(cmd)
		return fmt.Errorf("wait for %d to stop: %w", pid, err)
	}
	if !ws.Stopped() {
		// waitStopped reaped it, so the pid may be reused. Release it so
		// that exec's context watcher can't signal it.
		cmd.Process.Release()
		return &SpawnError{Err: fmt.Errorf("target exited before counters were attached (status %#x)", uint32(ws))}
	}

	if err := p.attach(pid); err != nil {
		abort(cmd)
		return err
	}
	for _, c := range p.counters {
		if c != nil {
			c.Start()
		}
	}

	if err := syscall.PtraceDetach(pid); err != nil {
		abort(cmd)
		return fmt.Errorf("detach from %d: %w", pid, err)
	}
	p.log.WithField("pid", pid).Debug("counters attached")
	return nil
}

func (p *perfProbe) attach(pid int) error {
	for i, ev := range p.events {
		c, err := openCounter(pid, ev)
		if err == nil {
			p.counters[i] = c
			continue
		}
		if !isUnsupported(err) {
			p.Close()
			return &CounterUnavailableError{Counter: p.names[i], Err: err}
		}
		p.log.WithError(err).WithField("counter", p.names[i]).Warn("counter not supported")
		p.unsupported[i] = err
	}
	return nil
}

// isUnsupported reports whether a perf_event_open error is specific to the
// event, as opposed to the subsystem being inaccessible.
func isUnsupported(err error) bool {
	for _, errno := range []syscall.Errno{unix.ENOENT, unix.EOPNOTSUPP, unix.EINVAL, unix.ENODEV, unix.ENXIO, unix.E2BIG} {
		if errors.Is(err, errno) {
			return true
		}
	}
	return false
}

func waitStopped(pid int) (syscall.WaitStatus, error) {
	var ws syscall.WaitStatus
	for {
		_, err := syscall.Wait4(pid, &ws, syscall.WALL, nil)
		if err == syscall.EINTR {
			continue
		}
		return ws, err
	}
}

// abort kills and reaps a started target.
func abort(cmd *exec.Cmd) {
	cmd.Process.Kill()
	cmd.Wait()
}

func (p *perfProbe) Read() ([]CounterValue, error) {
	vals := make([]CounterValue, len(p.names))
	for i, name := range p.names {
		v := CounterValue{Name: name}
		if err := p.unsupported[i]; err != nil {
			v.Status = NotSupported
			v.Reason = err.Error()
			vals[i] = v
			continue
		}

		c := p.counters[i]
		c.Stop()
		count, err := c.ReadOne()
		if err != nil {
			return nil, fmt.Errorf("read counter %s: %w", name, err)
		}
		v.Raw = count.RawValue
		v.Value, v.Unit = count.Value()
		v.Enabled = time.Duration(count.TimeEnabled)
		v.Running = time.Duration(count.TimeRunning)
		v.UserOnly = c.UserOnly()
		if count.TimeRunning == 0 {
			v.Status = NotCounted
		}
		vals[i] = v
	}
	return vals, nil
}

func (p *perfProbe) Close() {
	for i, c := range p.counters {
		if c != nil {
			c.Close()
			p.counters[i] = nil
		}
	}
}
