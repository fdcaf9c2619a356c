// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package perf

import (
	"encoding/binary"
	"errors"
	"os"
	"os/exec"
	"syscall"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/aclements/go-perfrun/events"
)

// openOrSkip opens a counter on the calling goroutine, skipping the test if
// the host doesn't allow or support it (containers, VMs without a PMU).
func openOrSkip(t *testing.T, evs ...events.Event) *Counter {
	t.Helper()
	c, err := OpenCounter(TargetThisGoroutine, evs...)
	if err != nil {
		if isPermissionError(err) || errors.Is(err, syscall.ENOENT) || errors.Is(err, syscall.EOPNOTSUPP) || errors.Is(err, syscall.ENODEV) {
			t.Skipf("perf events unavailable: %v", err)
		}
		t.Fatal(err)
	}
	return c
}

func TestOpenOne(t *testing.T) {
	c := openOrSkip(t, events.EventCPUCycles)
	defer c.Close()

	doRead := func(min Count) Count {
		t.Helper()
		count, err := c.ReadOne()
		if err != nil {
			t.Fatal("read failed:", err)
		}
		t.Logf("read %+v", count)
		checkCount(t, count, min)
		return count
	}

	c1 := doRead(Count{})
	if c1.RawValue != 0 || c1.TimeEnabled != 0 {
		t.Fatal("counter is non-zero before starting")
	}

	t.Log("starting counter")
	c.Start()
	c2 := doRead(c1)

	t.Log("stopping counter")
	c.Stop()
	c3 := doRead(c2)
	c4 := doRead(c2)
	if c3 != c4 {
		t.Fatal("counter changed while stopped")
	}
}

func TestOpenGroup(t *testing.T) {
	c := openOrSkip(t, events.EventCPUCycles, events.EventInstructions)
	defer c.Close()

	doRead := func(min [2]Count) [2]Count {
		t.Helper()
		var counts [2]Count
		err := c.ReadGroup(counts[:])
		if err != nil {
			t.Fatal("read failed:", err)
		}
		t.Logf("read %+v", counts)
		for i, count := range counts {
			checkCount(t, count, min[i])
		}
		return counts
	}

	c1s := doRead([2]Count{})
	for _, c1 := range c1s {
		if c1.RawValue != 0 || c1.TimeEnabled != 0 {
			t.Fatal("counter is non-zero before starting")
		}
	}

	t.Log("starting counter")
	c.Start()
	c2s := doRead(c1s)

	t.Log("stopping counter")
	c.Stop()
	c3 := doRead(c2s)
	c4 := doRead(c2s)
	if c3 != c4 {
		t.Fatal("counter changed while stopped")
	}

	c3x, err := c.ReadOne()
	if err != nil {
		t.Fatal(err)
	}
	if c3x != c3[0] {
		t.Fatalf("ReadOne returned %+v, expected %+v", c3x, c3[0])
	}
}

func checkCount(t *testing.T, count Count, min Count) {
	t.Helper()
	if count.TimeRunning > count.TimeEnabled {
		t.Fatal("TimeRunning > TimeEnabled")
	}
	if count.RawValue < min.RawValue {
		t.Fatal("RawValue decreased")
	}
	if count.TimeEnabled < min.TimeEnabled {
		t.Fatal("TimeEnabled decreased")
	}
	if count.TimeRunning < min.TimeRunning {
		t.Fatal("TimeRunning decreased")
	}
}

func TestMain(m *testing.M) {
	if os.Getenv("PERF_TEST_CHILD") == "spin" {
		// Burn some CPU so task-clock has something to count.
		deadline := time.Now().Add(50 * time.Millisecond)
		for time.Now().Before(deadline) {
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func TestOpenProcess(t *testing.T) {
	cmd := exec.Command(os.Args[0], "-test.run=^$")
	cmd.Env = append(os.Environ(), "PERF_TEST_CHILD=spin")
	if err := cmd.Start(); err != nil {
		t.Fatal(err)
	}

	c, err := OpenCounter(TargetProcess(cmd.Process.Pid), events.EventTaskClock)
	if err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		t.Skipf("cannot count child process: %v", err)
	}
	defer c.Close()
	c.Start()

	if err := cmd.Wait(); err != nil {
		t.Fatal(err)
	}
	count, err := c.ReadOne()
	if err != nil {
		t.Fatal(err)
	}
	t.Logf("read %+v", count)
	checkCount(t, count, Count{})
	if count.RawValue == 0 {
		t.Errorf("task-clock of child is 0")
	}
	if val, _ := count.Value(); val <= 0 {
		t.Errorf("scaled task-clock of child is %f", val)
	}
}

func TestOpenProcessGroup(t *testing.T) {
	_, err := OpenCounter(TargetProcess(os.Getpid()), events.EventTaskClock, events.EventPageFaults)
	if err == nil {
		t.Fatal("grouped inherited counters should fail")
	}
}

func TestCountValue(t *testing.T) {
	for _, tc := range []struct {
		c    Count
		want float64
	}{
		{Count{}, 0},
		{Count{RawValue: 100, TimeEnabled: 10, TimeRunning: 10, scale: scale{1, ""}}, 100},
		// Multiplexed half the time.
		{Count{RawValue: 100, TimeEnabled: 10, TimeRunning: 5, scale: scale{1, ""}}, 200},
		// Never scheduled.
		{Count{RawValue: 0, TimeEnabled: 10, TimeRunning: 0, scale: scale{1, ""}}, 0},
		{Count{RawValue: 4, TimeEnabled: 10, TimeRunning: 10, scale: scale{0.5, "Joules"}}, 2},
	} {
		if got, _ := tc.c.Value(); got != tc.want {
			t.Errorf("%+v: got %f, want %f", tc.c, got, tc.want)
		}
	}
}

func TestDecodeRead(t *testing.T) {
	put := func(vals ...uint64) []byte {
		buf := make([]byte, 8*len(vals))
		for i, v := range vals {
			binary.NativeEndian.PutUint64(buf[8*i:], v)
		}
		return buf
	}
	one := []scale{{1, ""}}
	two := []scale{{1, ""}, {2, "B"}}

	var cs [2]Count
	if err := decodeRead(put(42, 10, 5), false, one, cs[:]); err != nil {
		t.Fatal(err)
	}
	if want := (Count{42, 10, 5, one[0]}); cs[0] != want {
		t.Errorf("single: got %+v, want %+v", cs[0], want)
	}

	if err := decodeRead(put(2, 10, 10, 7, 9), true, two, cs[:]); err != nil {
		t.Fatal(err)
	}
	if cs[1].RawValue != 9 || cs[1].TimeEnabled != 10 {
		t.Errorf("group: got %+v", cs[1])
	}
	if v, unit := cs[1].Value(); v != 18 || unit != "B" {
		t.Errorf("group value: got %f %s, want 18 B", v, unit)
	}

	if err := decodeRead(put(3, 10, 10, 1, 2, 3), true, two, cs[:]); err == nil {
		t.Errorf("want error for mismatched event count")
	}
	if got := readSize(2, true); got != 40 {
		t.Errorf("readSize(2, group) = %d, want 40", got)
	}
}

// fakeOpen makes perfEventOpen fail with errno unless the attr matches
// allow, and records each attempt. Successful opens return /dev/null.
func fakeOpen(t *testing.T, errno syscall.Errno, allow func(*unix.PerfEventAttr) bool) *[]unix.PerfEventAttr {
	var attrs []unix.PerfEventAttr
	old := perfEventOpen
	perfEventOpen = func(attr *unix.PerfEventAttr, pid, cpu, groupFd, flags int) (int, error) {
		attrs = append(attrs, *attr)
		if !allow(attr) {
			return -1, errno
		}
		return unix.Open("/dev/null", unix.O_RDONLY|unix.O_CLOEXEC, 0)
	}
	t.Cleanup(func() { perfEventOpen = old })
	return &attrs
}

func excludesKernel(attr *unix.PerfEventAttr) bool {
	return attr.Bits&unix.PerfBitExcludeKernel != 0 && attr.Bits&unix.PerfBitExcludeHv != 0
}

func TestOpenUserOnlyFallback(t *testing.T) {
	for _, errno := range []syscall.Errno{syscall.EACCES, syscall.EPERM} {
		attrs := fakeOpen(t, errno, excludesKernel)
		c, err := OpenCounter(TargetProcess(os.Getpid()), events.EventTaskClock)
		if err != nil {
			t.Fatalf("%v: %v", errno, err)
		}
		if !c.UserOnly() {
			t.Errorf("%v: UserOnly = false after retry", errno)
		}
		c.Close()
		if len(*attrs) != 2 || excludesKernel(&(*attrs)[0]) {
			t.Errorf("%v: want a full attempt then a user-only one, got %d attempts", errno, len(*attrs))
		}
		if (*attrs)[1].Bits&unix.PerfBitInherit == 0 {
			t.Errorf("%v: retry dropped inherit", errno)
		}
	}
}

func TestOpenUserOnlyFallbackFails(t *testing.T) {
	attrs := fakeOpen(t, syscall.EACCES, func(*unix.PerfEventAttr) bool { return false })
	c, err := OpenCounter(TargetProcess(os.Getpid()), events.EventTaskClock)
	if err == nil {
		c.Close()
		t.Fatal("want error")
	}
	if !errors.Is(err, syscall.EACCES) {
		t.Errorf("got %v, want EACCES", err)
	}
	if len(*attrs) != 2 {
		t.Errorf("got %d attempts, want 2", len(*attrs))
	}
}

func TestOpenNoRetryForOtherErrors(t *testing.T) {
	attrs := fakeOpen(t, syscall.ENODEV, excludesKernel)
	if _, err := OpenCounter(TargetProcess(os.Getpid()), events.EventTaskClock); !errors.Is(err, syscall.ENODEV) {
		t.Errorf("got %v, want ENODEV", err)
	}
	if len(*attrs) != 1 {
		t.Errorf("got %d attempts, want 1", len(*attrs))
	}
}
