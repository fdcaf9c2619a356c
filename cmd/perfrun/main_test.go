// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	logtest "github.com/sirupsen/logrus/hooks/test"

	"github.com/aclements/go-perfrun/stat"
)

func TestBuildPlanDefault(t *testing.T) {
	plan, err := buildPlan(runOptions{timeout: -1})
	if err != nil {
		t.Fatal(err)
	}
	if plan.Target != stat.DefaultTarget || len(plan.Args) != 0 {
		t.Errorf("target %q args %q", plan.Target, plan.Args)
	}
	if len(plan.Sets) != 2 || plan.Timeout != 0 {
		t.Errorf("got %d sets, timeout %v", len(plan.Sets), plan.Timeout)
	}
}

func TestBuildPlanFlags(t *testing.T) {
	plan, err := buildPlan(runOptions{
		eventLists: []string{"cycles,instructions", "cpu/event=0x60,umask=0xc8/,L1-dcache-loads"},
		timeout:    5 * time.Second,
		args:       []string{"./bench", "-n", "3"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if plan.Target != "./bench" || !slices.Equal(plan.Args, []string{"-n", "3"}) {
		t.Errorf("target %q args %q", plan.Target, plan.Args)
	}
	if plan.Timeout != 5*time.Second {
		t.Errorf("timeout %v", plan.Timeout)
	}
	want := []stat.CounterSet{
		{Name: "set-1", Counters: []string{"cycles", "instructions"}},
		{Name: "set-2", Counters: []string{"cpu/event=0x60,umask=0xc8/", "L1-dcache-loads"}},
	}
	if len(plan.Sets) != len(want) {
		t.Fatalf("got %d sets, want %d", len(plan.Sets), len(want))
	}
	for i := range want {
		if plan.Sets[i].Name != want[i].Name || !slices.Equal(plan.Sets[i].Counters, want[i].Counters) {
			t.Errorf("set %d = %+v, want %+v", i, plan.Sets[i], want[i])
		}
	}
}

func TestBuildPlanConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "perfrun.json")
	cfg := `{"target": "./other", "args": ["a"], "counter_sets": [{"name": "only", "counters": ["cycles"]}], "timeout_seconds": 9}`
	if err := os.WriteFile(path, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}

	plan, err := buildPlan(runOptions{configPath: path, timeout: -1})
	if err != nil {
		t.Fatal(err)
	}
	if plan.Target != "./other" || plan.Timeout != 9*time.Second || plan.Sets[0].Name != "only" {
		t.Errorf("got %+v", plan)
	}

	// Command-line values take precedence.
	plan, err = buildPlan(runOptions{configPath: path, timeout: 0, args: []string{"./bench"}})
	if err != nil {
		t.Fatal(err)
	}
	if plan.Target != "./bench" || len(plan.Args) != 0 || plan.Timeout != 0 {
		t.Errorf("overrides not applied: %+v", plan)
	}
}

func TestBuildPlanErrors(t *testing.T) {
	for _, opts := range []runOptions{
		{eventLists: []string{"cycles,,instructions"}},
		{eventLists: []string{"cpu/event=0x3c"}},
		{configPath: filepath.Join(t.TempDir(), "missing.json")},
	} {
		if _, err := buildPlan(opts); err == nil {
			t.Errorf("buildPlan(%+v): want error", opts)
		}
	}
}

func TestExitStatus(t *testing.T) {
	log, hook := logtest.NewNullLogger()
	set := stat.CounterSet{Name: "s", Counters: []string{"cycles"}}
	res := &stat.RunResult{Set: "s", ExitCode: 7}

	ok := []stat.Outcome{
		{Set: set, Result: res},
		{Set: set, Result: res, Err: &stat.ChildFailedError{Set: "s", ExitCode: 7, Result: res}},
	}
	if err := exitStatus(log, ok, nil); err != nil {
		t.Errorf("child failure changed exit status: %v", err)
	}
	if len(hook.AllEntries()) != 0 {
		t.Errorf("unexpected log entries")
	}

	bad := append(ok, stat.Outcome{Set: set, Err: &stat.CounterUnavailableError{Set: "s", Counter: "cycles", Err: os.ErrPermission}})
	if err := exitStatus(log, bad, nil); !errors.Is(err, errRunsFailed) {
		t.Errorf("got %v, want errRunsFailed", err)
	}
	if e := hook.LastEntry(); e == nil || e.Data["failed"] != 1 {
		t.Errorf("failure count not logged: %+v", e)
	}
}

func TestExitStatusPlanError(t *testing.T) {
	log, hook := logtest.NewNullLogger()
	set := stat.CounterSet{Name: "s", Counters: []string{"cycles"}}
	spawnErr := &stat.SpawnError{Set: "s", Target: "./missing", Err: os.ErrNotExist}
	outcomes := []stat.Outcome{{Set: set, Err: spawnErr}}

	if err := exitStatus(log, outcomes, spawnErr); !errors.Is(err, errRunsFailed) {
		t.Errorf("got %v, want errRunsFailed", err)
	}
	if n := len(hook.AllEntries()); n != 0 {
		t.Errorf("spawn error logged again (%d entries)", n)
	}

	if err := exitStatus(log, outcomes[:0], context.Canceled); !errors.Is(err, errRunsFailed) {
		t.Errorf("got %v, want errRunsFailed", err)
	}
	if e := hook.LastEntry(); e == nil || e.Message != context.Canceled.Error() {
		t.Errorf("cancellation not logged: %+v", e)
	}
}

func TestLogLevelFlag(t *testing.T) {
	log, _ := logtest.NewNullLogger()
	root := newRootCmd(log)
	root.SetArgs([]string{"--log-level", "loud", "list"})
	if err := root.Execute(); err == nil {
		t.Errorf("want error for bad log level")
	}
}
