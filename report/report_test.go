// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package report

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aclements/go-perfrun/stat"
)

func counted(name string, v float64) stat.CounterValue {
	return stat.CounterValue{
		Name:    name,
		Raw:     uint64(v),
		Value:   v,
		Enabled: time.Millisecond,
		Running: time.Millisecond,
	}
}

func sampleOutcomes() []stat.Outcome {
	sets := stat.DefaultCounterSets()
	overview := &stat.RunResult{
		Target: stat.DefaultTarget,
		Set:    sets[0].Name,
		Counters: []stat.CounterValue{
			counted("task-clock", 234.04e6),
			counted("context-switches", 1),
			counted("cpu-migrations", 0),
			counted("page-faults", 72),
			counted("cycles", 916694940),
			counted("instructions", 3768251802),
			counted("l2_cache_accesses_from_dc_misses", 25098),
			counted("l2_cache_hits_from_dc_misses", 13680),
		},
		WallTime: 250 * time.Millisecond,
		UserTime: 230 * time.Millisecond,
		SysTime:  4 * time.Millisecond,
	}

	multiplexed := counted("L1-dcache-load-misses", 25093)
	multiplexed.Running = multiplexed.Enabled / 4
	l1 := &stat.RunResult{
		Target: stat.DefaultTarget,
		Set:    sets[1].Name,
		Counters: []stat.CounterValue{
			counted("cycles", 1000),
			counted("L1-dcache-loads", 1009884042),
			multiplexed,
			{Name: "L1-dcache-prefetches", Status: stat.NotSupported, Reason: "no such file or directory"},
			{Name: "l2_cache_accesses_from_dc_misses", Status: stat.NotCounted, Enabled: time.Millisecond},
			counted("l2_cache_hits_from_dc_misses", 13680),
		},
		ExitCode: 7,
		WallTime: 250 * time.Millisecond,
	}
	return []stat.Outcome{
		{Set: sets[0], Result: overview},
		{Set: sets[1], Result: l1, Err: &stat.ChildFailedError{Set: sets[1].Name, ExitCode: 7, Result: l1}},
	}
}

func TestText(t *testing.T) {
	var buf bytes.Buffer
	if err := Text(&buf, sampleOutcomes()); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	t.Log("\n" + out)

	for _, want := range []string{
		"Performance counter stats for './target/release/test-prefetch' (overview):",
		"234.04 msec task-clock",
		"0.936 CPUs utilized",
		"4.273 /sec",
		"307.640 /sec",
		"916,694,940      cycles",
		"3.917 GHz",
		"4.11  insn per cycle",
		"54.51% of L2 accesses",
		"0.00% of all L1-dcache accesses  (25.00%)",
		"<not supported>      L1-dcache-prefetches",
		"<not counted>      l2_cache_accesses_from_dc_misses",
		"0.250000000 seconds time elapsed",
		"0.230000000 seconds user",
		"target exited with status 7",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q", want)
		}
	}
	if strings.Count(out, "Performance counter stats") != 2 {
		t.Errorf("want one block per run")
	}
	// The L2 hit ratio needs the accesses counter, which wasn't counted in
	// the second run.
	if strings.Count(out, "of L2 accesses") != 1 {
		t.Errorf("L2 hit ratio computed without a base")
	}
}

func TestTextLineLayout(t *testing.T) {
	sh := newShadow(&stat.RunResult{WallTime: time.Second})
	for _, test := range []struct {
		v    stat.CounterValue
		want string
	}{
		{counted("cycles", 1234567), "         1,234,567      cycles                           #    0.001 GHz"},
		{counted("r01c2", 12), "                12      r01c2"},
		{stat.CounterValue{Name: "cycles", Status: stat.NotSupported}, "   <not supported>      cycles"},
		{stat.CounterValue{Name: "power/energy-pkg/", Value: 12.5, Unit: "Joules", Enabled: 1, Running: 1}, "             12.50 Joules power/energy-pkg/"},
		{stat.CounterValue{Name: "instructions", Value: 10, UserOnly: true, Enabled: 1, Running: 1}, "                10      instructions:u"},
	} {
		got := counterLine(test.v, sh)
		if got != test.want {
			t.Errorf("counterLine(%s):\n got %q\nwant %q", test.v.Name, got, test.want)
		}
	}
}

func TestTextFailedRun(t *testing.T) {
	var buf bytes.Buffer
	set := stat.CounterSet{Name: "overview", Counters: []string{"cycles"}}
	err := &stat.SpawnError{Set: "overview", Target: "./missing", Err: os.ErrNotExist}
	if err := Text(&buf, []stat.Outcome{{Set: set, Err: err}}); err != nil {
		t.Fatal(err)
	}
	if got := buf.String(); !strings.Contains(got, "Run overview did not complete") || !strings.Contains(got, "cannot start ./missing") {
		t.Errorf("got %q", got)
	}
}

func TestFormatRate(t *testing.T) {
	for _, test := range []struct {
		rate float64
		want string
	}{
		{4.273, "   4.273 /sec"},
		{0, "   0.000 /sec"},
		{12500, "  12.500 K/sec"},
		{3.5e6, "   3.500 M/sec"},
	} {
		if got := formatRate(test.rate); got != test.want {
			t.Errorf("formatRate(%g) = %q, want %q", test.rate, got, test.want)
		}
	}
}

func TestJSON(t *testing.T) {
	outcomes := sampleOutcomes()
	outcomes = append(outcomes, stat.Outcome{
		Set: stat.CounterSet{Name: "broken", Counters: []string{"cycles"}},
		Err: &stat.CounterUnavailableError{Set: "broken", Counter: "cycles", Err: errors.New("permission denied")},
	})

	var buf bytes.Buffer
	if err := JSON(&buf, outcomes); err != nil {
		t.Fatal(err)
	}

	var got struct {
		Runs []struct {
			Set struct {
				Name     string   `json:"name"`
				Counters []string `json:"counters"`
			} `json:"set"`
			Result *struct {
				ExitCode int `json:"exit_code"`
				Counters []struct {
					Name   string  `json:"name"`
					Status string  `json:"status"`
					Value  float64 `json:"value"`
				} `json:"counters"`
			} `json:"result"`
			Error    string `json:"error"`
			Complete bool   `json:"complete"`
		} `json:"runs"`
	}
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("invalid JSON: %v\n%s", err, buf.String())
	}
	if len(got.Runs) != 3 {
		t.Fatalf("got %d runs, want 3", len(got.Runs))
	}

	r0 := got.Runs[0]
	if r0.Set.Name != "overview" || !r0.Complete || r0.Error != "" {
		t.Errorf("run 0: %+v", r0)
	}
	if c := r0.Result.Counters[4]; c.Name != "cycles" || c.Value != 916694940 || c.Status != "counted" {
		t.Errorf("run 0 cycles: %+v", c)
	}

	r1 := got.Runs[1]
	if !r1.Complete || r1.Result.ExitCode != 7 || !strings.Contains(r1.Error, "status 7") {
		t.Errorf("run 1: complete %v exit %d error %q", r1.Complete, r1.Result.ExitCode, r1.Error)
	}
	if c := r1.Result.Counters[3]; c.Status != "not supported" {
		t.Errorf("run 1 prefetches status %q", c.Status)
	}

	r2 := got.Runs[2]
	if r2.Complete || r2.Result != nil || !strings.Contains(r2.Error, "unavailable") {
		t.Errorf("run 2: %+v", r2)
	}
}

func TestWriteMetrics(t *testing.T) {
	outcomes := sampleOutcomes()
	outcomes = append(outcomes, stat.Outcome{
		Set: stat.CounterSet{Name: "broken", Counters: []string{"cycles"}},
		Err: &stat.SpawnError{Set: "broken", Target: "./missing", Err: os.ErrNotExist},
	})

	path := filepath.Join(t.TempDir(), "perfrun.prom")
	if err := WriteMetrics(path, outcomes); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	out := string(data)

	for _, want := range []string{
		"# TYPE perfrun_counter_value gauge",
		`perfrun_counter_value{counter="cycles",set="l1d-prefetch",unit=""} 1000`,
		`perfrun_counter_raw{counter="page-faults",set="overview"} 72`,
		`perfrun_counter_running_ratio{counter="L1-dcache-load-misses",set="l1d-prefetch"} 0.25`,
		`perfrun_counter_supported{counter="L1-dcache-prefetches",set="l1d-prefetch"} 0`,
		`perfrun_counter_supported{counter="cycles",set="overview"} 1`,
		`perfrun_run_exit_code{set="l1d-prefetch"} 7`,
		`perfrun_run_wall_seconds{set="overview"} 0.25`,
		`perfrun_run_complete{set="l1d-prefetch"} 1`,
		`perfrun_run_complete{set="broken"} 0`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("metrics missing %q", want)
		}
	}
	if strings.Contains(out, `perfrun_run_exit_code{set="broken"}`) {
		t.Errorf("exit code reported for a run that never started")
	}
}
