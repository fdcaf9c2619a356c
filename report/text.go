// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package report formats the outcomes of a perfrun plan: as a perf
// stat-style text table, as JSON, and as a Prometheus textfile.
package report

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/aclements/go-perfrun/stat"
)

// Text writes one perf stat-style block per outcome. Each counter line shows
// the value with thousands separators and, where the other counters of the
// run allow it, a derived metric such as GHz or a miss ratio.
func Text(w io.Writer, outcomes []stat.Outcome) error {
	bw := bufio.NewWriter(w)
	for _, o := range outcomes {
		writeRun(bw, o)
	}
	return bw.Flush()
}

func writeRun(w io.Writer, o stat.Outcome) {
	res := o.Result
	if res == nil {
		fmt.Fprintf(w, "\n Run %s did not complete: %v\n", o.Set, o.Err)
		return
	}

	fmt.Fprintf(w, "\n Performance counter stats for '%s' (%s):\n\n", command(res), res.Set)
	sh := newShadow(res)
	for _, v := range res.Counters {
		fmt.Fprintln(w, counterLine(v, sh))
	}
	fmt.Fprintf(w, "\n%18.9f seconds time elapsed\n\n", res.WallTime.Seconds())
	fmt.Fprintf(w, "%18.9f seconds user\n", res.UserTime.Seconds())
	fmt.Fprintf(w, "%18.9f seconds sys\n", res.SysTime.Seconds())
	if o.Err != nil {
		fmt.Fprintf(w, "\n %v\n", o.Err)
	}
}

func command(res *stat.RunResult) string {
	return strings.Join(append([]string{res.Target}, res.Args...), " ")
}

func counterLine(v stat.CounterValue, sh *shadow) string {
	name := v.Name
	if v.UserOnly {
		name += ":u"
	}
	switch v.Status {
	case stat.NotCounted:
		return fmt.Sprintf("%18s      %s", "<not counted>", name)
	case stat.NotSupported:
		return fmt.Sprintf("%18s      %s", "<not supported>", name)
	}

	var count, unit string
	switch {
	case isClock(v.Name):
		count, unit = humanize.FormatFloat("#,###.##", v.Value/1e6), "msec"
	case v.Unit != "":
		count, unit = humanize.FormatFloat("#,###.##", v.Value), v.Unit
	default:
		count = humanize.Comma(int64(math.Round(v.Value)))
	}

	line := fmt.Sprintf("%18s %-4s %-32s", count, unit, name)
	if m := sh.metric(v); m != "" {
		line += " # " + m
	}
	if r := v.RunningRatio(); r > 0 && r < 1 {
		line += fmt.Sprintf("  (%.2f%%)", 100*r)
	}
	return strings.TrimRight(line, " ")
}

func isClock(name string) bool {
	return name == "task-clock" || name == "cpu-clock"
}

// softwareRates are events reported as a rate over task-clock time.
var softwareRates = map[string]bool{
	"context-switches": true,
	"cs":               true,
	"cpu-migrations":   true,
	"migrations":       true,
	"page-faults":      true,
	"faults":           true,
	"minor-faults":     true,
	"major-faults":     true,
}

// missRatios are counters reported as a percentage of another counter.
var missRatios = map[string]struct{ base, label string }{
	"cache-misses":                 {"cache-references", "of all cache refs"},
	"branch-misses":                {"branches", "of all branches"},
	"l2_cache_hits_from_dc_misses": {"l2_cache_accesses_from_dc_misses", "of L2 accesses"},
}

// missSuffixes map generic cache event suffixes, e.g. L1-dcache-load-misses,
// to the event counting all accesses.
var missSuffixes = []struct{ miss, all string }{
	{"-load-misses", "-loads"},
	{"-store-misses", "-stores"},
	{"-prefetch-misses", "-prefetches"},
}

// shadow holds the counted values of a run for computing derived metrics,
// like perf's shadow stats.
type shadow struct {
	wallNs float64
	values map[string]float64
}

func newShadow(res *stat.RunResult) *shadow {
	sh := &shadow{
		wallNs: float64(res.WallTime.Nanoseconds()),
		values: make(map[string]float64),
	}
	for _, v := range res.Counters {
		if _, dup := sh.values[v.Name]; !dup && v.Supported() {
			sh.values[v.Name] = v.Value
		}
	}
	return sh
}

func (sh *shadow) get(names ...string) (float64, bool) {
	for _, name := range names {
		if v, ok := sh.values[name]; ok {
			return v, true
		}
	}
	return 0, false
}

// taskNs returns the CPU time of the run in nanoseconds, falling back to
// wall time when no clock event was counted.
func (sh *shadow) taskNs() float64 {
	if ns, ok := sh.get("task-clock", "cpu-clock"); ok && ns > 0 {
		return ns
	}
	return sh.wallNs
}

// metric returns the derived metric for v, or "".
func (sh *shadow) metric(v stat.CounterValue) string {
	switch {
	case isClock(v.Name):
		if sh.wallNs > 0 {
			return fmt.Sprintf("%8.3f CPUs utilized", v.Value/sh.wallNs)
		}
		return ""
	case softwareRates[v.Name]:
		ns := sh.taskNs()
		if ns <= 0 {
			return ""
		}
		return formatRate(v.Value / (ns / 1e9))
	case v.Name == "cycles" || v.Name == "cpu-cycles":
		if ns := sh.taskNs(); ns > 0 {
			return fmt.Sprintf("%8.3f GHz", v.Value/ns)
		}
		return ""
	case v.Name == "instructions":
		if c, ok := sh.get("cycles", "cpu-cycles"); ok && c > 0 {
			return fmt.Sprintf("%8.2f  insn per cycle", v.Value/c)
		}
		return ""
	}

	base, label := "", ""
	if r, ok := missRatios[v.Name]; ok {
		base, label = r.base, r.label
	} else {
		for _, s := range missSuffixes {
			if prefix, ok := strings.CutSuffix(v.Name, s.miss); ok {
				base, label = prefix+s.all, "of all "+prefix+" accesses"
				break
			}
		}
	}
	if base == "" {
		return ""
	}
	if total, ok := sh.get(base); ok && total > 0 {
		return fmt.Sprintf("%7.2f%% %s", 100*v.Value/total, label)
	}
	return ""
}

func formatRate(perSec float64) string {
	if perSec < 1000 {
		return fmt.Sprintf("%8.3f /sec", perSec)
	}
	r, prefix := humanize.ComputeSI(perSec)
	return fmt.Sprintf("%8.3f %s/sec", r, strings.ToUpper(prefix))
}
