// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package events

import (
	"sort"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

// A builtinEvent is an event with a fixed perf type and config, and so
// generally doesn't appear in /sys.
type builtinEvent struct {
	pmu    uint32
	config uint64
	unit   string
}

// A cacheComponent is one of the three parts of a hardware cache event name
// such as "L1-dcache-load-misses": the cache, the operation, or the result.
type cacheComponent struct {
	name   string
	config uint64
}

// perfCountSWCgroupSwitches is PERF_COUNT_SW_CGROUP_SWITCHES, which
// golang.org/x/sys/unix doesn't define.
const perfCountSWCgroupSwitches = 0xb

// A builtinTable holds every event name perf resolves without consulting
// /sys.
type builtinTable struct {
	hardware map[string]builtinEvent // Bare or under cpu/
	software map[string]builtinEvent // Bare only

	// Cache name components, longest first for prefix matching.
	caches, ops, results []cacheComponent
	// allowedOps maps a cache to the bitmap of operations it supports.
	allowedOps map[uint64]uint8
	// canonical lists the spelling of each cache that perf list prints.
	canonical []string
}

var builtins = sync.OnceValue(newBuiltinTable)

func newBuiltinTable() *builtinTable {
	t := &builtinTable{
		hardware: make(map[string]builtinEvent),
		software: make(map[string]builtinEvent),
	}

	// See parse-events.c:event_symbols_hw
	hw := func(config uint64, names ...string) {
		for _, name := range names {
			t.hardware[name] = builtinEvent{pmu: unix.PERF_TYPE_HARDWARE, config: config}
		}
	}
	hw(unix.PERF_COUNT_HW_CPU_CYCLES, "cpu-cycles", "cycles")
	hw(unix.PERF_COUNT_HW_INSTRUCTIONS, "instructions")
	hw(unix.PERF_COUNT_HW_CACHE_REFERENCES, "cache-references")
	hw(unix.PERF_COUNT_HW_CACHE_MISSES, "cache-misses")
	hw(unix.PERF_COUNT_HW_BRANCH_INSTRUCTIONS, "branch-instructions", "branches")
	hw(unix.PERF_COUNT_HW_BRANCH_MISSES, "branch-misses")
	hw(unix.PERF_COUNT_HW_BUS_CYCLES, "bus-cycles")
	hw(unix.PERF_COUNT_HW_STALLED_CYCLES_FRONTEND, "stalled-cycles-frontend", "idle-cycles-frontend")
	hw(unix.PERF_COUNT_HW_STALLED_CYCLES_BACKEND, "stalled-cycles-backend", "idle-cycles-backend")
	hw(unix.PERF_COUNT_HW_REF_CPU_CYCLES, "ref-cycles")

	// See parse-events.c:event_symbols_sw. The clocks count nanoseconds.
	sw := func(config uint64, unit string, names ...string) {
		for _, name := range names {
			t.software[name] = builtinEvent{pmu: unix.PERF_TYPE_SOFTWARE, config: config, unit: unit}
		}
	}
	sw(unix.PERF_COUNT_SW_CPU_CLOCK, "ns", "cpu-clock")
	sw(unix.PERF_COUNT_SW_TASK_CLOCK, "ns", "task-clock")
	sw(unix.PERF_COUNT_SW_PAGE_FAULTS, "", "page-faults", "faults")
	sw(unix.PERF_COUNT_SW_CONTEXT_SWITCHES, "", "context-switches", "cs")
	sw(unix.PERF_COUNT_SW_CPU_MIGRATIONS, "", "cpu-migrations", "migrations")
	sw(unix.PERF_COUNT_SW_PAGE_FAULTS_MIN, "", "minor-faults")
	sw(unix.PERF_COUNT_SW_PAGE_FAULTS_MAJ, "", "major-faults")
	sw(unix.PERF_COUNT_SW_ALIGNMENT_FAULTS, "", "alignment-faults")
	sw(unix.PERF_COUNT_SW_EMULATION_FAULTS, "", "emulation-faults")
	sw(unix.PERF_COUNT_SW_DUMMY, "", "dummy")
	sw(unix.PERF_COUNT_SW_BPF_OUTPUT, "", "bpf-output")
	sw(perfCountSWCgroupSwitches, "", "cgroup-switches")

	// See evsel.c:evsel__hw_cache. The first name is the canonical one.
	cache := func(config uint64, names ...string) {
		t.canonical = append(t.canonical, names[0])
		t.caches = addComponents(t.caches, config, names...)
	}
	cache(unix.PERF_COUNT_HW_CACHE_L1D, "L1-dcache", "l1-d", "l1d", "L1-data")
	cache(unix.PERF_COUNT_HW_CACHE_L1I, "L1-icache", "l1-i", "l1i", "L1-instruction")
	cache(unix.PERF_COUNT_HW_CACHE_LL, "LLC", "L2")
	cache(unix.PERF_COUNT_HW_CACHE_DTLB, "dTLB", "d-tlb", "Data-TLB")
	cache(unix.PERF_COUNT_HW_CACHE_ITLB, "iTLB", "i-tlb", "Instruction-TLB")
	cache(unix.PERF_COUNT_HW_CACHE_BPU, "branch", "branches", "bpu", "btb", "bpc")
	cache(unix.PERF_COUNT_HW_CACHE_NODE, "node")

	// See evsel.c:evsel__hw_cache_op
	t.ops = addComponents(t.ops, unix.PERF_COUNT_HW_CACHE_OP_READ, "load", "loads", "read")
	t.ops = addComponents(t.ops, unix.PERF_COUNT_HW_CACHE_OP_WRITE, "store", "stores", "write")
	t.ops = addComponents(t.ops, unix.PERF_COUNT_HW_CACHE_OP_PREFETCH, "prefetch", "prefetches", "speculative-read", "speculative-load")

	// See evsel.c:evsel__hw_cache_result
	t.results = addComponents(t.results, unix.PERF_COUNT_HW_CACHE_RESULT_ACCESS, "refs", "Reference", "ops", "access")
	t.results = addComponents(t.results, unix.PERF_COUNT_HW_CACHE_RESULT_MISS, "misses", "miss")

	for _, list := range [][]cacheComponent{t.caches, t.ops, t.results} {
		sort.SliceStable(list, func(i, j int) bool {
			return len(list[i].name) > len(list[j].name)
		})
	}

	r := uint8(1) << unix.PERF_COUNT_HW_CACHE_OP_READ
	w := uint8(1) << unix.PERF_COUNT_HW_CACHE_OP_WRITE
	p := uint8(1) << unix.PERF_COUNT_HW_CACHE_OP_PREFETCH
	t.allowedOps = map[uint64]uint8{
		unix.PERF_COUNT_HW_CACHE_L1D:  r | w | p,
		unix.PERF_COUNT_HW_CACHE_L1I:  r | p,
		unix.PERF_COUNT_HW_CACHE_LL:   r | w | p,
		unix.PERF_COUNT_HW_CACHE_DTLB: r | w | p,
		unix.PERF_COUNT_HW_CACHE_ITLB: r,
		unix.PERF_COUNT_HW_CACHE_BPU:  r,
		unix.PERF_COUNT_HW_CACHE_NODE: r | w | p,
	}
	return t
}

func addComponents(list []cacheComponent, config uint64, names ...string) []cacheComponent {
	for _, name := range names {
		list = append(list, cacheComponent{name, config})
	}
	return list
}

// BuiltinNames returns the sorted names of the hardware and software events
// that are known without consulting /sys, plus the canonical hardware cache
// events in their "<cache>-<op>-<result>" form.
func BuiltinNames() []string {
	return builtins().names()
}

func (t *builtinTable) names() []string {
	var names []string
	for name := range t.hardware {
		names = append(names, name)
	}
	for name := range t.software {
		names = append(names, name)
	}
	for _, c := range t.canonical {
		for _, op := range [][2]string{{"loads", "load"}, {"stores", "store"}, {"prefetches", "prefetch"}} {
			for _, name := range []string{c + "-" + op[0], c + "-" + op[1] + "-misses"} {
				if _, ok := t.resolveCache(name); ok {
					names = append(names, name)
				}
			}
		}
	}
	sort.Strings(names)
	return names
}

func resolveBuiltinEvent(pmu, eventName string) (builtinEvent, bool) {
	return builtins().resolve(pmu, eventName)
}

func (t *builtinTable) resolve(pmu, eventName string) (builtinEvent, bool) {
	// All builtin events are either under no PMU or under cpu/.
	if !(pmu == "" || pmu == "cpu") {
		return builtinEvent{}, false
	}
	if e, ok := t.hardware[eventName]; ok {
		return e, true
	}
	if pmu == "" {
		if e, ok := t.software[eventName]; ok {
			return e, true
		}
	}
	return t.resolveCache(eventName)
}

// resolveCache parses a hardware cache event name, which can be used with or
// without a PMU name. See parse-events.c:parse_events__decode_legacy_cache
// and parse-events.l:PE_LEGACY_CACHE.
func (t *builtinTable) resolveCache(eventName string) (builtinEvent, bool) {
	config, s, ok := findComponent(eventName, t.caches)
	if !ok {
		return builtinEvent{}, false
	}

	// Perf accepts up to two more fields that are op and result. It will
	// even accept nonsense like l1d-loads-stores, because its lexer doesn't
	// distinguish op from result and the parser ignores the third field. We
	// reject it.
	op := uint64(unix.PERF_COUNT_HW_CACHE_OP_READ)
	result := uint64(unix.PERF_COUNT_HW_CACHE_RESULT_ACCESS)
	var haveOp, haveResult bool
	for i := 0; i < 2 && s != ""; i++ {
		if !haveOp {
			if op2, s2, ok := findComponent(s, t.ops); ok {
				op, s, haveOp = op2, s2, true
				continue
			}
		}
		if !haveResult {
			if result2, s2, ok := findComponent(s, t.results); ok {
				result, s, haveResult = result2, s2, true
				continue
			}
		}
	}
	if s != "" || t.allowedOps[config]&(1<<op) == 0 {
		return builtinEvent{}, false
	}
	return builtinEvent{pmu: unix.PERF_TYPE_HW_CACHE, config: config | op<<8 | result<<16}, true
}

// findComponent matches the longest component that is all of s or a prefix
// of s followed by "-", and returns its config and the rest of s.
func findComponent(s string, list []cacheComponent) (uint64, string, bool) {
	for _, c := range list {
		if s == c.name {
			return c.config, "", true
		}
		if rest, ok := strings.CutPrefix(s, c.name); ok && rest[0] == '-' {
			return c.config, rest[1:], true
		}
	}
	return 0, "", false
}
