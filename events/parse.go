// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package events

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

type rawEvent struct {
	name    string
	pmu     uint32
	config  uint64
	config1 uint64
	config2 uint64
	period  uint64

	// scale and unit come from sysfs .scale/.unit files or perf list -j. A
	// zero scale means 1.
	scale float64
	unit  string
}

func (e *rawEvent) String() string {
	return e.name
}

func (e *rawEvent) SetAttrs(attr *unix.PerfEventAttr) error {
	attr.Type = e.pmu
	attr.Config = e.config
	attr.Ext1 = e.config1
	attr.Ext2 = e.config2
	attr.Sample = e.period // Union of sample_period and sample_freq
	return nil
}

func (e *rawEvent) ScaleUnit() (float64, string) {
	if e.scale == 0 {
		return 1.0, e.unit
	}
	return e.scale, e.unit
}

// ParseEvent resolves a single event name. It accepts the built-in perf
// names ("cycles", "task-clock", "L1-dcache-load-misses"), raw events
// ("rc860"), PMU events ("cpu/event=0x60,umask=0xc8/"), and named events
// found in /sys or in "perf list -j" ("l2_cache_accesses_from_dc_misses").
func ParseEvent(name string) (Event, error) {
	// TODO: Support modifiers
	// TODO: Support hardware breakpoint events

	if name == "" {
		return nil, fmt.Errorf("empty event name")
	}

	pmu, params, err := parsePMUEvent(name)
	if err == errNotPMUEvent {
		// Try as a symbolic event.
		pmu = ""
		params = []eventParam{{k: name, kOnly: true}}
	} else if err != nil {
		return nil, err
	}

	rev, err := resolveEvent(name, pmu, params)
	if err != nil {
		return nil, err
	}
	return rev, nil
}

// ParseEventList parses a comma-separated list of events, as given to
// "perf stat -e". Commas inside a pmu/.../ term do not split the list.
func ParseEventList(list string) ([]Event, error) {
	names, err := SplitEventList(list)
	if err != nil {
		return nil, err
	}
	evs := make([]Event, 0, len(names))
	for _, name := range names {
		ev, err := ParseEvent(name)
		if err != nil {
			return nil, err
		}
		evs = append(evs, ev)
	}
	return evs, nil
}

var errNotPMUEvent = errors.New("not a PMU format event")

// parsePMUEvent parses symbolic PMU event strings in the form pmu/k=v,.../
func parsePMUEvent(name string) (pmu string, params []eventParam, err error) {
	if !(strings.Count(name, "/") == 2 && !strings.HasPrefix(name, "/") && strings.HasSuffix(name, "/")) {
		return "", nil, errNotPMUEvent
	}

	pmu, rest, _ := strings.Cut(name, "/")
	rest = strings.TrimSuffix(rest, "/")
	params, err = parseParamList(rest)
	if err != nil {
		return "", nil, fmt.Errorf("event %q: %w", name, err)
	}
	return pmu, params, nil
}

type eventParam struct {
	k     string
	v     uint64
	kOnly bool // Param may be an event name or k=1
}

// parseParamList parses a comma-separated list of k strings and k=v pairs. Lone
// keys are assumed to have value 1 and are marked as potential names.
func parseParamList(list string) ([]eventParam, error) {
	// A sole k is assumed to have a value of 1. See
	// https://www.kernel.org/doc/Documentation/ABI/testing/sysfs-bus-event_source-devices-events.
	// This is supported even in an event name, so perf has to disambiguate
	// event names and keys by looking in /sys.
	var params []eventParam
	errf := func(f string, args ...any) error {
		prefix := fmt.Sprintf("error parsing event param list %q", list)
		return fmt.Errorf("%s: "+f, append([]any{prefix}, args...)...)
	}
	for _, s := range strings.Split(list, ",") {
		k, vs, ok := strings.Cut(s, "=")
		if k == "" {
			return nil, errf("missing parameter name in %q", s)
		}
		if !ok {
			params = append(params, eventParam{k, 1, true})
			continue
		}
		// The value can be decimal, hex, or octal.
		v, err := strconv.ParseUint(vs, 0, 64)
		if err != nil {
			return nil, errf("parameter %q not a number", s)
		}
		params = append(params, eventParam{k, v, false})
	}

	return params, nil
}

// parseRawEvent parses perf's rNNNN syntax, where NNNN is the hex config of
// a PERF_TYPE_RAW event.
func parseRawEvent(name string) (uint64, bool) {
	if len(name) < 2 || name[0] != 'r' {
		return 0, false
	}
	config, err := strconv.ParseUint(name[1:], 16, 64)
	if err != nil {
		return 0, false
	}
	return config, true
}

// An eventResolver looks up eventName on pmu and applies its encoding to ev.
// It returns errUnknownEvent if it doesn't know eventName.
type eventResolver func(pmu *pmuDesc, eventName string, ev *rawEvent) error

// errUnknownEvent is an internal error returned by eventResolver.
var errUnknownEvent = errors.New("unknown event")

// eventResolvers are tried in order: /sys first, then perf's JSON tables.
var eventResolvers = []eventResolver{
	resolvePMUEvent,
	resolvePerfJsonEvent,
}

// resolveEvent resolves an event in the form pmu/param1=N,.../ or a symbolic
// event. Symbolic events will have pmu == "" and a single kOnly param.
func resolveEvent(enc string, pmu string, params []eventParam) (*rawEvent, error) {
	if len(params) == 1 && params[0].kOnly {
		if ev, ok := resolveFixedEvent(enc, pmu, params[0].k); ok {
			return ev, nil
		}
	}

	// A symbolic event that isn't built in must be a CPU PMU event.
	symbolic := pmu == ""
	if symbolic {
		pmu = "cpu"
	}
	desc, err := pmus.get(pmu)
	if err != nil {
		if symbolic && errors.Is(err, errUnknownPMU) {
			return nil, fmt.Errorf("unknown event %q", enc)
		}
		return nil, err
	}

	ev := &rawEvent{name: enc, pmu: desc.pmu}
	named, err := desc.applyNamedEvent(ev, params)
	if err != nil {
		if errors.Is(err, errUnknownEvent) && symbolic {
			return nil, fmt.Errorf("unknown event %q", enc)
		}
		return nil, fmt.Errorf("event %q: %w", enc, err)
	}
	for i, param := range params {
		if i == named {
			continue
		}
		f, _ := desc.getFormat(param.k)
		if err := f.set(ev, param.v); err != nil {
			return nil, fmt.Errorf("event %q: %w", enc, err)
		}
	}
	return ev, nil
}

// resolveFixedEvent resolves name as a built-in or raw event, neither of
// which needs /sys. Perf prefers these over same-named /sys events. It
// would still apply /sys parameters to them, but those are meaningless with
// the static PMU types, so we only accept them alone.
func resolveFixedEvent(enc, pmu, name string) (*rawEvent, bool) {
	if b, ok := resolveBuiltinEvent(pmu, name); ok {
		return &rawEvent{name: enc, pmu: b.pmu, config: b.config, unit: b.unit}, true
	}
	if pmu != "" {
		return nil, false
	}
	if config, ok := parseRawEvent(name); ok {
		return &rawEvent{name: enc, pmu: unix.PERF_TYPE_RAW, config: config}, true
	}
	return nil, false
}

// applyNamedEvent finds the (at most one) parameter that names an event of
// d and applies that event's encoding to ev, so that explicit parameters
// applied afterward override it regardless of order. It returns the index of
// that parameter, or -1. Every other parameter must be a format of d.
func (d *pmuDesc) applyNamedEvent(ev *rawEvent, params []eventParam) (int, error) {
	named := -1
	for i, param := range params {
		if _, ok := d.getFormat(param.k); ok {
			continue
		}
		err := errUnknownEvent
		if param.kOnly {
			err = d.resolveName(param.k, ev)
		}
		if err == errUnknownEvent {
			return -1, fmt.Errorf("%w or parameter %q", errUnknownEvent, param.k)
		} else if err != nil {
			return -1, err
		}
		if named >= 0 {
			return -1, fmt.Errorf("multiple events %q and %q", params[named].k, param.k)
		}
		named = i
	}
	return named, nil
}

// resolveName applies the first eventResolver that knows name.
func (d *pmuDesc) resolveName(name string, ev *rawEvent) error {
	for _, r := range eventResolvers {
		if err := r(d, name, ev); err != errUnknownEvent {
			return err
		}
	}
	return errUnknownEvent
}
