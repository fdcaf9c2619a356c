// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package events

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
)

// The event source device directory. Tests point these at testdata.
var (
	pmuDir = "/sys/bus/event_source/devices"
	pmuFS  = os.DirFS(pmuDir)
)

var errUnknownPMU = errors.New("unknown PMU")

// A pmuDesc is what /sys says about one PMU: its perf type, the bit layout
// of its symbolic parameters, and its named events.
type pmuDesc struct {
	name   string
	pmu    uint32
	format map[string]pmuFormat
	events map[string]pmuEvent
}

// A pmuFormat places a parameter value into bit ranges of one config field.
type pmuFormat struct {
	name  string
	field func(*rawEvent) *uint64
	bits  []formatBitRange
}

type formatBitRange struct {
	shift int
	nBits int
}

var formatAllBits = []formatBitRange{{0, 64}}

type pmuEvent struct {
	name   string
	params []eventParam
	scale  float64
	unit   string
}

func fieldConfig(e *rawEvent) *uint64  { return &e.config }
func fieldConfig1(e *rawEvent) *uint64 { return &e.config1 }
func fieldConfig2(e *rawEvent) *uint64 { return &e.config2 }
func fieldPeriod(e *rawEvent) *uint64  { return &e.period }

// configFields are the parameters every PMU accepts, mapped to the whole
// attr field they set.
var configFields = map[string]func(*rawEvent) *uint64{
	"config":  fieldConfig,
	"config1": fieldConfig1,
	"config2": fieldConfig2,
}

// pmus caches a pmuDesc per PMU name.
var pmus = newOnceMap(loadPMU)

func loadPMU(name string) (*pmuDesc, error) {
	typ, err := readPMUType(name)
	if err != nil {
		return nil, err
	}
	desc := &pmuDesc{name: name, pmu: typ}
	if desc.format, err = readPMUFormats(name); err != nil {
		return nil, err
	}
	if desc.events, err = readPMUEvents(name); err != nil {
		return nil, err
	}
	return desc, nil
}

func readPMUType(name string) (uint32, error) {
	data, err := fs.ReadFile(pmuFS, path.Join(name, "type"))
	if errors.Is(err, fs.ErrNotExist) {
		return 0, fmt.Errorf("%w %q", errUnknownPMU, name)
	} else if err != nil {
		return 0, fmt.Errorf("%w %q: %w", errUnknownPMU, name, err)
	}
	s := strings.TrimSpace(string(data))
	typ, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("error parsing PMU %q type %q: %w", name, s, err)
	}
	return uint32(typ), nil
}

func readPMUFormats(name string) (map[string]pmuFormat, error) {
	files, err := readPMUDir(path.Join(name, "format"))
	if err != nil {
		return nil, err
	}
	formats := make(map[string]pmuFormat, len(files))
	for param, data := range files {
		f, err := pmuParseFormat(data)
		if err != nil {
			return nil, fmt.Errorf("%w (from %s)", err, path.Join(pmuDir, name, "format", param))
		}
		f.name = param
		formats[param] = f
	}
	return formats, nil
}

// readPMUEvents parses <pmu>/events. Each event file holds a parameter
// list, and optional <event>.scale and <event>.unit files qualify it. See
// https://www.kernel.org/doc/Documentation/ABI/testing/sysfs-bus-event_source-devices-events.
func readPMUEvents(name string) (map[string]pmuEvent, error) {
	files, err := readPMUDir(path.Join(name, "events"))
	if err != nil {
		return nil, err
	}
	evs := make(map[string]pmuEvent)
	for file, data := range files {
		if strings.Contains(file, ".") {
			continue
		}
		params, err := parseParamList(data)
		if err != nil {
			return nil, fmt.Errorf("%w (from %s)", err, path.Join(pmuDir, name, "events", file))
		}
		ev := pmuEvent{name: file, params: params, scale: 1}
		if s, ok := files[file+".scale"]; ok {
			if ev.scale, err = strconv.ParseFloat(s, 64); err != nil {
				return nil, fmt.Errorf("%w (from %s.scale)", err, path.Join(pmuDir, name, "events", file))
			}
		}
		ev.unit = files[file+".unit"]
		evs[file] = ev
	}
	return evs, nil
}

// readPMUDir returns the trimmed contents of each file in dir. A missing
// directory reads as empty, since every directory under a PMU is optional.
func readPMUDir(dir string) (map[string]string, error) {
	ents, err := fs.ReadDir(pmuFS, dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error reading %s: %w", path.Join(pmuDir, dir), err)
	}
	files := make(map[string]string, len(ents))
	for _, ent := range ents {
		p := path.Join(dir, ent.Name())
		b, err := fs.ReadFile(pmuFS, p)
		if err != nil {
			return nil, fmt.Errorf("error reading %s: %w", path.Join(pmuDir, p), err)
		}
		files[ent.Name()] = strings.TrimRight(string(b), "\n")
	}
	return files, nil
}

// getFormat returns the pmuFormat for a parameter of an event description,
// such as "config" or "edge" in "cpu/config=42,edge/".
func (d *pmuDesc) getFormat(param string) (pmuFormat, bool) {
	// TODO: Perf also supports config3,name,percore,metric-id
	if field, ok := configFields[param]; ok {
		return pmuFormat{param, field, formatAllBits}, true
	}
	if param == "period" {
		return pmuFormat{param, fieldPeriod, formatAllBits}, true
	}
	f, ok := d.format[param]
	return f, ok
}

// set stores val into f's bit ranges of e, low bits first.
func (f pmuFormat) set(e *rawEvent, val uint64) error {
	field := f.field(e)
	width, rest := 0, val
	for _, r := range f.bits {
		mask := uint64(1)<<r.nBits - 1
		*field = *field&^(mask<<r.shift) | (rest&mask)<<r.shift
		rest >>= r.nBits
		width += r.nBits
	}
	if rest != 0 {
		return fmt.Errorf("parameter %s=%d not in range 0-%d", f.name, val, uint64(1)<<width-1)
	}
	return nil
}

// pmuParseFormat parses a format file such as "config:0-7,32-35". Perf
// assumes the ranges are in ascending order; we take them as written. See
// https://www.kernel.org/doc/Documentation/ABI/testing/sysfs-bus-event_source-devices-format.
func pmuParseFormat(s string) (pmuFormat, error) {
	s = strings.TrimRight(s, "\n")
	fieldName, ranges, ok := strings.Cut(s, ":")
	if !ok {
		return pmuFormat{}, fmt.Errorf("error parsing format %q", s)
	}
	field, ok := configFields[fieldName]
	if !ok {
		return pmuFormat{}, fmt.Errorf("error parsing format %q: unknown field %s", s, fieldName)
	}
	format := pmuFormat{field: field}
	for _, r := range strings.Split(ranges, ",") {
		lo, hi, isRange := strings.Cut(r, "-")
		shift, err := strconv.Atoi(lo)
		if err != nil {
			return pmuFormat{}, fmt.Errorf("error parsing format %q: %w", s, err)
		}
		nBits := 1
		if isRange {
			end, err := strconv.Atoi(hi)
			if err != nil {
				return pmuFormat{}, fmt.Errorf("error parsing format %q: %w", s, err)
			}
			nBits = end - shift + 1
		}
		if nBits < 1 || shift+nBits > 64 {
			return pmuFormat{}, fmt.Errorf("error parsing format %q: bad bit range %q", s, r)
		}
		format.bits = append(format.bits, formatBitRange{shift, nBits})
	}
	return format, nil
}

// resolvePMUEvent applies the encoding of a named event from
// <pmu>/events in /sys.
func resolvePMUEvent(pmu *pmuDesc, eventName string, ev *rawEvent) error {
	pmuEv, ok := pmu.events[eventName]
	if !ok {
		return errUnknownEvent
	}
	for _, param := range pmuEv.params {
		f, ok := pmu.getFormat(param.k)
		if !ok {
			return fmt.Errorf("unknown parameter %q in %s description", param.k, eventName)
		}
		if err := f.set(ev, param.v); err != nil {
			return err
		}
	}
	if pmuEv.scale != 1 {
		ev.scale = pmuEv.scale
	}
	ev.unit = pmuEv.unit
	return nil
}

// PMUNames returns the sorted names of the PMUs in /sys, such as "cpu" and
// "power".
func PMUNames() ([]string, error) {
	ents, err := fs.ReadDir(pmuFS, ".")
	if err != nil {
		return nil, fmt.Errorf("error reading %s: %w", pmuDir, err)
	}
	var names []string
	for _, ent := range ents {
		// The devices are usually symlinks to directories.
		if _, err := fs.Stat(pmuFS, path.Join(ent.Name(), "type")); err == nil {
			names = append(names, ent.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// PMUEvents returns the events that pmu describes in /sys, sorted by name.
// Their Name is in "pmu/event/" form.
func PMUEvents(pmu string) ([]EventInfo, error) {
	desc, err := pmus.get(pmu)
	if err != nil {
		return nil, err
	}
	infos := make([]EventInfo, 0, len(desc.events))
	for name, ev := range desc.events {
		infos = append(infos, EventInfo{
			Name: pmu + "/" + name + "/",
			PMU:  pmu,
			Unit: ev.unit,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos, nil
}
