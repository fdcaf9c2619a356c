// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

// TODO: It might just be better to use the perfmon database. See
// event_download.py in github.com/andikleen/pmu-tools for downloading it all as
// JSON.

// A perfListEntry is one element of the "perf list -j" array. Metrics have an
// empty EventName and are skipped.
type perfListEntry struct {
	Unit              string
	Topic             string
	EventName         string
	EventAlias        string
	EventType         string
	BriefDescription  string
	PublicDescription string
	ScaleUnit         string
	Encoding          string
}

// A perfList indexes the events of "perf list -j" by name and by alias.
type perfList struct {
	entries []perfListEntry
	byName  map[string]int
}

func (l *perfList) lookup(name string) (*perfListEntry, bool) {
	i, ok := l.byName[name]
	if !ok {
		return nil, false
	}
	return &l.entries[i], true
}

// runPerfList runs "perf list -j" and returns its stdout and stderr. Tests
// replace it with canned output.
var runPerfList = func() (stdout, stderr []byte, err error) {
	var outBuf, errBuf bytes.Buffer
	cmd := exec.Command("perf", "list", "-j")
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	err = cmd.Run()
	return outBuf.Bytes(), errBuf.Bytes(), err
}

var loadPerfList = sync.OnceValues(func() (*perfList, error) {
	return decodePerfList(runPerfList())
})

// perf 6.5 may write errors to stdout between array elements.
var perfErrRe = regexp.MustCompile(`\}Error: .*`)

func decodePerfList(data, errOut []byte, runErr error) (*perfList, error) {
	if runErr != nil {
		return nil, perfListError(errOut, runErr)
	}

	data = perfErrRe.ReplaceAllLiteral(data, []byte(`}`))
	var entries []perfListEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("error decoding perf list -j output: %w", err)
	}

	l := &perfList{byName: make(map[string]int)}
	for _, e := range entries {
		if e.EventName == "" {
			continue
		}
		l.entries = append(l.entries, e)
		i := len(l.entries) - 1
		l.byName[e.EventName] = i
		if e.EventAlias != "" {
			l.byName[e.EventAlias] = i
		}
	}
	return l, nil
}

func perfListError(errOut []byte, err error) error {
	if errors.Is(err, exec.ErrNotFound) {
		return fmt.Errorf("perf command not found; cannot enumerate extended events")
	}
	out := strings.TrimSpace(string(errOut))
	switch {
	case strings.Contains(out, "unknown switch `j'"):
		// -j appeared in Linux 6.2.
		return fmt.Errorf("perf version must be >= 6.2; cannot enumerate extended events")
	case out != "":
		return fmt.Errorf("perf list -j failed:\n%s", out)
	}
	return fmt.Errorf("perf list -j failed: %w", err)
}

// perfListFallback holds raw core PMU encodings of perf JSON events that
// are used without a working perf command. These are AMD Zen events.
var perfListFallback = map[string]uint64{
	"l2_cache_accesses_from_dc_misses": 0xc860, // cpu/event=0x60,umask=0xc8/
	"l2_cache_hits_from_dc_misses":     0x7064, // cpu/event=0x64,umask=0x70/
}

// resolvePerfJsonEvent applies the encoding of an event that only perf's
// built-in JSON tables know about, such as the AMD
// l2_cache_accesses_from_dc_misses event. Only the core PMU is searched.
func resolvePerfJsonEvent(pmu *pmuDesc, eventName string, ev *rawEvent) error {
	if pmu.pmu != unix.PERF_TYPE_RAW {
		return errUnknownEvent
	}
	list, err := loadPerfList()
	if err != nil {
		if config, ok := perfListFallback[eventName]; ok {
			ev.config = config
			return nil
		}
		return err
	}
	e, ok := list.lookup(eventName)
	if !ok {
		return errUnknownEvent
	}
	return e.apply(pmu, ev)
}

// scaleUnit splits a ScaleUnit such as "64Bytes" or "1e-3mJ".
func (e *perfListEntry) scaleUnit() (float64, string, error) {
	if e.ScaleUnit == "" {
		return 1, "", nil
	}
	var scale float64
	var unit string
	n, err := fmt.Sscanf(e.ScaleUnit, "%g%s", &scale, &unit)
	if n == 1 && err == io.EOF {
		err = nil
	}
	if err != nil {
		return 0, "", fmt.Errorf("unexpected ScaleUnit %q from perf list -j: %w", e.ScaleUnit, err)
	}
	return scale, unit, nil
}

// apply sets the fields of ev from e's "cpu/k=v,.../" encoding.
func (e *perfListEntry) apply(pmu *pmuDesc, ev *rawEvent) error {
	if e.Encoding == "" {
		return fmt.Errorf("unsupported event %q: no encoding from perf list -j", e.EventName)
	}
	pmuName, params, err := parsePMUEvent(e.Encoding)
	if err == nil && pmuName != "cpu" {
		err = fmt.Errorf("expected PMU %q", "cpu")
	}
	if err != nil {
		return fmt.Errorf("unexpected encoding %q from perf list -j: %w", e.Encoding, err)
	}
	scale, unit, err := e.scaleUnit()
	if err != nil {
		return err
	}

	for _, param := range params {
		f, ok := pmu.getFormat(param.k)
		if !ok {
			return fmt.Errorf("unknown parameter %q in encoding %q from perf list -j", param.k, e.Encoding)
		}
		if err := f.set(ev, param.v); err != nil {
			return err
		}
	}
	if scale != 1 {
		ev.scale = scale
	}
	ev.unit = unit
	return nil
}

func (e *perfListEntry) info() EventInfo {
	desc := e.BriefDescription
	if desc == "" {
		desc = e.PublicDescription
	}
	_, unit, _ := e.scaleUnit()
	return EventInfo{
		Name:        e.EventName,
		Alias:       e.EventAlias,
		PMU:         e.Unit,
		Topic:       e.Topic,
		Unit:        unit,
		Description: desc,
	}
}

// PerfListEvents returns the core PMU events from "perf list -j" that
// ParseEvent can resolve by name, sorted by name. It fails if the perf
// command is missing or too old.
func PerfListEvents() ([]EventInfo, error) {
	list, err := loadPerfList()
	if err != nil {
		return nil, err
	}
	var infos []EventInfo
	for i := range list.entries {
		e := &list.entries[i]
		if e.Encoding == "" || e.Unit != "cpu" {
			continue
		}
		infos = append(infos, e.info())
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos, nil
}
