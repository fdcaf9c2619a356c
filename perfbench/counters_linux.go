// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package perfbench

import (
	"fmt"
	"sync"
	"testing"

	"github.com/aclements/go-perfrun/events"
	"github.com/aclements/go-perfrun/perf"
)

type countersOS struct {
	b  testingB
	bN int

	names    []string
	counters []*perf.Counter
	baseline []perf.Count
	totals   map[string]float64
}

var printedUnits sync.Map

// printUnits prints benchfmt unit metadata the first time each event is
// used.
func printUnits(names []string) {
	printed := false
	for _, name := range names {
		if _, prev := printedUnits.LoadOrStore(name, true); !prev {
			// Currently all events are better=lower.
			fmt.Printf("Unit %s/op better=lower\n", name)
			printed = true
		}
	}
	if printed {
		fmt.Printf("\n")
	}
}

// testingB is the *testing.B interface needed by Counters. Used for testing.
type testingB interface {
	ReportMetric(n float64, unit string)
	Logf(format string, args ...any)
	Fatalf(format string, args ...any)
	Cleanup(func())
}

var openErrors sync.Map

func openOS(b *testing.B, names []string) *Counters {
	printUnits(names)
	return open(b, b.N, names)
}

func open(b testingB, bN int, names []string) *Counters {
	evs := make([]events.Event, len(names))
	for i, name := range names {
		ev, err := events.ParseEvent(name)
		if err != nil {
			b.Fatalf("%v", err)
			return nil
		}
		evs[i] = ev
	}

	cs := &Counters{countersOS{
		b:        b,
		bN:       bN,
		names:    names,
		counters: make([]*perf.Counter, len(evs)),
		baseline: make([]perf.Count, len(evs)),
		totals:   make(map[string]float64),
	}}

	for i, ev := range evs {
		var err error
		cs.counters[i], err = perf.OpenCounter(perf.TargetThisGoroutine, ev)
		if err != nil {
			// Only report each error once, to avoid flooding benchmark log.
			msg := fmt.Sprintf("error opening counter %s: %v", names[i], err)
			if _, prev := openErrors.Swap(msg, true); !prev {
				b.Logf("%s", msg)
			}
		}
	}

	b.Cleanup(cs.close)

	// Start all of the counters.
	cs.Start()

	return cs
}

func (cs *Counters) startOS() {
	for _, c := range cs.counters {
		c.Start()
	}
}

func (cs *Counters) stopOS() {
	for _, c := range cs.counters {
		c.Stop()
	}
}

func (cs *Counters) resetOS() {
	// perf has a concept of resetting a counter, but it doesn't reset the
	// counter's timers, so instead we track our own baseline.
	for i, c := range cs.counters {
		cs.baseline[i], _ = c.ReadOne()
	}
}

// read returns the value of counter i since the last Reset.
func (cs *Counters) read(i int) (perf.Count, error) {
	val, err := cs.counters[i].ReadOne()
	base := cs.baseline[i]
	val.RawValue -= base.RawValue
	val.TimeEnabled -= base.TimeEnabled
	val.TimeRunning -= base.TimeRunning
	return val, err
}

func (cs *Counters) totalOS(name string) (float64, bool) {
	if cs.b == nil {
		// Closed. Report the final values.
		v, ok := cs.totals[name]
		return v, ok
	}
	for i, n := range cs.names {
		if n != name || cs.counters[i] == nil {
			continue
		}
		val, err := cs.read(i)
		if err != nil || val.TimeRunning == 0 {
			return 0, false
		}
		v, _ := val.Value()
		return v, true
	}
	return 0, false
}

func (cs *Counters) close() {
	if cs.b == nil {
		return
	}

	cs.Stop()
	for i, c := range cs.counters {
		if c == nil {
			continue
		}
		val, err := cs.read(i)
		if err != nil {
			cs.b.Logf("error reading %s: %v", cs.names[i], err)
		} else if val.TimeRunning > 0 {
			v, _ := val.Value()
			cs.totals[cs.names[i]] = v
			cs.b.ReportMetric(v/float64(cs.bN), cs.names[i]+"/op")
		}
		c.Close()
	}
	cs.b = nil
}
