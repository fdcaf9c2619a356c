// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !linux

package stat

import (
	"errors"

	"github.com/sirupsen/logrus"
)

var errNotLinux = errors.New("performance counters are only supported on Linux")

type perfCollector struct{}

// PerfCollector returns a Collector that always reports counters as
// unavailable on this platform.
func PerfCollector(log logrus.FieldLogger) Collector {
	return perfCollector{}
}

func (perfCollector) Prepare(set CounterSet) (Probe, error) {
	name := ""
	if len(set.Counters) > 0 {
		name = set.Counters[0]
	}
	return nil, &CounterUnavailableError{Set: set.String(), Counter: name, Err: errNotLinux}
}
