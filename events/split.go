// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package events

import "fmt"

// SplitEventList splits a comma-separated event list into event names without
// resolving them. Commas inside a pmu/.../ term do not split it.
func SplitEventList(list string) ([]string, error) {
	var names []string
	start, inPMU := 0, false
	for i := 0; i < len(list); i++ {
		switch list[i] {
		case '/':
			inPMU = !inPMU
		case ',':
			if inPMU {
				continue
			}
			names = append(names, list[start:i])
			start = i + 1
		}
	}
	if inPMU {
		return nil, fmt.Errorf("event list %q: unterminated PMU event", list)
	}
	names = append(names, list[start:])
	for _, name := range names {
		if name == "" {
			return nil, fmt.Errorf("event list %q: empty event name", list)
		}
	}
	return names, nil
}
